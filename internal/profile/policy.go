package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BrowserType detects the policy format to produce from the workload
// image name (original_source's BrokerConfig.get_browser_type).
func BrowserType(image string) string {
	lower := strings.ToLower(image)
	switch {
	case strings.Contains(lower, "firefox"):
		return "firefox"
	case strings.Contains(lower, "chromium"), strings.Contains(lower, "chrome"):
		return "chromium"
	default:
		return "chromium"
	}
}

// sanitizeForPath strips everything but alphanumerics, '-', and '_' so
// usernames can't escape the user-data root.
func sanitizeForPath(username string) string {
	var b strings.Builder
	for _, r := range username {
		if r == '-' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Applier ensures a user's profile directory exists and writes the
// merged browser policy for their groups.
type Applier struct {
	userDataPath string
	browserType  string
	loader       *Loader
}

// NewApplier builds an Applier. browserType is normally the result of
// BrowserType(cfg.Containers.Image).
func NewApplier(userDataPath, browserType string, loader *Loader) *Applier {
	return &Applier{userDataPath: userDataPath, browserType: browserType, loader: loader}
}

// userPath returns the sanitized per-user directory, creating nothing.
func (a *Applier) userPath(username string) string {
	return filepath.Join(a.userDataPath, sanitizeForPath(username))
}

// EnsureProfileDir creates the user's desktop directory plus the
// browser-specific policy directory, returning the user root.
func (a *Applier) EnsureProfileDir(username string) (string, error) {
	root := a.userPath(username)
	if err := os.MkdirAll(filepath.Join(root, "desktop"), 0o755); err != nil {
		return "", fmt.Errorf("profile: ensure desktop dir: %w", err)
	}
	if err := os.MkdirAll(a.policyDir(root), 0o755); err != nil {
		return "", fmt.Errorf("profile: ensure policy dir: %w", err)
	}
	return root, nil
}

func (a *Applier) policyDir(userRoot string) string {
	if a.browserType == "firefox" {
		return filepath.Join(userRoot, "firefox-policies")
	}
	return filepath.Join(userRoot, "chromium-policies", "managed")
}

func (a *Applier) policyFile(userRoot string) string {
	if a.browserType == "firefox" {
		return filepath.Join(a.policyDir(userRoot), "policies.json")
	}
	return filepath.Join(a.policyDir(userRoot), "bookmarks.json")
}

// Apply resolves the effective profile config for groups, ensures the
// directory tree, and writes the browser policy file. Satisfies
// provisioner.ProfileApplier.
func (a *Applier) Apply(ctx context.Context, username string, groups []string) error {
	cfg := a.loader.GetUserConfig(groups, username)

	root, err := a.EnsureProfileDir(username)
	if err != nil {
		return err
	}

	var policy map[string]any
	if a.browserType == "firefox" {
		policy = firefoxPolicy(username, cfg)
	} else {
		policy = chromiumPolicy(cfg)
	}

	data, err := json.MarshalIndent(policy, "", "  ")
	if err != nil {
		return fmt.Errorf("profile: marshal policy: %w", err)
	}
	if err := os.WriteFile(a.policyFile(root), data, 0o644); err != nil {
		return fmt.Errorf("profile: write policy: %w", err)
	}
	return nil
}

func firefoxPolicy(username string, cfg UserConfig) map[string]any {
	policies := map[string]any{
		"DisableAppUpdate":          true,
		"DisableFirefoxStudies":     true,
		"DisablePocket":             true,
		"DisableTelemetry":          true,
		"DontCheckDefaultBrowser":   true,
		"NoDefaultBookmarks":        true,
		"OverrideFirstRunPage":      "",
		"OverridePostUpdatePage":    "",
		"DisplayBookmarksToolbar":   "always",
		"PasswordManagerEnabled":    true,
		"UserMessaging": map[string]any{
			"WhatsNew":                  false,
			"ExtensionRecommendations":  false,
			"FeatureRecommendations":    false,
			"UrlbarInterventions":       false,
			"SkipOnboarding":            true,
			"MoreFromMozilla":           false,
		},
		"Preferences": map[string]any{
			"browser.startup.homepage_override.mstone":    map[string]any{"Value": "ignore", "Status": "locked"},
			"datareporting.policy.dataSubmissionEnabled":  map[string]any{"Value": false, "Status": "locked"},
			"toolkit.telemetry.reportingpolicy.firstRun":  map[string]any{"Value": false, "Status": "locked"},
			"signon.rememberSignons":                      map[string]any{"Value": true, "Status": "default"},
			"signon.autofillForms":                         map[string]any{"Value": true, "Status": "default"},
		},
		"Homepage": map[string]any{
			"URL":       nonEmptyOr(cfg.Homepage, "about:blank"),
			"StartPage": "homepage",
		},
	}

	if len(cfg.Bookmarks) > 0 {
		managed := []any{map[string]any{"toplevel_name": "Bookmarks"}}
		for _, bm := range cfg.Bookmarks {
			managed = append(managed, map[string]any{"name": bm.Name, "url": bm.URL})
		}
		policies["ManagedBookmarks"] = managed
	}

	if logins := firefoxLogins(username, cfg.Autofill); len(logins) > 0 {
		policies["PrimaryPassword"] = false
		policies["OfferToSaveLogins"] = false
		policies["Logins"] = logins
	}

	return map[string]any{"policies": policies}
}

func firefoxLogins(username string, autofill []Autofill) []any {
	var out []any
	for _, af := range autofill {
		expanded := expandVariables(af, username)
		if expanded.URL == "" || expanded.Username == "" {
			continue
		}
		login := map[string]any{"origin": expanded.URL, "username": expanded.Username}
		if expanded.Password != "" {
			login["password"] = expanded.Password
		}
		out = append(out, login)
	}
	return out
}

func chromiumPolicy(cfg UserConfig) map[string]any {
	policy := map[string]any{
		"MetricsReportingEnabled":       false,
		"SafeBrowsingProtectionLevel":   1,
		"DefaultBrowserSettingEnabled":  false,
		"BrowserSignin":                 0,
		"SyncDisabled":                  true,
		"PasswordManagerEnabled":        true,
		"AutofillAddressEnabled":        true,
		"AutofillCreditCardEnabled":     false,
		"BookmarkBarEnabled":            true,
		"ShowHomeButton":                true,
		"PromotionalTabsEnabled":        false,
		"ShowAppsShortcutInBookmarkBar": false,
	}

	if cfg.Homepage != "" && cfg.Homepage != "about:blank" {
		policy["HomepageLocation"] = cfg.Homepage
		policy["HomepageIsNewTabPage"] = false
		policy["RestoreOnStartup"] = 4
		policy["RestoreOnStartupURLs"] = []string{cfg.Homepage}
	} else {
		policy["HomepageIsNewTabPage"] = true
		policy["RestoreOnStartup"] = 5
	}

	if len(cfg.Bookmarks) > 0 {
		managed := []any{map[string]any{"toplevel_name": "Bookmarks"}}
		for _, bm := range cfg.Bookmarks {
			managed = append(managed, map[string]any{"name": bm.Name, "url": bm.URL})
		}
		policy["ManagedBookmarks"] = managed
	}

	return policy
}

// expandVariables resolves ${GUAC_USERNAME} in an autofill entry.
// ${vault:...} and ${env:...} are not wired to a secrets backend in
// this deployment; they pass through unexpanded.
func expandVariables(af Autofill, username string) Autofill {
	af.URL = strings.ReplaceAll(af.URL, "${GUAC_USERNAME}", username)
	af.Username = strings.ReplaceAll(af.Username, "${GUAC_USERNAME}", username)
	af.Password = strings.ReplaceAll(af.Password, "${GUAC_USERNAME}", username)
	return af
}

func nonEmptyOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
