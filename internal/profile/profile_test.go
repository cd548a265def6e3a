package profile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeProfilesFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "profiles.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write profiles.yml: %v", err)
	}
	return path
}

const samleProfiles = `
default:
  priority: 0
  homepage: about:blank
  bookmarks:
    - name: Intranet
      url: https://intranet.example.com
staff:
  priority: 10
  homepage: https://staff.example.com
  bookmarks:
    - name: Intranet
      url: https://intranet.example.com
    - name: Payroll
      url: https://payroll.example.com
_users:
  alice:
    homepage: https://alice.example.com
    bookmarks:
      - name: Personal
        url: https://alice-personal.example.com
`

func TestGetUserConfigMergesByPriorityAndDedups(t *testing.T) {
	path := writeProfilesFile(t, t.TempDir(), samleProfiles)
	l := NewLoader(path, time.Minute)

	cfg := l.GetUserConfig([]string{"staff"}, "bob")
	if cfg.Homepage != "https://staff.example.com" {
		t.Fatalf("expected staff homepage to win over default, got %q", cfg.Homepage)
	}
	if len(cfg.Bookmarks) != 2 {
		t.Fatalf("expected intranet+payroll deduped across default/staff, got %v", cfg.Bookmarks)
	}
}

func TestGetUserConfigAppliesPerUserOverride(t *testing.T) {
	path := writeProfilesFile(t, t.TempDir(), samleProfiles)
	l := NewLoader(path, time.Minute)

	cfg := l.GetUserConfig([]string{"staff"}, "alice")
	if cfg.Homepage != "https://alice.example.com" {
		t.Fatalf("expected per-user override homepage, got %q", cfg.Homepage)
	}
	if len(cfg.Bookmarks) != 3 {
		t.Fatalf("expected personal bookmark prepended, got %v", cfg.Bookmarks)
	}
	if cfg.Bookmarks[0].Name != "Personal" {
		t.Fatalf("expected personal bookmark first, got %v", cfg.Bookmarks)
	}
}

func TestGetUserConfigFallsBackToDefaultWhenFileMissing(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "missing.yml"), time.Minute)
	cfg := l.GetUserConfig([]string{"staff"}, "")
	if cfg.Homepage != "about:blank" {
		t.Fatalf("expected default fallback homepage, got %q", cfg.Homepage)
	}
}

func TestBrowserTypeDetection(t *testing.T) {
	cases := map[string]string{
		"guac/firefox-desktop:latest":  "firefox",
		"guac/chromium-desktop:latest": "chromium",
		"guac/chrome-desktop:latest":   "chromium",
		"guac/vnc-desktop:latest":      "chromium",
	}
	for image, want := range cases {
		if got := BrowserType(image); got != want {
			t.Errorf("BrowserType(%q) = %q, want %q", image, got, want)
		}
	}
}

func TestApplyWritesChromiumPolicyFile(t *testing.T) {
	profilesPath := writeProfilesFile(t, t.TempDir(), samleProfiles)
	loader := NewLoader(profilesPath, time.Minute)
	userDataRoot := t.TempDir()

	a := NewApplier(userDataRoot, "chromium", loader)
	if err := a.Apply(context.Background(), "bob", []string{"staff"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	policyPath := filepath.Join(userDataRoot, "bob", "chromium-policies", "managed", "bookmarks.json")
	data, err := os.ReadFile(policyPath)
	if err != nil {
		t.Fatalf("expected policy file written: %v", err)
	}
	var policy map[string]any
	if err := json.Unmarshal(data, &policy); err != nil {
		t.Fatalf("expected valid JSON policy: %v", err)
	}
	if policy["HomepageLocation"] != "https://staff.example.com" {
		t.Fatalf("expected homepage wired into policy, got %v", policy["HomepageLocation"])
	}
}

func TestApplyWritesFirefoxPolicyFile(t *testing.T) {
	profilesPath := writeProfilesFile(t, t.TempDir(), samleProfiles)
	loader := NewLoader(profilesPath, time.Minute)
	userDataRoot := t.TempDir()

	a := NewApplier(userDataRoot, "firefox", loader)
	if err := a.Apply(context.Background(), "bob", []string{"staff"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	policyPath := filepath.Join(userDataRoot, "bob", "firefox-policies", "policies.json")
	if _, err := os.Stat(policyPath); err != nil {
		t.Fatalf("expected firefox policy file written: %v", err)
	}
}
