// Package profile applies per-group browser policy to a user's profile
// directory at provisioning time (SPEC_FULL.md §11 supplement): a
// one-time write of a browser policy file mapping homepage, bookmarks,
// and autofill, keyed by the browser type detected from the workload
// image name.
package profile

import (
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Bookmark is one managed bookmark entry.
type Bookmark struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Autofill is one autofill/credential entry, subject to ${GUAC_USERNAME}
// expansion at apply time; ${vault:...} and ${env:...} are left unexpanded.
type Autofill struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type rawProfile struct {
	Description string     `yaml:"description"`
	Priority    int        `yaml:"priority"`
	Homepage    string     `yaml:"homepage"`
	Bookmarks   []Bookmark `yaml:"bookmarks"`
	Autofill    []Autofill `yaml:"autofill"`
}

// UserConfig is the effective, merged configuration for one user.
type UserConfig struct {
	Homepage string
	Bookmarks []Bookmark
	Autofill  []Autofill
	Groups    []string
}

// Loader caches profiles.yml for CacheTTL, reloading on expiry the way
// original_source's ProfilesConfig double-checks under lock.
type Loader struct {
	path string
	ttl  time.Duration

	mu       sync.Mutex
	profiles map[string]rawProfile
	users    map[string]rawProfile
	loadedAt time.Time
}

// NewLoader builds a Loader reading from path, re-reading at most every
// ttl. A missing file is not an error: it yields a bare "default"
// profile, matching the original's fallback.
func NewLoader(path string, ttl time.Duration) *Loader {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Loader{path: path, ttl: ttl}
}

func (l *Loader) load() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.profiles != nil && time.Since(l.loadedAt) < l.ttl {
		return
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		l.profiles = defaultProfiles()
		l.users = nil
		return
	}

	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil || raw == nil {
		l.profiles = defaultProfiles()
		l.users = nil
		return
	}

	var userOverrides map[string]rawProfile
	if node, ok := raw["_users"]; ok {
		_ = node.Decode(&userOverrides)
	}
	delete(raw, "_users")

	doc := make(map[string]rawProfile, len(raw))
	for name, node := range raw {
		var p rawProfile
		if node.Decode(&p) == nil {
			doc[name] = p
		}
	}

	l.profiles = doc
	l.users = userOverrides
	l.loadedAt = time.Now()
}

func defaultProfiles() map[string]rawProfile {
	return map[string]rawProfile{
		"default": {Description: "Default", Priority: 0},
	}
}

type matchedProfile struct {
	priority int
	name     string
	profile  rawProfile
}

// GetUserConfig merges every profile matching groups (ascending
// priority, so the highest-priority profile's homepage wins),
// deduplicates bookmarks/autofill by URL, folds in the implicit
// "default" profile when not already matched, and finally applies a
// per-user override section keyed by username.
func (l *Loader) GetUserConfig(groups []string, username string) UserConfig {
	l.load()
	l.mu.Lock()
	defer l.mu.Unlock()

	var candidates []matchedProfile
	hasDefault := false
	for _, g := range groups {
		if g == "default" {
			hasDefault = true
		}
		if p, ok := l.profiles[g]; ok {
			candidates = append(candidates, matchedProfile{p.Priority, g, p})
		}
	}
	if !hasDefault {
		if p, ok := l.profiles["default"]; ok {
			candidates = append(candidates, matchedProfile{p.Priority, "default", p})
		}
	}
	sortByPriorityAsc(candidates)

	seenBookmarks := make(map[string]struct{})
	seenAutofill := make(map[string]struct{})
	out := UserConfig{Homepage: "about:blank"}

	for _, c := range candidates {
		out.Groups = append(out.Groups, c.name)
		for _, bm := range c.profile.Bookmarks {
			if bm.URL == "" {
				continue
			}
			if _, dup := seenBookmarks[bm.URL]; dup {
				continue
			}
			seenBookmarks[bm.URL] = struct{}{}
			out.Bookmarks = append(out.Bookmarks, bm)
		}
		for _, af := range c.profile.Autofill {
			if af.URL == "" {
				continue
			}
			if _, dup := seenAutofill[af.URL]; dup {
				continue
			}
			seenAutofill[af.URL] = struct{}{}
			out.Autofill = append(out.Autofill, af)
		}
		if c.profile.Homepage != "" {
			out.Homepage = c.profile.Homepage
		}
	}

	if username != "" && l.users != nil {
		if override, ok := l.users[username]; ok {
			if override.Homepage != "" {
				out.Homepage = override.Homepage
			}
			for _, bm := range override.Bookmarks {
				if bm.URL == "" {
					continue
				}
				if _, dup := seenBookmarks[bm.URL]; dup {
					continue
				}
				seenBookmarks[bm.URL] = struct{}{}
				out.Bookmarks = append([]Bookmark{bm}, out.Bookmarks...)
			}
			for _, af := range override.Autofill {
				if af.URL == "" {
					continue
				}
				if _, dup := seenAutofill[af.URL]; dup {
					continue
				}
				seenAutofill[af.URL] = struct{}{}
				out.Autofill = append([]Autofill{af}, out.Autofill...)
			}
		}
	}

	return out
}

func sortByPriorityAsc(m []matchedProfile) {
	for i := 1; i < len(m); i++ {
		for j := i; j > 0 && m[j-1].priority > m[j].priority; j-- {
			m[j-1], m[j] = m[j], m[j-1]
		}
	}
}
