// Package featureflags evaluates per-user feature toggles from config.
package featureflags

import (
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
)

// ImageThumbnails enables WebP thumbnails for image attachments.
const ImageThumbnails = "image_thumbnails"

// known lists the flags the service reads, with the state used when
// FEATURE_FLAGS does not mention them.
var known = map[string]bool{
	ImageThumbnails: false,
}

// rule is one parsed flag value. percent is -1 for plain on/off rules.
type rule struct {
	raw     string
	on      bool
	percent int
}

func (r rule) evaluate(name, userID string) bool {
	switch {
	case r.percent < 0:
		return r.on
	case r.percent == 0:
		return false
	case r.percent >= 100:
		return true
	case userID == "":
		return false
	}
	return bucket(name, userID) < r.percent
}

// Manager evaluates flags from a "name=value" list such as
// "image_thumbnails=on,typing_v2=25%". Values are on/off/true/false/1/0 or
// a percentage rolled out deterministically by user id.
type Manager struct {
	rules map[string]rule
}

// NewManager parses raw. Malformed entries are skipped.
func NewManager(raw string) *Manager {
	rules := make(map[string]rule)
	for _, entry := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		name, value = normalize(name), normalize(value)
		if name == "" {
			continue
		}
		if r, ok := parseRule(value); ok {
			rules[name] = r
		}
	}
	return &Manager{rules: rules}
}

func parseRule(value string) (rule, bool) {
	switch value {
	case "on", "true", "1":
		return rule{raw: value, on: true, percent: -1}, true
	case "off", "false", "0":
		return rule{raw: value, percent: -1}, true
	}
	pct, found := strings.CutSuffix(value, "%")
	if !found {
		return rule{}, false
	}
	n, err := strconv.Atoi(pct)
	if err != nil || n < 0 {
		return rule{}, false
	}
	return rule{raw: value, percent: n}, true
}

// Enabled reports whether name is on for userID. A nil Manager and an
// unconfigured flag fall back to the flag's default.
func (m *Manager) Enabled(name, userID string) bool {
	name = normalize(name)
	if m != nil {
		if r, ok := m.rules[name]; ok {
			return r.evaluate(name, userID)
		}
	}
	return known[name]
}

// FlagState is one row of a user's flag snapshot.
type FlagState struct {
	Name       string `json:"name"`
	Rule       string `json:"rule,omitempty"`
	Enabled    bool   `json:"enabled"`
	Configured bool   `json:"configured"`
}

// Snapshot evaluates every known or configured flag for userID, sorted by name.
func (m *Manager) Snapshot(userID string) []FlagState {
	names := make(map[string]struct{}, len(known))
	for name := range known {
		names[name] = struct{}{}
	}
	if m != nil {
		for name := range m.rules {
			names[name] = struct{}{}
		}
	}

	out := make([]FlagState, 0, len(names))
	for name := range names {
		st := FlagState{Name: name, Enabled: m.Enabled(name, userID)}
		if m != nil {
			if r, ok := m.rules[name]; ok {
				st.Rule, st.Configured = r.raw, true
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func bucket(name, userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name + ":" + userID))
	return int(h.Sum32() % 100)
}
