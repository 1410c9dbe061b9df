package seed

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Fixtures is a hand-written cohort loaded from YAML.
type Fixtures struct {
	Users   []FixtureUser   `yaml:"users"`
	Directs []FixtureDirect `yaml:"directs"`
	Groups  []FixtureGroup  `yaml:"groups"`
}

// FixtureUser is one user row.
type FixtureUser struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"displayName"`
	AvatarURL   string `yaml:"avatarUrl"`
}

// FixtureDirect opens a direct conversation between two users.
type FixtureDirect struct {
	Between  [2]string        `yaml:"between"`
	Messages []FixtureMessage `yaml:"messages"`
}

// FixtureGroup creates a group; the creator becomes its admin.
type FixtureGroup struct {
	Title    string           `yaml:"title"`
	Creator  string           `yaml:"creator"`
	Members  []string         `yaml:"members"`
	Admins   []string         `yaml:"admins"`
	Messages []FixtureMessage `yaml:"messages"`
}

// FixtureMessage is a TEXT message sent in order.
type FixtureMessage struct {
	From string `yaml:"from"`
	Text string `yaml:"text"`
}

// LoadFixtures reads and validates a fixtures file.
func LoadFixtures(path string) (*Fixtures, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	return ParseFixtures(raw)
}

// ParseFixtures decodes fixtures and checks every reference names a
// declared user.
func ParseFixtures(raw []byte) (*Fixtures, error) {
	var fx Fixtures
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}

	known := make(map[string]bool, len(fx.Users))
	for _, u := range fx.Users {
		if u.ID == "" || u.DisplayName == "" {
			return nil, fmt.Errorf("fixture user needs id and displayName: %+v", u)
		}
		known[u.ID] = true
	}
	check := func(where, id string) error {
		if !known[id] {
			return fmt.Errorf("%s references unknown user %q", where, id)
		}
		return nil
	}

	for i, d := range fx.Directs {
		where := fmt.Sprintf("directs[%d]", i)
		for _, id := range d.Between {
			if err := check(where, id); err != nil {
				return nil, err
			}
		}
		for _, m := range d.Messages {
			if m.From != d.Between[0] && m.From != d.Between[1] {
				return nil, fmt.Errorf("%s message from %q who is not a participant", where, m.From)
			}
		}
	}
	for i, g := range fx.Groups {
		where := fmt.Sprintf("groups[%d]", i)
		if g.Title == "" {
			return nil, fmt.Errorf("%s needs a title", where)
		}
		ids := append([]string{g.Creator}, g.Members...)
		ids = append(ids, g.Admins...)
		for _, id := range ids {
			if err := check(where, id); err != nil {
				return nil, err
			}
		}
		for _, m := range g.Messages {
			if err := check(where, m.From); err != nil {
				return nil, err
			}
		}
	}
	return &fx, nil
}
