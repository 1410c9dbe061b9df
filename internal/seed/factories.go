// Package seed provides helpers to create test and demo data for the
// application database. These helpers are intended for development and
// testing only.
package seed

import (
	"context"
	"fmt"
	"log"

	"lectern/internal/models"
	"lectern/internal/repository"

	"github.com/brianvoe/gofakeit/v6"
)

var (
	courseSubjects = []string{
		"Algorithms", "Linear Algebra", "Organic Chemistry", "World History",
		"Microeconomics", "Data Structures", "Statistics", "Creative Writing",
		"Operating Systems", "Cell Biology", "Philosophy of Mind", "Thermodynamics",
	}
	groupKinds = []string{"Study Group", "Section", "Lab Team", "Project Team", "TA Office Hours"}
)

// Factory builds users and message text with reproducible fake data.
type Factory struct {
	users  repository.UserRepository
	faker  *gofakeit.Faker
	dryRun bool
	// synthetic id counter
	nextID int
}

// NewFactory returns a Factory. The same seed always yields the same data.
func NewFactory(users repository.UserRepository, seed int64, dryRun bool) *Factory {
	return &Factory{users: users, faker: gofakeit.New(seed), dryRun: dryRun}
}

// CreateUser constructs and persists a sample user. Optional override
// functions may modify the generated user before saving.
func (f *Factory) CreateUser(ctx context.Context, overrides ...func(*models.User)) (*models.User, error) {
	f.nextID++
	user := &models.User{
		ID:          fmt.Sprintf("u-%s-%d", f.faker.Username(), f.nextID),
		DisplayName: f.faker.Name(),
		AvatarURL:   fmt.Sprintf("https://i.pravatar.cc/150?u=%s", f.faker.UUID()),
	}
	for _, override := range overrides {
		override(user)
	}

	if f.dryRun {
		log.Printf("[dry-run] CreateUser: %s (%s)", user.ID, user.DisplayName)
		return user, nil
	}
	if err := f.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// GroupTitle returns a course-flavoured group title.
func (f *Factory) GroupTitle() string {
	return fmt.Sprintf("%s %s %d",
		f.faker.RandomString(courseSubjects),
		f.faker.RandomString(groupKinds),
		f.faker.Number(1, 9),
	)
}

// MessageText returns a short chat line.
func (f *Factory) MessageText() string {
	switch f.faker.Number(0, 3) {
	case 0:
		return f.faker.Question()
	case 1:
		return f.faker.HipsterSentence(f.faker.Number(4, 12))
	default:
		return f.faker.Sentence(f.faker.Number(3, 14))
	}
}

// Pick returns n distinct users from pool, never including skip.
func (f *Factory) Pick(pool []*models.User, n int, skip string) []*models.User {
	candidates := make([]*models.User, 0, len(pool))
	for _, u := range pool {
		if u.ID != skip {
			candidates = append(candidates, u)
		}
	}
	f.faker.ShuffleAnySlice(candidates)
	if n > len(candidates) {
		n = len(candidates)
	}
	return candidates[:n]
}
