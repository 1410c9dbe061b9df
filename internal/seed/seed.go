package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"lectern/internal/database"
	"lectern/internal/models"
	"lectern/internal/repository"
	"lectern/internal/service"

	"gorm.io/gorm"
)

// Options configures random seeding.
type Options struct {
	NumUsers                int
	NumGroups               int
	NumDirects              int
	GroupSize               int
	MessagesPerConversation int
	Seed                    int64
	DryRun                  bool
}

// Result counts what a run created.
type Result struct {
	Users         int
	Conversations int
	Messages      int
}

// Seeder writes demo data through the same services the API uses, so
// seeded rows obey every membership and ordering rule.
type Seeder struct {
	db            *gorm.DB
	users         repository.UserRepository
	conversations *service.ConversationService
	messages      *service.MessageService
}

// NewSeeder returns a Seeder bound to db.
func NewSeeder(db *gorm.DB) *Seeder {
	users := repository.NewUserRepository(db)
	convs := repository.NewConversationRepository(db)
	msgs := repository.NewMessageRepository(db)
	blocks := repository.NewBlockRepository(db)
	conversations := service.NewConversationService(convs, msgs, users, blocks)
	return &Seeder{
		db:            db,
		users:         users,
		conversations: conversations,
		messages:      service.NewMessageService(conversations, convs, msgs, blocks, nil, nil, 0),
	}
}

// ClearAll deletes every row of every persisted model.
func (s *Seeder) ClearAll(ctx context.Context) error {
	all := database.PersistentModels()
	tx := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true})
	for i := len(all) - 1; i >= 0; i-- {
		if err := tx.Delete(all[i]).Error; err != nil {
			return fmt.Errorf("clear %T: %w", all[i], err)
		}
	}
	log.Println("✓ Existing data cleared")
	return nil
}

// ApplyFixtures creates the users, conversations and messages in fx.
func (s *Seeder) ApplyFixtures(ctx context.Context, fx *Fixtures) (*Result, error) {
	res := &Result{}
	for _, u := range fx.Users {
		user := &models.User{ID: u.ID, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL}
		if err := s.users.Create(ctx, user); err != nil {
			return res, fmt.Errorf("create user %s: %w", u.ID, err)
		}
		res.Users++
	}

	for _, d := range fx.Directs {
		conv, err := s.conversations.CreateDirect(ctx, d.Between[0], d.Between[1])
		if err != nil {
			return res, fmt.Errorf("direct %s/%s: %w", d.Between[0], d.Between[1], err)
		}
		res.Conversations++
		for _, m := range d.Messages {
			if err := s.sendText(ctx, conv.ID, m.From, m.Text); err != nil {
				return res, err
			}
			res.Messages++
		}
	}

	for _, g := range fx.Groups {
		conv, err := s.conversations.CreateGroup(ctx, service.CreateGroupInput{
			CreatorID: g.Creator,
			Title:     g.Title,
			MemberIDs: append(append([]string{}, g.Members...), g.Admins...),
		})
		if err != nil {
			return res, fmt.Errorf("group %q: %w", g.Title, err)
		}
		res.Conversations++
		for _, admin := range g.Admins {
			if err := s.conversations.SetRole(ctx, conv.ID, g.Creator, admin, models.RoleAdmin); err != nil {
				return res, fmt.Errorf("group %q admin %s: %w", g.Title, admin, err)
			}
		}
		for _, m := range g.Messages {
			if err := s.sendText(ctx, conv.ID, m.From, m.Text); err != nil {
				return res, err
			}
			res.Messages++
		}
	}
	return res, nil
}

// SeedRandom creates a generated cohort: users, course groups and direct
// conversations, each with a few messages.
func (s *Seeder) SeedRandom(ctx context.Context, opts Options) (*Result, error) {
	f := NewFactory(s.users, opts.Seed, opts.DryRun)
	res := &Result{}

	users := make([]*models.User, 0, opts.NumUsers)
	for i := 0; i < opts.NumUsers; i++ {
		u, err := f.CreateUser(ctx)
		if err != nil {
			return res, fmt.Errorf("create user: %w", err)
		}
		users = append(users, u)
	}
	res.Users = len(users)
	if opts.DryRun || len(users) < 2 {
		return res, nil
	}

	groupSize := opts.GroupSize
	if groupSize < 2 {
		groupSize = 5
	}

	for i := 0; i < opts.NumGroups; i++ {
		creator := users[i%len(users)]
		members := f.Pick(users, groupSize-1, creator.ID)
		ids := make([]string, len(members))
		for j, m := range members {
			ids[j] = m.ID
		}
		conv, err := s.conversations.CreateGroup(ctx, service.CreateGroupInput{
			CreatorID: creator.ID,
			Title:     f.GroupTitle(),
			MemberIDs: ids,
		})
		if err != nil {
			return res, fmt.Errorf("create group: %w", err)
		}
		res.Conversations++
		speakers := append(members, creator)
		n, err := s.chatter(ctx, f, conv.ID, speakers, opts.MessagesPerConversation)
		res.Messages += n
		if err != nil {
			return res, err
		}
	}

	for i := 0; i < opts.NumDirects; i++ {
		a := users[i%len(users)]
		b := f.Pick(users, 1, a.ID)[0]
		conv, err := s.conversations.CreateDirect(ctx, a.ID, b.ID)
		if err != nil {
			return res, fmt.Errorf("create direct: %w", err)
		}
		res.Conversations++
		n, err := s.chatter(ctx, f, conv.ID, []*models.User{a, b}, opts.MessagesPerConversation)
		res.Messages += n
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func (s *Seeder) chatter(ctx context.Context, f *Factory, conversationID string, speakers []*models.User, count int) (int, error) {
	for i := 0; i < count; i++ {
		from := speakers[i%len(speakers)]
		if err := s.sendText(ctx, conversationID, from.ID, f.MessageText()); err != nil {
			return i, err
		}
	}
	return count, nil
}

func (s *Seeder) sendText(ctx context.Context, conversationID, senderID, text string) error {
	content, err := json.Marshal(models.TextContent{Text: text})
	if err != nil {
		return err
	}
	_, err = s.messages.Send(ctx, service.SendMessageInput{
		ConversationID: conversationID,
		SenderID:       senderID,
		Kind:           models.KindText,
		Content:        content,
	})
	if err != nil {
		return fmt.Errorf("send message in %s: %w", conversationID, err)
	}
	return nil
}
