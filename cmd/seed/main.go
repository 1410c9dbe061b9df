// Command main runs the database seeder for Lectern.
package main

import (
	"context"
	"flag"
	"log"

	"lectern/internal/config"
	"lectern/internal/database"
	"lectern/internal/seed"
)

func main() {
	numUsers := flag.Int("users", 40, "Number of users to create")
	numGroups := flag.Int("groups", 8, "Number of course groups to create")
	numDirects := flag.Int("directs", 20, "Number of direct conversations to open")
	groupSize := flag.Int("group-size", 6, "Members per group, creator included")
	perConv := flag.Int("messages", 15, "Messages per conversation")
	randSeed := flag.Int64("seed", 1, "Random seed for generated data")
	fixtures := flag.String("fixtures", "", "Seed from a YAML fixtures file instead of generated data")
	shouldClean := flag.Bool("clean", true, "Clean database before seeding")
	dryRun := flag.Bool("dry-run", false, "Generate users without writing anything")
	flag.Parse()

	log.Println("🌱 Database Seeder")
	log.Println("==================")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	ctx := context.Background()
	s := seed.NewSeeder(db)

	if *shouldClean && !*dryRun {
		if err := s.ClearAll(ctx); err != nil {
			log.Fatalf("❌ Cleanup failed: %v", err)
		}
	}

	var res *seed.Result
	if *fixtures != "" {
		log.Printf("Applying fixtures: %s", *fixtures)
		fx, ferr := seed.LoadFixtures(*fixtures)
		if ferr != nil {
			log.Fatalf("❌ %v", ferr)
		}
		res, err = s.ApplyFixtures(ctx, fx)
	} else {
		log.Printf("Target: %d users, %d groups, %d directs, clean=%v", *numUsers, *numGroups, *numDirects, *shouldClean)
		res, err = s.SeedRandom(ctx, seed.Options{
			NumUsers:                *numUsers,
			NumGroups:               *numGroups,
			NumDirects:              *numDirects,
			GroupSize:               *groupSize,
			MessagesPerConversation: *perConv,
			Seed:                    *randSeed,
			DryRun:                  *dryRun,
		})
	}
	if err != nil {
		log.Fatalf("❌ Seeding failed: %v", err)
	}

	log.Printf("✨ All done! %d users, %d conversations, %d messages", res.Users, res.Conversations, res.Messages)
}
