//go:build ignore

// clear_db empties the battle, queue and event collections of the configured
// Mongo database. Profiles are kept unless -profiles is given.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"pvp-battle/internal/config"
	"pvp-battle/internal/db"
)

func main() {
	profiles := flag.Bool("profiles", false, "also delete user profiles")
	flag.Parse()

	cfg, err := config.Load(config.GetEnv())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	mongodb, err := db.NewMongoDB(ctx, cfg.Storage.Mongo.URI, cfg.Storage.Mongo.Database, zap.NewNop())
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer mongodb.Close(context.Background())

	collections := map[string]*mongo.Collection{
		"battles":           mongodb.Battles(),
		"matchmaking_queue": mongodb.MatchmakingQueue(),
		"ws_events":         mongodb.WSEvents(),
		"cleanup_locks":     mongodb.CleanupLocks(),
	}
	if *profiles {
		collections["profiles"] = mongodb.Profiles()
	}

	for name, coll := range collections {
		res, err := coll.DeleteMany(ctx, bson.M{})
		if err != nil {
			log.Fatalf("Failed to clear %s: %v", name, err)
		}
		fmt.Printf("Deleted %d documents from %s\n", res.DeletedCount, name)
	}

	fmt.Println("Database cleared successfully")
}
