package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"pvp-battle/internal/storage"
	"pvp-battle/internal/storage/storagetest"
)

// Set MONGO_TEST_URI to run against a real server; each subtest gets its own
// database, dropped afterwards.
func TestMongoStore(t *testing.T) {
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set")
	}
	storagetest.Run(t, func(t *testing.T) storage.Store {
		ctx := context.Background()
		name := "pvp_test_" + uuid.NewString()[:8]
		m, err := NewMongoDB(ctx, uri, name, zaptest.NewLogger(t))
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		m.EnsureIndexes(ctx)
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			m.Database.Drop(ctx)
			m.Close(ctx)
		})
		return NewStore(m)
	})
}
