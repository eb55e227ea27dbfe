package mongostore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"relaybot/internal/storage"
	"relaybot/internal/storage/storagetest"
	"relaybot/pkg/logx"
)

// Set RELAYBOT_TEST_MONGO_URI (e.g. mongodb://localhost:27017) to run these.
func TestMongoStore(t *testing.T) {
	uri := os.Getenv("RELAYBOT_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("RELAYBOT_TEST_MONGO_URI not set")
	}
	n := 0
	storagetest.Run(t, func(t *testing.T) storage.Store {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		n++
		db := client.Database(fmt.Sprintf("relaybot_test_%d_%d", time.Now().UnixNano(), n))
		t.Cleanup(func() { _ = db.Drop(context.Background()) })
		st := New(client, db, storage.Config{}, logx.Nop())
		if err := st.ensureIndexes(ctx); err != nil {
			t.Fatalf("indexes: %v", err)
		}
		return st
	}, storagetest.Options{})
}

func TestOpenRequiresURI(t *testing.T) {
	if _, err := Open(context.Background(), storage.Config{}, logx.Nop()); err == nil {
		t.Fatalf("expected error without uri")
	}
}
