package identity

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Integration tests are opt-in and require ACCOUNTS_MONGO_URI.

func TestMongoStore_CreateUser_ConflictEmail_CaseInsensitive(t *testing.T) {
	t.Parallel()

	s := mustNewMongoStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := s.CreateUser(ctx, CreateUserInput{Name: "Alice", Email: "User@Example.com"}); err != nil {
		t.Fatalf("create user 1: %v", err)
	}
	_, err := s.CreateUser(ctx, CreateUserInput{Name: "Bob", Email: "user@example.COM"})
	var ce ConflictError
	if !errors.As(err, &ce) || ce.Field != "email" {
		t.Fatalf("expected email conflict, got: %v", err)
	}
}

func TestMongoStore_UpdateUser_CASKeepsEveryWrite(t *testing.T) {
	t.Parallel()

	s := mustNewMongoStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	u, err := s.CreateUser(ctx, CreateUserInput{Name: "Alice", Email: "alice@example.com"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const writers = 4
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			_, err := s.UpdateUser(ctx, u.ID, func(u *User) error {
				u.Name = "Alice " + u.ID[:4]
				return nil
			})
			if err != nil && !IsTransient(err) {
				t.Errorf("update: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	got, err := s.GetUserByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != int64(1+success) {
		t.Fatalf("version = %d, want %d", got.Version, 1+success)
	}
}

func TestMongoStore_GetUser_NotFound(t *testing.T) {
	t.Parallel()

	s := mustNewMongoStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := s.GetUserByID(ctx, mustNewULIDLike(t)); !IsNotFound(err) {
		t.Fatalf("expected not found, got: %v", err)
	}
}

func mustNewMongoStore(t *testing.T) *MongoStore {
	t.Helper()

	uri := strings.TrimSpace(os.Getenv("ACCOUNTS_MONGO_URI"))
	if uri == "" {
		t.Skip("integration test skipped: ACCOUNTS_MONGO_URI is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetServerSelectionTimeout(3*time.Second))
	if err != nil {
		t.Fatalf("connect mongo: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Mongo unreachable (ACCOUNTS_MONGO_URI set): %v", err)
		}
		t.Fatalf("ping mongo: %v", err)
	}

	db := client.Database("accounts_it_" + strings.ToLower(mustNewULIDLike(t)))
	t.Cleanup(func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer ccancel()
		_ = db.Drop(cctx)
		_ = client.Disconnect(cctx)
	})

	s, err := NewMongoStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.EnsureIndexes(ctx); err != nil {
		t.Fatalf("ensure indexes: %v", err)
	}
	return s
}
