package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements Store over a MongoDB collection.
//
// UpdateUser uses an optimistic compare-and-swap on the version field; a lost
// race re-reads and re-applies the mutation up to maxCASAttempts times.
type MongoStore struct {
	c   *mongo.Collection
	now func() time.Time
}

const maxCASAttempts = 5

var errCASExhausted = errors.New("concurrent update retries exhausted")

// MongoOption configures a MongoStore.
type MongoOption func(*mongoSettings)

type mongoSettings struct {
	collection string
	now        func() time.Time
}

// WithCollection sets the collection name (default "users").
func WithCollection(name string) MongoOption {
	return func(s *mongoSettings) {
		if name = strings.TrimSpace(name); name != "" {
			s.collection = name
		}
	}
}

// WithMongoClock overrides the clock used for UpdatedAt.
func WithMongoClock(now func() time.Time) MongoOption {
	return func(s *mongoSettings) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMongoStore binds the store to db. Call EnsureIndexes once at startup.
func NewMongoStore(db *mongo.Database, opts ...MongoOption) (*MongoStore, error) {
	if db == nil {
		return nil, fmt.Errorf("identity: nil database")
	}
	cfg := mongoSettings{collection: "users", now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &MongoStore{c: db.Collection(cfg.collection), now: cfg.now}, nil
}

// EnsureIndexes creates the unique email index and the reset-token lookup index.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	const op = "identity.EnsureIndexes"

	_, err := s.c.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email_norm", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uq_users_email_norm"),
		},
		{
			Keys: bson.D{{Key: "reset_token", Value: 1}},
			Options: options.Index().
				SetName("idx_users_reset_token").
				SetPartialFilterExpression(bson.M{"reset_token": bson.M{"$gt": ""}}),
		},
	})
	if err != nil {
		return mongoClassify(op, err)
	}
	return nil
}

type mongoUser struct {
	ID             string     `bson:"_id"`
	Name           string     `bson:"name"`
	Email          string     `bson:"email"`
	EmailNorm      string     `bson:"email_norm"`
	OrgEmail       string     `bson:"org_email"`
	OrgEmailDomain string     `bson:"org_email_domain"`
	Role           string     `bson:"role"`
	Status         string     `bson:"status"`
	Salt           string     `bson:"salt"`
	Secret         string     `bson:"secret"`
	ResetToken     string     `bson:"reset_token"`
	ResetExpiresAt *time.Time `bson:"reset_expires_at,omitempty"`
	CreatedAt      time.Time  `bson:"created_at"`
	UpdatedAt      time.Time  `bson:"updated_at"`
	Version        int64      `bson:"version"`
}

func toMongoUser(u User) mongoUser {
	return mongoUser{
		ID:             u.ID,
		Name:           u.Name,
		Email:          u.Email,
		EmailNorm:      u.EmailNorm,
		OrgEmail:       u.OrgEmail,
		OrgEmailDomain: u.OrgEmailDomain,
		Role:           string(u.Role),
		Status:         string(u.Status),
		Salt:           u.Salt,
		Secret:         u.Secret,
		ResetToken:     u.ResetToken,
		ResetExpiresAt: u.ResetExpiresAt,
		CreatedAt:      u.CreatedAt,
		UpdatedAt:      u.UpdatedAt,
		Version:        u.Version,
	}
}

func (d mongoUser) user() User {
	u := User{
		ID:             d.ID,
		Name:           d.Name,
		Email:          d.Email,
		EmailNorm:      d.EmailNorm,
		OrgEmail:       d.OrgEmail,
		OrgEmailDomain: d.OrgEmailDomain,
		Role:           ParseRole(d.Role),
		Status:         Status(d.Status),
		Salt:           d.Salt,
		Secret:         d.Secret,
		ResetToken:     d.ResetToken,
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
		Version:        d.Version,
	}
	if !u.Status.Valid() {
		u.Status = StatusDisabled
	}
	if d.ResetExpiresAt != nil {
		t := d.ResetExpiresAt.UTC()
		u.ResetExpiresAt = &t
	}
	return u
}

func (s *MongoStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	if in.Now.IsZero() {
		in.Now = s.now()
	}
	u, err := newUser(op, in)
	if err != nil {
		return User{}, err
	}

	if _, err := s.c.InsertOne(ctx, toMongoUser(u)); err != nil {
		return User{}, mongoClassify(op, err)
	}
	return u, nil
}

func (s *MongoStore) GetUserByID(ctx context.Context, id string) (User, error) {
	const op = "identity.GetUserByID"
	return s.findOne(ctx, op, bson.M{"_id": strings.TrimSpace(id)})
}

func (s *MongoStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	const op = "identity.GetUserByEmail"
	return s.findOne(ctx, op, bson.M{"email_norm": NormalizeEmail(email)})
}

func (s *MongoStore) GetUserByResetToken(ctx context.Context, tokenHash string) (User, error) {
	const op = "identity.GetUserByResetToken"

	tokenHash = strings.TrimSpace(tokenHash)
	if tokenHash == "" {
		return User{}, invalid(op, "empty token")
	}
	return s.findOne(ctx, op, bson.M{"reset_token": tokenHash})
}

func (s *MongoStore) findOne(ctx context.Context, op string, filter bson.M) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	var doc mongoUser
	if err := s.c.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return User{}, NotFoundError{Op: op, Resource: "user"}
		}
		return User{}, mongoClassify(op, err)
	}
	return doc.user(), nil
}

func (s *MongoStore) UpdateUser(ctx context.Context, id string, mutate MutateFunc) (User, error) {
	const op = "identity.UpdateUser"

	id = strings.TrimSpace(id)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		prev, err := s.findOne(ctx, op, bson.M{"_id": id})
		if err != nil {
			return User{}, err
		}

		next, err := applyMutation(op, prev, mutate, s.now())
		if err != nil {
			return User{}, err
		}

		res, err := s.c.ReplaceOne(ctx,
			bson.M{"_id": id, "version": prev.Version},
			toMongoUser(next),
		)
		if err != nil {
			return User{}, mongoClassify(op, err)
		}
		if res.MatchedCount == 1 {
			return next, nil
		}
	}
	return User{}, transient(op, errCASExhausted)
}

// Ping checks connectivity against the primary.
func (s *MongoStore) Ping(ctx context.Context) error {
	const op = "identity.Ping"
	if err := s.c.Database().Client().Ping(ctx, nil); err != nil {
		return mongoClassify(op, err)
	}
	return nil
}

func mongoClassify(op string, err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		field := "unique"
		if strings.Contains(err.Error(), "email_norm") {
			field = "email"
		}
		return ConflictError{Op: op, Field: field}
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) || isTransientCause(err) {
		return transient(op, err)
	}
	return err
}
