package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"postboard/backend/internal/user/domain"
)

type userDocument struct {
	ID            string    `bson:"_id"`
	Username      string    `bson:"username"`
	Email         string    `bson:"email"`
	Avatar        string    `bson:"avatar"`
	PasswordHash  string    `bson:"passwordHash"`
	RefreshTokens []string  `bson:"refreshTokens"`
	CreatedAt     time.Time `bson:"createdAt"`
	UpdatedAt     time.Time `bson:"updatedAt"`
}

func (d *userDocument) toDomain() *domain.User {
	tokens := d.RefreshTokens
	if tokens == nil {
		tokens = []string{}
	}
	return &domain.User{
		ID:            d.ID,
		Username:      d.Username,
		Email:         d.Email,
		Avatar:        d.Avatar,
		PasswordHash:  d.PasswordHash,
		RefreshTokens: tokens,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

// MongoRepository stores one document per user in the users collection.
// A unique index on username enforces name uniqueness; CAS filters the update
// on the exact expected refreshTokens array.
type MongoRepository struct {
	client     *mongo.Client
	collection *mongo.Collection
	now        func() time.Time
}

// ConnectMongo connects to uri, pings the server and ensures the username index.
// database names the database holding the users collection.
func ConnectMongo(ctx context.Context, uri, database string) (*MongoRepository, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	repo := NewMongoRepository(client, client.Database(database))
	if err := repo.EnsureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return repo, nil
}

// NewMongoRepository returns a repository on db's users collection. client may be nil if the caller owns the connection.
func NewMongoRepository(client *mongo.Client, db *mongo.Database) *MongoRepository {
	return &MongoRepository{client: client, collection: db.Collection("users"), now: time.Now}
}

// EnsureIndexes creates the unique username index if it does not exist.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("users_username_unique"),
	})
	return err
}

func (r *MongoRepository) findOne(ctx context.Context, filter bson.M) (*domain.User, error) {
	var doc userDocument
	err := r.collection.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo error: %w", err)
	}
	return doc.toDomain(), nil
}

func (r *MongoRepository) FindByUsername(ctx context.Context, username string) (*domain.User, error) {
	return r.findOne(ctx, bson.M{"username": username})
}

func (r *MongoRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *MongoRepository) Create(ctx context.Context, u *domain.User) (*domain.User, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	now := r.now().UTC().Truncate(time.Millisecond)
	doc := userDocument{
		ID:            uuid.NewString(),
		Username:      u.Username,
		Email:         u.Email,
		Avatar:        u.Avatar,
		PasswordHash:  u.PasswordHash,
		RefreshTokens: []string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := r.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, domain.ErrUsernameTaken
		}
		return nil, fmt.Errorf("mongo error: %w", err)
	}
	return doc.toDomain(), nil
}

func (r *MongoRepository) UpdateProfile(ctx context.Context, id string, upd domain.ProfileUpdate) (*domain.User, error) {
	set := bson.M{"updatedAt": r.now().UTC().Truncate(time.Millisecond)}
	if upd.Username != nil {
		set["username"] = *upd.Username
	}
	if upd.Avatar != nil {
		set["avatar"] = *upd.Avatar
	}
	var doc userDocument
	err := r.collection.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return nil, domain.ErrUserNotFound
	case mongo.IsDuplicateKeyError(err):
		return nil, domain.ErrUsernameTaken
	case err != nil:
		return nil, fmt.Errorf("mongo error: %w", err)
	}
	return doc.toDomain(), nil
}

// CompareAndSetRefreshTokens matches the whole array, so element order and
// length must equal expected for the update to apply.
func (r *MongoRepository) CompareAndSetRefreshTokens(ctx context.Context, id string, expected, next []string) error {
	res, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "refreshTokens": nonNil(expected)},
		bson.M{"$set": bson.M{"refreshTokens": nonNil(next)}},
	)
	if err != nil {
		return fmt.Errorf("mongo error: %w", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	n, err := r.collection.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("mongo error: %w", err)
	}
	if n == 0 {
		return domain.ErrUserNotFound
	}
	return domain.ErrTokensChanged
}

func (r *MongoRepository) Delete(ctx context.Context, id string) error {
	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongo error: %w", err)
	}
	if res.DeletedCount == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (r *MongoRepository) Ping(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	return r.client.Ping(ctx, nil)
}

func (r *MongoRepository) Close() error {
	if r.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.client.Disconnect(ctx)
}
