package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/m2tx/voice_agent/internal/model"
)

// MongoProfileRepository implements ProfileRepository using MongoDB.
type MongoProfileRepository struct {
	collection *mongo.Collection
	now        func() time.Time
}

// NewMongoProfileRepository creates a new MongoProfileRepository.
// collectionName defaults to "profiles" if empty.
func NewMongoProfileRepository(db *mongo.Database, collectionName string) *MongoProfileRepository {
	if collectionName == "" {
		collectionName = "profiles"
	}
	return &MongoProfileRepository{
		collection: db.Collection(collectionName),
		now:        time.Now,
	}
}

func (r *MongoProfileRepository) Save(ctx context.Context, profile *model.Profile) error {
	if profile == nil || profile.ID == "" {
		return errors.New("repository: profile id cannot be empty")
	}
	if profile.UpdatedAt.IsZero() {
		profile.UpdatedAt = r.now().UTC()
	}

	filter := bson.M{"_id": profile.ID}
	update := bson.M{"$set": profile}
	opts := options.Update().SetUpsert(true)

	_, err := r.collection.UpdateOne(ctx, filter, update, opts)
	if err != nil {
		return fmt.Errorf("repository: upsert profile %q: %w", profile.ID, err)
	}

	return nil
}

func (r *MongoProfileRepository) Latest(ctx context.Context) (*model.Profile, error) {
	return r.findOne(ctx, bson.M{}, "latest")
}

func (r *MongoProfileRepository) FindByCaller(ctx context.Context, caller string) (*model.Profile, error) {
	return r.findOne(ctx, bson.M{"caller": caller}, caller)
}

func (r *MongoProfileRepository) findOne(ctx context.Context, filter bson.M, label string) (*model.Profile, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "updated_at", Value: -1}})

	var profile model.Profile
	err := r.collection.FindOne(ctx, filter, opts).Decode(&profile)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: find profile %q: %w", label, err)
	}

	return &profile, nil
}

// MongoActionRepository implements ActionRepository using MongoDB.
type MongoActionRepository struct {
	collection *mongo.Collection
}

// NewMongoActionRepository creates a new MongoActionRepository.
// collectionName defaults to "actions" if empty.
func NewMongoActionRepository(db *mongo.Database, collectionName string) *MongoActionRepository {
	if collectionName == "" {
		collectionName = "actions"
	}
	return &MongoActionRepository{
		collection: db.Collection(collectionName),
	}
}

func (r *MongoActionRepository) RecordAction(ctx context.Context, record model.ActionRecord) error {
	_, err := r.collection.InsertOne(ctx, record)
	if err != nil {
		return fmt.Errorf("repository: insert action %q of session %q: %w", record.Name, record.SessionID, err)
	}

	return nil
}

func (r *MongoActionRepository) ListBySession(ctx context.Context, sessionID string) ([]model.ActionRecord, error) {
	filter := bson.M{"session_id": sessionID}
	opts := options.Find().SetSort(bson.D{{Key: "at", Value: 1}})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("repository: find actions of session %q: %w", sessionID, err)
	}

	records := []model.ActionRecord{}
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("repository: decode actions of session %q: %w", sessionID, err)
	}

	return records, nil
}
