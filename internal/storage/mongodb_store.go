package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/CedrosPay/x402-demo/pkg/x402"
)

// MongoDBStore implements Store using MongoDB.
type MongoDBStore struct {
	client *mongo.Client
	nonces *mongo.Collection
}

// mongoChallengeNonce is the document shape of a ChallengeNonce.
type mongoChallengeNonce struct {
	ID          string                  `bson:"_id"`
	Resource    string                  `bson:"resource"`
	Requirement x402.PaymentRequirement `bson:"requirement"`
	CreatedAt   time.Time               `bson:"created_at"`
	ExpiresAt   time.Time               `bson:"expires_at"`
	ConsumedAt  *time.Time              `bson:"consumed_at"`
}

// NewMongoDBStore creates a new MongoDB-backed store.
func NewMongoDBStore(connectionString, database, collection string) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	store := &MongoDBStore{
		client: client,
		nonces: client.Database(database).Collection(tableOrDefault(collection)),
	}

	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return store, nil
}

// createIndexes creates the expiry index used by sweeps.
// _id is automatically unique in MongoDB.
func (s *MongoDBStore) createIndexes(ctx context.Context) error {
	_, err := s.nonces.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "expires_at", Value: 1}}},
		{Keys: bson.D{{Key: "resource", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create nonce indexes: %w", err)
	}
	return nil
}

// CreateNonce stores a new challenge nonce.
func (s *MongoDBStore) CreateNonce(ctx context.Context, nonce ChallengeNonce) error {
	if err := validateChallengeNonce(&nonce); err != nil {
		return err
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.nonces.InsertOne(ctx, mongoChallengeNonce{
		ID:          nonce.ID,
		Resource:    nonce.Resource,
		Requirement: nonce.Requirement,
		CreatedAt:   nonce.CreatedAt,
		ExpiresAt:   nonce.ExpiresAt,
		ConsumedAt:  nonce.ConsumedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrNonceExists
	}
	return err
}

// GetNonce retrieves a nonce by id.
func (s *MongoDBStore) GetNonce(ctx context.Context, id string) (ChallengeNonce, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var doc mongoChallengeNonce
	err := s.nonces.FindOne(ctx, bson.M{"_id": normalizeNonceID(id)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ChallengeNonce{}, ErrNonceNotFound
	}
	if err != nil {
		return ChallengeNonce{}, fmt.Errorf("get nonce: %w", err)
	}
	return ChallengeNonce{
		ID:          doc.ID,
		Resource:    doc.Resource,
		Requirement: doc.Requirement,
		CreatedAt:   doc.CreatedAt,
		ExpiresAt:   doc.ExpiresAt,
		ConsumedAt:  doc.ConsumedAt,
	}, nil
}

// ConsumeNonce marks a nonce as consumed with a single conditional update.
func (s *MongoDBStore) ConsumeNonce(ctx context.Context, id string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	id = normalizeNonceID(id)
	now := time.Now()
	filter := bson.M{
		"_id":         id,
		"consumed_at": nil,
		"expires_at":  bson.M{"$gt": now},
	}
	update := bson.M{"$set": bson.M{"consumed_at": now}}

	result, err := s.nonces.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("consume nonce: %w", err)
	}
	if result.MatchedCount == 1 {
		return nil
	}

	var doc mongoChallengeNonce
	err = s.nonces.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNonceNotFound
	case err != nil:
		return fmt.Errorf("check nonce status: %w", err)
	case doc.ConsumedAt != nil:
		return ErrNonceConsumed
	case !now.Before(doc.ExpiresAt):
		return ErrNonceExpired
	}
	return fmt.Errorf("failed to consume nonce: %s", id)
}

// CleanupExpiredNonces deletes nonces that expired before the cutoff.
func (s *MongoDBStore) CleanupExpiredNonces(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	result, err := s.nonces.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, fmt.Errorf("cleanup expired nonces: %w", err)
	}
	return result.DeletedCount, nil
}

// Ping checks the primary is reachable.
func (s *MongoDBStore) Ping(ctx context.Context) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.client.Disconnect(ctx)
}
