package oclient

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var _ TokenStore = &MongoTokenStore{}

// MongoTokenStore is a MongoDB-backed TokenStore keyed by application and user.
type MongoTokenStore struct {
	clientID string
	tokens   *mongo.Collection
}

// NewMongoTokenStore stores pairs for clientID in the "oauth_tokens" collection.
func NewMongoTokenStore(db *mongo.Database, clientID string) *MongoTokenStore {
	return &MongoTokenStore{
		clientID: clientID,
		tokens:   db.Collection("oauth_tokens"),
	}
}

func (s *MongoTokenStore) filter(userID string) bson.M {
	return bson.M{"client_id": s.clientID, "user_id": userID}
}

// StoreTokens upserts a user's token pair.
func (s *MongoTokenStore) StoreTokens(ctx context.Context, userID string, t TokenPair) error {
	upd := bson.M{"$set": bson.M{
		"access_token":  t.AccessToken,
		"refresh_token": t.RefreshToken,
		"scope":         t.Scope,
		"expires_at":    t.ExpiresAt,
		"issued_at":     t.IssuedAt,
	}}
	_, err := s.tokens.UpdateOne(ctx, s.filter(userID), upd, options.Update().SetUpsert(true))
	return err
}

// GetTokens retrieves stored tokens.
func (s *MongoTokenStore) GetTokens(ctx context.Context, userID string) (TokenPair, error) {
	var t TokenPair
	err := s.tokens.FindOne(ctx, s.filter(userID)).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return TokenPair{}, ErrTokensNotFound
	}
	return t, err
}

// DeleteTokens removes stored tokens, e.g. after the user revokes access.
func (s *MongoTokenStore) DeleteTokens(ctx context.Context, userID string) error {
	_, err := s.tokens.DeleteOne(ctx, s.filter(userID))
	return err
}
