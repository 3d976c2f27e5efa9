package oserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Seann-Moser/oauthcore/webhook"
)

const (
	ClientsCollection       = "oauth_clients"
	ConsentsCollection      = "oauth_authorizations"
	CodesCollection         = "oauth_codes"
	RefreshTokensCollection = "oauth_refresh_tokens"
	EventsCollection        = "webhook_events"
)

var _ Store = (*MongoStore)(nil)

// MongoStore implements Store backed by MongoDB. Codes and refresh tokens are
// redeemed with single-document find-and-modify commands.
type MongoStore struct {
	db           *mongo.Database
	clientsColl  *mongo.Collection
	consentsColl *mongo.Collection
	codesColl    *mongo.Collection
	refreshColl  *mongo.Collection
	eventsColl   *mongo.Collection
}

// NewMongoStore creates a new MongoStore. Expects a connected mongo.Database.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		db:           db,
		clientsColl:  db.Collection(ClientsCollection),
		consentsColl: db.Collection(ConsentsCollection),
		codesColl:    db.Collection(CodesCollection),
		refreshColl:  db.Collection(RefreshTokensCollection),
		eventsColl:   db.Collection(EventsCollection),
	}
}

// EnsureIndexes creates the unique lookup indexes and the TTL indexes that
// reclaim expired codes and refresh tokens. eventRetention <= 0 keeps webhook
// events forever.
func (s *MongoStore) EnsureIndexes(ctx context.Context, eventRetention time.Duration) error {
	ttl := func(field string, after int32) mongo.IndexModel {
		return mongo.IndexModel{
			Keys:    bson.D{{Key: field, Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(after),
		}
	}
	unique := func(keys bson.D) mongo.IndexModel {
		return mongo.IndexModel{Keys: keys, Options: options.Index().SetUnique(true)}
	}

	indexes := map[*mongo.Collection][]mongo.IndexModel{
		s.clientsColl: {
			unique(bson.D{{Key: "clientId", Value: 1}}),
			{Keys: bson.D{{Key: "ownerId", Value: 1}, {Key: "createdAt", Value: -1}}},
		},
		s.consentsColl: {
			unique(bson.D{{Key: "userId", Value: 1}, {Key: "clientId", Value: 1}}),
		},
		s.codesColl: {
			unique(bson.D{{Key: "code", Value: 1}}),
			ttl("expiresAt", 0),
		},
		s.refreshColl: {
			unique(bson.D{{Key: "token", Value: 1}}),
			{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "clientId", Value: 1}}},
			ttl("expiresAt", 0),
		},
		s.eventsColl: {
			unique(bson.D{{Key: "id", Value: 1}}),
		},
	}
	if eventRetention > 0 {
		indexes[s.eventsColl] = append(indexes[s.eventsColl], ttl("createdAt", int32(eventRetention/time.Second)))
	}
	for coll, models := range indexes {
		if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll.Name(), err)
		}
	}
	return nil
}

func (s *MongoStore) CreateClient(ctx context.Context, c *Client) error {
	if c.Webhooks == nil {
		c.Webhooks = []webhook.Endpoint{}
	}
	_, err := s.clientsColl.InsertOne(ctx, c)
	return err
}

// GetClient retrieves a client by ID.
func (s *MongoStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	var c Client
	err := s.clientsColl.FindOne(ctx, bson.M{"clientId": clientID}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *MongoStore) ListClientsByOwner(ctx context.Context, ownerID string) ([]*Client, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	return findAll[Client](ctx, s.clientsColl, bson.M{"ownerId": ownerID}, opts)
}

func (s *MongoStore) ListClientsByIDs(ctx context.Context, clientIDs []string) ([]*Client, error) {
	if len(clientIDs) == 0 {
		return nil, nil
	}
	return findAll[Client](ctx, s.clientsColl, bson.M{"clientId": bson.M{"$in": clientIDs}})
}

func (s *MongoStore) AddWebhook(ctx context.Context, ownerID, clientID string, ep webhook.Endpoint) error {
	res, err := s.clientsColl.UpdateOne(ctx,
		bson.M{"clientId": clientID, "ownerId": ownerID},
		bson.M{
			"$push": bson.M{"webhooks": ep},
			"$set":  bson.M{"updatedAt": ep.CreatedAt},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return newError(ErrNotFound, "client not found")
	}
	return nil
}

func (s *MongoStore) UpdateWebhook(ctx context.Context, ownerID, clientID string, ep webhook.Endpoint) error {
	res, err := s.clientsColl.UpdateOne(ctx,
		bson.M{"clientId": clientID, "ownerId": ownerID, "webhooks.id": ep.ID},
		bson.M{"$set": bson.M{"webhooks.$": ep}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return newError(ErrNotFound, "webhook not found")
	}
	return nil
}

func (s *MongoStore) RemoveWebhook(ctx context.Context, ownerID, clientID, webhookID string) error {
	res, err := s.clientsColl.UpdateOne(ctx,
		bson.M{"clientId": clientID, "ownerId": ownerID, "webhooks.id": webhookID},
		bson.M{"$pull": bson.M{"webhooks": bson.M{"id": webhookID}}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return newError(ErrNotFound, "webhook not found")
	}
	return nil
}

func (s *MongoStore) GetConsent(ctx context.Context, userID, clientID string) (*Consent, error) {
	var c Consent
	err := s.consentsColl.FindOne(ctx, bson.M{"userId": userID, "clientId": clientID}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertConsent unions scopes into the record with $addToSet. Two concurrent
// first grants can race on the unique index; the loser retries once as an
// update.
func (s *MongoStore) UpsertConsent(ctx context.Context, userID, clientID string, scopes []string, now time.Time) (bool, error) {
	if scopes == nil {
		scopes = []string{}
	}
	filter := bson.M{"userId": userID, "clientId": clientID}
	update := bson.M{
		"$addToSet":    bson.M{"grantedScopes": bson.M{"$each": scopes}},
		"$set":         bson.M{"updatedAt": now},
		"$setOnInsert": bson.M{"createdAt": now},
	}
	opts := options.Update().SetUpsert(true)

	res, err := s.consentsColl.UpdateOne(ctx, filter, update, opts)
	if mongo.IsDuplicateKeyError(err) {
		res, err = s.consentsColl.UpdateOne(ctx, filter, update, opts)
	}
	if err != nil {
		return false, err
	}
	return res.UpsertedCount > 0, nil
}

func (s *MongoStore) DeleteConsent(ctx context.Context, userID, clientID string) (bool, error) {
	res, err := s.consentsColl.DeleteOne(ctx, bson.M{"userId": userID, "clientId": clientID})
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

func (s *MongoStore) ListConsentsByUser(ctx context.Context, userID string) ([]*Consent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "clientId", Value: 1}})
	return findAll[Consent](ctx, s.consentsColl, bson.M{"userId": userID}, opts)
}

func (s *MongoStore) InsertCode(ctx context.Context, code *AuthorizationCode) error {
	_, err := s.codesColl.InsertOne(ctx, code)
	return err
}

// ConsumeCode deletes and returns the code in one command, so a code can be
// redeemed at most once.
func (s *MongoStore) ConsumeCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	var ac AuthorizationCode
	err := s.codesColl.FindOneAndDelete(ctx, bson.M{"code": code}).Decode(&ac)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &ac, nil
}

func (s *MongoStore) InsertRefreshToken(ctx context.Context, rt *RefreshToken) error {
	_, err := s.refreshColl.InsertOne(ctx, rt)
	return err
}

// RevokeRefreshToken marks a live token revoked and returns it as it was
// before the update.
func (s *MongoStore) RevokeRefreshToken(ctx context.Context, token, clientID string, now time.Time) (*RefreshToken, error) {
	var rt RefreshToken
	err := s.refreshColl.FindOneAndUpdate(ctx,
		bson.M{"token": token, "clientId": clientID, "revokedAt": nil},
		bson.M{"$set": bson.M{"revokedAt": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&rt)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &rt, nil
}

func (s *MongoStore) RevokeRefreshTokens(ctx context.Context, userID, clientID string, now time.Time) (int64, error) {
	res, err := s.refreshColl.UpdateMany(ctx,
		bson.M{"userId": userID, "clientId": clientID, "revokedAt": nil},
		bson.M{"$set": bson.M{"revokedAt": now}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) InsertEvent(ctx context.Context, rec *webhook.Record) error {
	_, err := s.eventsColl.InsertOne(ctx, rec)
	return err
}

func (s *MongoStore) GetEvent(ctx context.Context, id string) (*webhook.Record, error) {
	var rec webhook.Record
	err := s.eventsColl.FindOne(ctx, bson.M{"id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &rec, nil
}

func findAll[T any](ctx context.Context, coll *mongo.Collection, filter any, opts ...*options.FindOptions) ([]*T, error) {
	cur, err := coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var list []*T
	for cur.Next(ctx) {
		var v T
		if err := cur.Decode(&v); err != nil {
			return nil, err
		}
		list = append(list, &v)
	}
	return list, cur.Err()
}
