package user

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrUsernameTaken = errors.New("user with this username already exists")
)

// Store persists profile documents.
type Store interface {
	GetUserByID(ctx context.Context, userID string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	CreateUser(ctx context.Context, user *User) error
	UpdateUser(ctx context.Context, user *User) error
	DeleteUser(ctx context.Context, userID string) error
}

var _ Store = (*MongoDBStore)(nil)

// MongoDBStore implements Store on a single users collection.
type MongoDBStore struct {
	usersCollection *mongo.Collection
}

func NewMongoDBStore(db *mongo.Database, usersCollectionName string) *MongoDBStore {
	return &MongoDBStore{usersCollection: db.Collection(usersCollectionName)}
}

// EnsureIndexes creates the unique id and username indexes.
func (m *MongoDBStore) EnsureIndexes(ctx context.Context) error {
	_, err := m.usersCollection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return fmt.Errorf("create indexes on %s: %w", m.usersCollection.Name(), err)
	}
	return nil
}

func (m *MongoDBStore) findOne(ctx context.Context, filter bson.M) (*User, error) {
	var user User
	err := m.usersCollection.FindOne(ctx, filter).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func (m *MongoDBStore) GetUserByID(ctx context.Context, userID string) (*User, error) {
	return m.findOne(ctx, bson.M{"id": userID})
}

func (m *MongoDBStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return m.findOne(ctx, bson.M{"username": username})
}

// CreateUser assigns an id when the user has none.
func (m *MongoDBStore) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	_, err := m.usersCollection.InsertOne(ctx, user)
	if mongo.IsDuplicateKeyError(err) {
		return ErrUsernameTaken
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (m *MongoDBStore) UpdateUser(ctx context.Context, user *User) error {
	res, err := m.usersCollection.ReplaceOne(ctx, bson.M{"id": user.ID}, user)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (m *MongoDBStore) DeleteUser(ctx context.Context, userID string) error {
	res, err := m.usersCollection.DeleteOne(ctx, bson.M{"id": userID})
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a process-local Store for tests and single-node setups.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: map[string]*User{}}
}

func cloneUser(u *User) *User {
	out := *u
	out.Interests = slices.Clone(u.Interests)
	out.Links = slices.Clone(u.Links)
	return &out
}

func (m *MemoryStore) GetUserByID(_ context.Context, userID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (m *MemoryStore) GetUserByUsername(_ context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == username {
			return cloneUser(u), nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *MemoryStore) CreateUser(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	for _, u := range m.users {
		if u.ID == user.ID || u.Username == user.Username {
			return ErrUsernameTaken
		}
	}
	m.users[user.ID] = cloneUser(user)
	return nil
}

func (m *MemoryStore) UpdateUser(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.ID]; !ok {
		return ErrUserNotFound
	}
	m.users[user.ID] = cloneUser(user)
	return nil
}

func (m *MemoryStore) DeleteUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return ErrUserNotFound
	}
	delete(m.users, userID)
	return nil
}
