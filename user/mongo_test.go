package user

import (
	"context"
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestMongoDBStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("ensure indexes", func(mt *mtest.T) {
		store := NewMongoDBStore(mt.DB, "users")
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		if err := store.EnsureIndexes(ctx); err != nil {
			mt.Fatalf("EnsureIndexes failed: %v", err)
		}
		indexes := mt.GetStartedEvent().Command.Lookup("indexes").Array()
		if n, _ := indexes.Values(); len(n) != 2 {
			mt.Errorf("expected 2 indexes, got %d", len(n))
		}
	})

	mt.Run("create assigns an id", func(mt *mtest.T) {
		store := NewMongoDBStore(mt.DB, "users")
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		u := &User{Username: "ada"}
		if err := store.CreateUser(ctx, u); err != nil {
			mt.Fatalf("CreateUser failed: %v", err)
		}
		if u.ID == "" {
			mt.Error("expected an id to be assigned")
		}
		doc := mt.GetStartedEvent().Command.Lookup("documents").Array().Index(0).Value().Document()
		if got := doc.Lookup("id").StringValue(); got != u.ID {
			mt.Errorf("expected inserted id %s, got %s", u.ID, got)
		}
	})

	mt.Run("create duplicate", func(mt *mtest.T) {
		store := NewMongoDBStore(mt.DB, "users")
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "duplicate key"}))

		err := store.CreateUser(ctx, &User{Username: "ada"})
		if !errors.Is(err, ErrUsernameTaken) {
			mt.Errorf("expected ErrUsernameTaken, got %v", err)
		}
	})

	mt.Run("get by username", func(mt *mtest.T) {
		store := NewMongoDBStore(mt.DB, "users")
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.users", mtest.FirstBatch, bson.D{
			{Key: "id", Value: "u1"},
			{Key: "username", Value: "ada"},
			{Key: "firstName", Value: "Ada"},
			{Key: "links", Value: bson.A{bson.D{{Key: "title", Value: "Blog"}, {Key: "url", Value: "https://ada.test"}}}},
		}))

		u, err := store.GetUserByUsername(ctx, "ada")
		if err != nil {
			mt.Fatalf("GetUserByUsername failed: %v", err)
		}
		if u.ID != "u1" || u.FirstName != "Ada" || len(u.Links) != 1 || u.Links[0].Title != "Blog" {
			mt.Errorf("unexpected user: %+v", u)
		}
		filter := mt.GetStartedEvent().Command.Lookup("filter").Document()
		if got := filter.Lookup("username").StringValue(); got != "ada" {
			mt.Errorf("expected username filter, got %s", got)
		}
	})

	mt.Run("get missing", func(mt *mtest.T) {
		store := NewMongoDBStore(mt.DB, "users")
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.users", mtest.FirstBatch))

		_, err := store.GetUserByID(ctx, "u9")
		if !errors.Is(err, ErrUserNotFound) {
			mt.Errorf("expected ErrUserNotFound, got %v", err)
		}
	})

	mt.Run("update", func(mt *mtest.T) {
		store := NewMongoDBStore(mt.DB, "users")
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}))

		if err := store.UpdateUser(ctx, &User{ID: "u1", Bio: "hello"}); err != nil {
			mt.Fatalf("UpdateUser failed: %v", err)
		}
	})

	mt.Run("update missing", func(mt *mtest.T) {
		store := NewMongoDBStore(mt.DB, "users")
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}))

		err := store.UpdateUser(ctx, &User{ID: "u9"})
		if !errors.Is(err, ErrUserNotFound) {
			mt.Errorf("expected ErrUserNotFound, got %v", err)
		}
	})

	mt.Run("delete missing", func(mt *mtest.T) {
		store := NewMongoDBStore(mt.DB, "users")
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}))

		err := store.DeleteUser(ctx, "u9")
		if !errors.Is(err, ErrUserNotFound) {
			mt.Errorf("expected ErrUserNotFound, got %v", err)
		}
	})

	mt.Run("command error", func(mt *mtest.T) {
		store := NewMongoDBStore(mt.DB, "users")
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 2, Message: "bad"}))

		err := store.DeleteUser(ctx, "u1")
		if err == nil || errors.Is(err, ErrUserNotFound) {
			mt.Errorf("expected the driver error to surface, got %v", err)
		}
	})
}
