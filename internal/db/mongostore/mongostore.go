// Package mongostore persists users, orders and trades as MongoDB documents.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/xtrntr/p2pdesk/internal/db"
)

const (
	usersCollection          = "users"
	ordersCollection         = "orders"
	tradesCollection         = "trades"
	paymentMethodsCollection = "paymentmethods"
)

// Store is the MongoDB backend
type Store struct {
	client         *mongo.Client
	users          *mongo.Collection
	orders         *mongo.Collection
	trades         *mongo.Collection
	paymentMethods *mongo.Collection
}

// Connect dials uri and checks the server is reachable
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	return New(client, database), nil
}

// New wraps an existing client
func New(client *mongo.Client, database string) *Store {
	d := client.Database(database)
	return &Store{
		client:         client,
		users:          d.Collection(usersCollection),
		orders:         d.Collection(ordersCollection),
		trades:         d.Collection(tradesCollection),
		paymentMethods: d.Collection(paymentMethodsCollection),
	}
}

// Close disconnects the client
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates the unique and query indexes the store relies on
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := map[*mongo.Collection][]mongo.IndexModel{
		s.users: {
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		s.orders: {
			{Keys: bson.D{
				{Key: "cryptocurrency", Value: 1},
				{Key: "fiatCurrency", Value: 1},
				{Key: "type", Value: 1},
				{Key: "status", Value: 1},
			}},
			{Keys: bson.D{{Key: "user", Value: 1}, {Key: "status", Value: 1}}},
		},
		s.trades: {
			{Keys: bson.D{{Key: "buyer", Value: 1}, {Key: "createdAt", Value: -1}}},
			{Keys: bson.D{{Key: "seller", Value: 1}, {Key: "createdAt", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expiresAt", Value: 1}}},
		},
		s.paymentMethods: {
			{Keys: bson.D{{Key: "user", Value: 1}}},
		},
	}
	for coll, idx := range indexes {
		if _, err := coll.Indexes().CreateMany(ctx, idx); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", coll.Name(), err)
		}
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return db.ErrNotFound
	}
	return err
}

// exists distinguishes a missing document from a failed conditional update
func exists(ctx context.Context, coll *mongo.Collection, id string) (bool, error) {
	n, err := coll.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to check %s existence: %w", coll.Name(), err)
	}
	return n > 0, nil
}

func pageOptions(page, limit int) *options.FindOptions {
	return options.Find().SetSkip(int64((page - 1) * limit)).SetLimit(int64(limit))
}
