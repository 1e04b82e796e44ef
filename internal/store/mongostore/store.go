// Package mongostore executes query pipelines against MongoDB by
// translating the store-independent IR into aggregation documents.
package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bikenow/ridestats/internal/observability"
	"github.com/bikenow/ridestats/internal/pipeline"
	"github.com/bikenow/ridestats/internal/store"
)

type Store struct {
	db        *mongo.Database
	client    *mongo.Client
	opTimeout time.Duration
}

type Option func(*Store)

// WithOpTimeout bounds every aggregation call. Expiry surfaces as a
// store error on the server-failure path.
func WithOpTimeout(d time.Duration) Option {
	return func(s *Store) { s.opTimeout = d }
}

func Connect(ctx context.Context, uri, database string, opts ...Option) (*Store, error) {
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := cli.Ping(ctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	s := &Store{db: cli.Database(database), client: cli, opTimeout: 10 * time.Second}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Store) Aggregate(ctx context.Context, collection string, p pipeline.Pipeline) ([]store.Document, error) {
	mp, err := Translate(p)
	if err != nil {
		return nil, err
	}

	if s.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
	}

	start := time.Now()
	cur, err := s.db.Collection(collection).Aggregate(ctx, mp)
	if err != nil {
		observability.ObserveStoreOp(collection, err, time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: aggregate %s: %v", store.ErrStore, collection, err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var raw []bson.M
	if err := cur.All(ctx, &raw); err != nil {
		observability.ObserveStoreOp(collection, err, time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: read %s results: %v", store.ErrStore, collection, err)
	}
	observability.ObserveStoreOp(collection, nil, time.Since(start).Seconds())

	out := make([]store.Document, 0, len(raw))
	for _, m := range raw {
		out = append(out, store.Document(m))
	}
	return out, nil
}

// Ping reports connectivity for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo ping: %w", err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("mongo disconnect: %w", err)
	}
	return nil
}
