// Package mongo implements the shared document store on MongoDB. Document
// changes are observed through change streams, which require a replica set.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/rcourtman/pulse-entitlements/internal/docstore"
	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

// Collection name constants.
const (
	colDocuments     = "entitlement_documents"
	colWebhookEvents = "entitlement_webhook_events"
)

const watchBuffer = 16

// clearedFields are removed from the shared document by Clear. Put also
// removes the ones a newer state no longer carries.
var clearedFields = []string{
	"tier", "status", "expiration_date", "purchase_date", "product_id", "transaction_id",
	"trial_expiration_date", "cancellation_date", "grace_period_end_date",
}

var _ docstore.Store = (*Store)(nil)

// Store implements docstore.Store on a MongoDB database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Open connects to uri and uses the named database.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("docstore/mongo: connect: %w", err)
	}
	s := &Store{client: client, db: client.Database(database)}
	if err := s.Ping(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// Migrate creates the indexes used by webhook event queries.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Collection(colWebhookEvents).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "occurred_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("docstore/mongo: migrate %s indexes: %w", colWebhookEvents, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("docstore/mongo: ping: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) Get(ctx context.Context, accountID string) (docstore.Document, error) {
	var doc docstore.Document
	err := s.db.Collection(colDocuments).FindOne(ctx, bson.M{"_id": accountID}).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return docstore.Document{}, docstore.ErrNotFound
		}
		return docstore.Document{}, fmt.Errorf("docstore/mongo: get document: %w", err)
	}
	return doc, nil
}

func (s *Store) Put(ctx context.Context, doc docstore.Document) error {
	set, err := setFields(doc)
	if err != nil {
		return fmt.Errorf("docstore/mongo: put document: %w", err)
	}
	update := bson.M{"$set": set}
	if absent := absentFields(set); len(absent) > 0 {
		update["$unset"] = absent
	}
	_, err = s.db.Collection(colDocuments).UpdateOne(ctx,
		bson.M{"_id": doc.AccountID},
		update,
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("docstore/mongo: put document: %w", err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context, accountID string) error {
	_, err := s.db.Collection(colDocuments).UpdateOne(ctx,
		bson.M{"_id": accountID},
		bson.M{"$unset": unsetFields()})
	if err != nil {
		return fmt.Errorf("docstore/mongo: clear document: %w", err)
	}
	return nil
}

func (s *Store) Watch(ctx context.Context, accountID string) (<-chan docstore.Document, error) {
	stream, err := s.db.Collection(colDocuments).Watch(ctx, documentPipeline(accountID),
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("docstore/mongo: watch document: %w", err)
	}

	out := make(chan docstore.Document, watchBuffer)
	go func() {
		defer close(out)
		defer stream.Close(context.Background())
		for stream.Next(ctx) {
			var ev struct {
				FullDocument *docstore.Document `bson:"fullDocument"`
			}
			if err := stream.Decode(&ev); err != nil {
				log.Warn().Err(err).Msg("Failed to decode shared document change")
				continue
			}
			if ev.FullDocument == nil {
				continue
			}
			select {
			case out <- *ev.FullDocument:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("account", accountID).Msg("Shared document change stream ended")
		}
	}()
	return out, nil
}

// webhookEventModel is a stored billing event.
type webhookEventModel struct {
	ID         string                   `bson:"_id"`
	AccountID  string                   `bson:"account_id"`
	OccurredAt time.Time                `bson:"occurred_at"`
	Event      entitlement.WebhookEvent `bson:"event"`
}

func (s *Store) AppendWebhookEvent(ctx context.Context, accountID string, ev entitlement.WebhookEvent) error {
	_, err := s.db.Collection(colWebhookEvents).InsertOne(ctx, webhookEventModel{
		ID:         ev.ID,
		AccountID:  accountID,
		OccurredAt: ev.OccurredAt,
		Event:      ev,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("docstore/mongo: append webhook event: %w", err)
	}
	return nil
}

func (s *Store) WatchWebhookEvents(ctx context.Context, accountID string) (<-chan entitlement.WebhookEvent, error) {
	stream, err := s.db.Collection(colWebhookEvents).Watch(ctx, webhookPipeline(accountID))
	if err != nil {
		return nil, fmt.Errorf("docstore/mongo: watch webhook events: %w", err)
	}

	out := make(chan entitlement.WebhookEvent, watchBuffer)
	go func() {
		defer close(out)
		defer stream.Close(context.Background())
		for stream.Next(ctx) {
			var ev struct {
				FullDocument webhookEventModel `bson:"fullDocument"`
			}
			if err := stream.Decode(&ev); err != nil {
				log.Warn().Err(err).Msg("Failed to decode webhook event")
				continue
			}
			select {
			case out <- ev.FullDocument.Event:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("account", accountID).Msg("Webhook event change stream ended")
		}
	}()
	return out, nil
}

// setFields returns the $set body for a merge update. The document id is
// carried by the filter.
func setFields(doc docstore.Document) (bson.M, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var set bson.M
	if err := bson.Unmarshal(raw, &set); err != nil {
		return nil, err
	}
	delete(set, "_id")
	return set, nil
}

func unsetFields() bson.M {
	unset := bson.M{}
	for _, f := range clearedFields {
		unset[f] = ""
	}
	return unset
}

// absentFields lists the entitlement fields missing from set, so a grace end
// or cancellation date left by an older state does not survive the merge.
func absentFields(set bson.M) bson.M {
	unset := bson.M{}
	for _, f := range clearedFields {
		if _, ok := set[f]; !ok {
			unset[f] = ""
		}
	}
	return unset
}

func documentPipeline(accountID string) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"documentKey._id": accountID,
			"operationType":   bson.M{"$in": bson.A{"insert", "update", "replace"}},
		}}},
	}
}

func webhookPipeline(accountID string) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"operationType":           "insert",
			"fullDocument.account_id": accountID,
		}}},
	}
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}
