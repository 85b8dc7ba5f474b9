package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrStorageIO wraps any persistence failure.
var ErrStorageIO = errors.New("server: storage io failure")

// keyDocument is the single `keys` collection document (§4.7).
type keyDocument struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	RPI       []byte             `bson:"rpi"`
	Metadata  *string            `bson:"metadata"`
	CreatedAt time.Time          `bson:"created_at"`
}

// Storage is the `keys` collection collaborator: deduplicated upsert
// ingest and cursor-paginated, time-bounded download.
type Storage struct {
	collection *mongo.Collection
	retention  time.Duration
}

// NewStorage connects to mongoURI and returns a Storage bound to the
// vailix.keys collection, the TTL index created or confirmed.
func NewStorage(ctx context.Context, mongoURI string, retention time.Duration) (*Storage, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		return nil, fmt.Errorf("%w: connecting: %v", ErrStorageIO, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("%w: pinging: %v", ErrStorageIO, err)
	}

	collection := client.Database("vailix").Collection("keys")
	s := &Storage{collection: collection, retention: retention}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storage) ensureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "rpi", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(s.retention.Seconds())),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: ensuring indexes: %v", ErrStorageIO, err)
	}
	return nil
}

// IngestEntry is one report batch entry ready for storage: 16 raw
// RPI bytes and optional encrypted metadata.
type IngestEntry struct {
	RPI      [16]byte
	Metadata string // empty string means "no metadata"
}

// Ingest performs an unordered bulk upsert: for each entry,
// updateOne(filter={rpi}, update={setOnInsert: {rpi, metadata}},
// upsert=true). Repeated reports of the same RPI are no-ops against
// already-stored rows — ingest is therefore idempotent.
func (s *Storage) Ingest(ctx context.Context, entries []IngestEntry) error {
	if len(entries) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, len(entries))
	now := time.Now().UTC()
	for i, e := range entries {
		var metadata *string
		if e.Metadata != "" {
			m := e.Metadata
			metadata = &m
		}

		setOnInsert := bson.M{
			"rpi":        e.RPI[:],
			"metadata":   metadata,
			"created_at": now,
		}
		models[i] = mongo.NewUpdateOneModel().
			SetFilter(bson.M{"rpi": e.RPI[:]}).
			SetUpdate(bson.M{"$setOnInsert": setOnInsert}).
			SetUpsert(true)
	}

	_, err := s.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("%w: bulk upsert: %v", ErrStorageIO, err)
	}
	return nil
}

// Page is one paginated download result.
type Page struct {
	Docs       []keyDocument
	NextCursor string // empty when exhausted
}

// Download returns rows with created_at >= since and _id > cursor
// (if cursor is non-empty), sorted ascending by _id, up to limit rows.
// since and cursor are AND-applied, matching §4.7's contract exactly;
// callers must preserve since across cursor pages.
func (s *Storage) Download(ctx context.Context, since time.Time, cursor string, limit int) (Page, error) {
	filter := bson.M{"created_at": bson.M{"$gte": since}}
	if cursor != "" {
		cursorID, err := primitive.ObjectIDFromHex(cursor)
		if err != nil {
			return Page{}, fmt.Errorf("%w: invalid cursor: %v", ErrStorageIO, err)
		}
		filter["_id"] = bson.M{"$gt": cursorID}
	}

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit))
	cur, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return Page{}, fmt.Errorf("%w: find: %v", ErrStorageIO, err)
	}
	defer cur.Close(ctx)

	var docs []keyDocument
	if err := cur.All(ctx, &docs); err != nil {
		return Page{}, fmt.Errorf("%w: decoding: %v", ErrStorageIO, err)
	}

	next := ""
	if len(docs) == limit {
		next = docs[len(docs)-1].ID.Hex()
	}

	return Page{Docs: docs, NextCursor: next}, nil
}

// Close disconnects the underlying Mongo client.
func (s *Storage) Close(ctx context.Context) error {
	return s.collection.Database().Client().Disconnect(ctx)
}
