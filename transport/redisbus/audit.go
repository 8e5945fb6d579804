package redisbus

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// fatalEventDocument is the MongoDB document recording one fatal transport
// event for postmortem review, mirroring the teacher's
// registry/store/mongo document-per-record shape.
type fatalEventDocument struct {
	Channel  string    `bson:"channel"`
	Reason   string    `bson:"reason"`
	Recorded time.Time `bson:"recorded_at"`
}

// AuditLog persists fatal transport events to a MongoDB collection. It is
// optional: an Adapter works without one, and only a deployment that wants
// a durable record of carrier failures across restarts configures it.
type AuditLog struct {
	collection *mongo.Collection
}

// NewAuditLog wraps collection as an AuditLog.
func NewAuditLog(collection *mongo.Collection) *AuditLog {
	return &AuditLog{collection: collection}
}

// Record inserts one fatal-event document. Errors are returned, not
// swallowed, since a caller wiring this in has chosen to want durability
// guarantees over it.
func (a *AuditLog) Record(ctx context.Context, channel string, reason error) error {
	doc := fatalEventDocument{
		Channel:  channel,
		Reason:   reason.Error(),
		Recorded: time.Now(),
	}
	if _, err := a.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("eventa/transport/redisbus: record fatal event: %w", err)
	}
	return nil
}

// Recent returns the most recently recorded fatal events for channel, newest
// first, up to limit documents.
func (a *AuditLog) Recent(ctx context.Context, channel string, limit int64) ([]fatalEventDocument, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "recorded_at", Value: -1}}).SetLimit(limit)
	cursor, err := a.collection.Find(ctx, bson.M{"channel": channel}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("eventa/transport/redisbus: query fatal events: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []fatalEventDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("eventa/transport/redisbus: decode fatal events: %w", err)
	}
	return docs, nil
}
