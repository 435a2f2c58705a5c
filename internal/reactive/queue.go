// Package reactive implements the Reactive Consumer: a
// single-message-at-a-time consumer of a durable queue that spawns runners
// on demand. The queue is backed by MongoDB (go.mongodb.org/mongo-driver),
// used as a leased work queue: Get atomically claims and leases a pending
// document, Ack/Reject resolve or return the lease.
package reactive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/thpham/fleetd/internal/models"
)

// sentinelPayload is the exact message body that tells a consumer to stop.
const sentinelPayload = "__END__"

// pollInterval governs how often Get retries an empty queue while blocking.
const pollInterval = 2 * time.Second

// leaseTimeout is how long a claimed message stays hidden from Get. A
// message whose consumer exited without Ack or Reject is offered again once
// its lease is older than this.
const leaseTimeout = 30 * time.Minute

// Envelope wraps one dequeued message with the bookkeeping the per-message
// algorithm needs.
type Envelope struct {
	ID         interface{}
	Payload    string
	RetryCount int
	Sentinel   bool
}

// Queue is the durable-queue contract the Consumer depends on.
type Queue interface {
	// Get blocks until a message is available or ctx is done, atomically
	// incrementing the message's retry-count header on dequeue.
	Get(ctx context.Context) (Envelope, error)
	// Ack permanently removes the message.
	Ack(ctx context.Context, env Envelope) error
	// Reject removes the message (requeue=false) or makes it visible to
	// other consumers again without resetting its retry-count (requeue=true).
	Reject(ctx context.Context, env Envelope, requeue bool) error
}

type queueDoc struct {
	ID         interface{} `bson:"_id"`
	Payload    string      `bson:"payload"`
	RetryCount int         `bson:"retry_count"`
	LockedAt   *time.Time  `bson:"locked_at"`
}

// MongoQueue implements Queue against a MongoDB collection, using
// findOneAndUpdate as the atomic dequeue-and-lock primitive.
type MongoQueue struct {
	coll *mongo.Collection
}

// NewMongoQueue connects to uri and returns a Queue over the named
// collection in the "fleetd" database.
func NewMongoQueue(ctx context.Context, uri, queueName string) (*MongoQueue, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return &MongoQueue{coll: client.Database("fleetd").Collection(queueName)}, nil
}

func (q *MongoQueue) Get(ctx context.Context) (Envelope, error) {
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	for {
		now := time.Now()
		filter := bson.M{"$or": bson.A{
			bson.M{"locked_at": nil},
			bson.M{"locked_at": bson.M{"$lt": now.Add(-leaseTimeout)}},
		}}
		update := bson.M{
			"$set": bson.M{"locked_at": now},
			"$inc": bson.M{"retry_count": 1},
		}
		var doc queueDoc
		err := q.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if err == nil {
			return Envelope{
				ID:         doc.ID,
				Payload:    doc.Payload,
				RetryCount: doc.RetryCount,
				Sentinel:   doc.Payload == sentinelPayload,
			}, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return Envelope{}, err
		}
		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (q *MongoQueue) Ack(ctx context.Context, env Envelope) error {
	_, err := q.coll.DeleteOne(ctx, bson.M{"_id": env.ID})
	return err
}

func (q *MongoQueue) Reject(ctx context.Context, env Envelope, requeue bool) error {
	if !requeue {
		_, err := q.coll.DeleteOne(ctx, bson.M{"_id": env.ID})
		return err
	}
	_, err := q.coll.UpdateOne(ctx, bson.M{"_id": env.ID}, bson.M{"$set": bson.M{"locked_at": nil}})
	return err
}

// jobPayload is the JSON shape of a non-sentinel message.
type jobPayload struct {
	Labels []string `json:"labels"`
	URL    string   `json:"url"`
}

func parsePayload(raw string) (models.QueueMessage, error) {
	var p jobPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return models.QueueMessage{}, err
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return models.QueueMessage{}, fmt.Errorf("parsing job url: %w", err)
	}
	if u.Path == "" {
		return models.QueueMessage{}, fmt.Errorf("job url %q has an empty path", p.URL)
	}
	return models.QueueMessage{Labels: p.Labels, URL: p.URL}, nil
}
