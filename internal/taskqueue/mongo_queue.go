package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue implements Queue on top of MongoDB.
//
// Document schema:
//
//	{
//	  _id:              string,  // task ID
//	  type:             string,
//	  workflow_id:      string,
//	  run_id:           string,
//	  payload:          []byte,  // gob-encoded payload
//	  enqueued_at:      int64,   // unix nanos
//	  not_before:       int64,
//	  attempts:         int,
//	  lease_owner:      string,
//	  lease_expires_at: int64,
//	}
type MongoQueue struct {
	coll         *mongo.Collection
	pollInterval time.Duration
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "stepflow", collName to "queue_tasks".
func NewMongoQueue(client *mongo.Client, dbName, collName string) *MongoQueue {
	if dbName == "" {
		dbName = "stepflow"
	}
	if collName == "" {
		collName = "queue_tasks"
	}
	return &MongoQueue{
		coll:         client.Database(dbName).Collection(collName),
		pollInterval: 100 * time.Millisecond,
	}
}

var _ Queue = (*MongoQueue)(nil)

type mongoTaskDoc struct {
	ID             string `bson:"_id"`
	Type           string `bson:"type"`
	WorkflowID     string `bson:"workflow_id"`
	RunID          string `bson:"run_id"`
	Payload        []byte `bson:"payload,omitempty"`
	EnqueuedAt     int64  `bson:"enqueued_at"`
	NotBefore      int64  `bson:"not_before"`
	Attempts       int    `bson:"attempts"`
	LeaseOwner     string `bson:"lease_owner"`
	LeaseExpiresAt int64  `bson:"lease_expires_at"`
}

func (d *mongoTaskDoc) task() (*Task, error) {
	payload, err := decodePayload(d.Payload)
	if err != nil {
		return nil, err
	}
	return &Task{
		ID:             d.ID,
		Type:           TaskType(d.Type),
		WorkflowID:     d.WorkflowID,
		RunID:          d.RunID,
		Payload:        payload,
		EnqueuedAt:     time.Unix(0, d.EnqueuedAt),
		NotBefore:      time.Unix(0, d.NotBefore),
		Attempts:       d.Attempts,
		LeaseOwner:     d.LeaseOwner,
		LeaseExpiresAt: time.Unix(0, d.LeaseExpiresAt),
	}, nil
}

func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	prepare(&t, time.Now())
	payload, err := encodePayload(t.Payload)
	if err != nil {
		return err
	}
	_, err = q.coll.InsertOne(ctx, mongoTaskDoc{
		ID:         t.ID,
		Type:       string(t.Type),
		WorkflowID: t.WorkflowID,
		RunID:      t.RunID,
		Payload:    payload,
		EnqueuedAt: t.EnqueuedAt.UnixNano(),
		NotBefore:  t.NotBefore.UnixNano(),
		Attempts:   t.Attempts,
	})
	return err
}

// Dequeue polls until a task is leased or ctx is done.
func (q *MongoQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := time.Now().UnixNano()
		filter := bson.M{
			"not_before": bson.M{"$lte": now},
			"$or": bson.A{
				bson.M{"lease_owner": ""},
				bson.M{"lease_expires_at": bson.M{"$lte": now}},
			},
		}
		update := bson.M{"$set": bson.M{
			"lease_owner":      owner,
			"lease_expires_at": time.Now().Add(leaseTTL).UnixNano(),
		}}
		opts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "enqueued_at", Value: 1}}).
			SetReturnDocument(options.After)

		var doc mongoTaskDoc
		err := q.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if err == nil {
			return doc.task()
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}
		if err := wait(ctx, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

func (q *MongoQueue) Ack(ctx context.Context, taskID, owner string) error {
	res, err := q.coll.DeleteOne(ctx, bson.M{"_id": taskID, "lease_owner": owner})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *MongoQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	return q.updateLeased(ctx, taskID, owner, bson.M{
		"not_before":       notBefore.UnixNano(),
		"attempts":         attempts,
		"lease_owner":      "",
		"lease_expires_at": int64(0),
	})
}

func (q *MongoQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	return q.updateLeased(ctx, taskID, owner, bson.M{
		"lease_expires_at": time.Now().Add(leaseTTL).UnixNano(),
	})
}

func (q *MongoQueue) updateLeased(ctx context.Context, taskID, owner string, set bson.M) error {
	res, err := q.coll.UpdateOne(ctx, bson.M{"_id": taskID, "lease_owner": owner}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Len returns an approximate number of queued tasks.
func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		slog.Warn("mongo queue: count failed", slog.Any("error", err))
		return 0
	}
	return int(n)
}
