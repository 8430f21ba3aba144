package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/stepflow/pkg/api"
)

const mongoTimeout = 5 * time.Second

// MongoStore is a Store backed by MongoDB.
type MongoStore struct {
	runs   *mongo.Collection
	leases *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed store.
// dbName defaults to "stepflow". Runs live in the "workflow_snapshots"
// collection and leases in "run_leases".
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	if dbName == "" {
		dbName = "stepflow"
	}
	db := client.Database(dbName)
	return &MongoStore{
		runs:   db.Collection("workflow_snapshots"),
		leases: db.Collection("run_leases"),
	}
}

type mongoRunDoc struct {
	ID           string `bson:"_id"`
	WorkflowName string `bson:"workflow_name"`
	RunID        string `bson:"run_id"`
	ResourceID   string `bson:"resource_id,omitempty"`
	Snapshot     string `bson:"snapshot"`
	CreatedAt    int64  `bson:"created_at"`
	UpdatedAt    int64  `bson:"updated_at"`
}

func (d *mongoRunDoc) run() (*api.WorkflowRun, error) {
	snap, err := DecodeSnapshot([]byte(d.Snapshot))
	if err != nil {
		return nil, err
	}
	return &api.WorkflowRun{
		WorkflowName: d.WorkflowName,
		RunID:        d.RunID,
		ResourceID:   d.ResourceID,
		Snapshot:     snap,
		CreatedAt:    fromMillis(d.CreatedAt),
		UpdatedAt:    fromMillis(d.UpdatedAt),
	}, nil
}

func (s *MongoStore) PersistWorkflowSnapshot(ctx context.Context, workflowName, runID string, snapshot *api.WorkflowRunState) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	data, err := EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	now := millis(time.Now())

	update := bson.M{
		"$set": bson.M{
			"workflow_name": workflowName,
			"run_id":        runID,
			"resource_id":   snapshot.ResourceID,
			"snapshot":      string(data),
			"updated_at":    now,
		},
		"$setOnInsert": bson.M{
			"created_at": now,
		},
	}
	_, err = s.runs.UpdateByID(ctx, runKey(workflowName, runID), update, options.Update().SetUpsert(true))
	return err
}

func (s *MongoStore) LoadWorkflowSnapshot(ctx context.Context, workflowName, runID string) (*api.WorkflowRunState, error) {
	run, err := s.GetWorkflowRunByID(ctx, workflowName, runID)
	if err != nil {
		return nil, err
	}
	return run.Snapshot, nil
}

func (s *MongoStore) GetWorkflowRunByID(ctx context.Context, workflowName, runID string) (*api.WorkflowRun, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	var doc mongoRunDoc
	err := s.runs.FindOne(ctx, bson.M{"_id": runKey(workflowName, runID)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, api.ErrRunNotFound
		}
		return nil, err
	}
	return doc.run()
}

func (s *MongoStore) GetWorkflowRuns(ctx context.Context, filter api.RunsFilter) (*api.WorkflowRuns, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*mongoTimeout)
	defer cancel()

	bfilter := bson.M{}
	if filter.WorkflowName != "" {
		bfilter["workflow_name"] = filter.WorkflowName
	}
	if filter.ResourceID != "" {
		bfilter["resource_id"] = filter.ResourceID
	}
	created := bson.M{}
	if !filter.FromDate.IsZero() {
		created["$gte"] = millis(filter.FromDate)
	}
	if !filter.ToDate.IsZero() {
		created["$lte"] = millis(filter.ToDate)
	}
	if len(created) > 0 {
		bfilter["created_at"] = created
	}

	total, err := s.runs.CountDocuments(ctx, bfilter)
	if err != nil {
		return nil, err
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "run_id", Value: 1}})
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cur, err := s.runs.Find(ctx, bfilter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := &api.WorkflowRuns{Total: int(total)}
	for cur.Next(ctx) {
		var doc mongoRunDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		run, err := doc.run()
		if err != nil {
			return nil, err
		}
		out.Runs = append(out.Runs, *run)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) TryAcquireLease(ctx context.Context, workflowName, runID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	now := time.Now()
	filter := bson.M{
		"_id": runKey(workflowName, runID),
		"$or": bson.A{
			bson.M{"owner": owner},
			bson.M{"expires_at": bson.M{"$lte": now.UnixNano()}},
		},
	}
	update := bson.M{"$set": bson.M{"owner": owner, "expires_at": now.Add(ttl).UnixNano()}}

	_, err := s.leases.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		// The upsert collides with a live lease held by another owner.
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *MongoStore) RenewLease(ctx context.Context, workflowName, runID, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	res, err := s.leases.UpdateOne(ctx,
		bson.M{"_id": runKey(workflowName, runID), "owner": owner},
		bson.M{"$set": bson.M{"expires_at": time.Now().Add(ttl).UnixNano()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return api.ErrRunLocked
	}
	return nil
}

func (s *MongoStore) ReleaseLease(ctx context.Context, workflowName, runID, owner string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	_, err := s.leases.DeleteOne(ctx, bson.M{"_id": runKey(workflowName, runID), "owner": owner})
	return err
}
