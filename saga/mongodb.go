package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/finvest/sagaflow"
)

/*
MongoDB Schema:

Collection: saga_executions

Document structure:
{
    "_id": string (saga ID),
    "name": string,
    "status": string,
    "step_names": [string],
    "steps_completed": int,
    "steps_total": int,
    "failure_step": string (optional),
    "failure_reason": string (optional),
    "needs_attention": bool,
    "compensation_attempts": int,
    "metadata": { payment_id, user_id, ..., steps: {...}, checkpoint: {key: json} },
    "resolution": document (optional),
    "resolved_by": string (optional),
    "retry_of": string (optional),
    "events": [ { at, type, step, message, actor } ],
    "initiated_at": ISODate,
    "completed_at" / "failed_at" / "compensated_at" / "resolved_at": ISODate (optional),
    "updated_at": ISODate,
    "version": long
}

Indexes: see EnsureIndexes.
*/

// MongoMetadata is Metadata as stored in MongoDB. The checkpoint is kept as
// JSON strings so arbitrary context values round-trip unchanged.
type MongoMetadata struct {
	PaymentID      string               `bson:"payment_id,omitempty"`
	UserID         string               `bson:"user_id,omitempty"`
	SubscriptionID string               `bson:"subscription_id,omitempty"`
	Amount         sagaflow.Amount      `bson:"amount,omitempty"`
	Attributes     map[string]string    `bson:"attributes,omitempty"`
	Steps          map[string]StepAudit `bson:"steps,omitempty"`
	Failure        *FailureRecord       `bson:"failure,omitempty"`
	Checkpoint     map[string]string    `bson:"checkpoint,omitempty"`
}

// MongoExecution represents the execution document in MongoDB.
type MongoExecution struct {
	ID                   string        `bson:"_id"`
	Name                 string        `bson:"name"`
	Status               Status        `bson:"status"`
	StepNames            []string      `bson:"step_names"`
	StepsCompleted       int           `bson:"steps_completed"`
	StepsTotal           int           `bson:"steps_total"`
	FailureStep          string        `bson:"failure_step,omitempty"`
	FailureReason        string        `bson:"failure_reason,omitempty"`
	NeedsAttention       bool          `bson:"needs_attention"`
	CompensationAttempts int           `bson:"compensation_attempts"`
	Metadata             MongoMetadata `bson:"metadata"`
	Resolution           *Resolution   `bson:"resolution,omitempty"`
	ResolvedBy           string        `bson:"resolved_by,omitempty"`
	ResolvedAt           *time.Time    `bson:"resolved_at,omitempty"`
	RetryOf              string        `bson:"retry_of,omitempty"`
	Events               []Event       `bson:"events"`
	InitiatedAt          time.Time     `bson:"initiated_at"`
	CompletedAt          *time.Time    `bson:"completed_at,omitempty"`
	FailedAt             *time.Time    `bson:"failed_at,omitempty"`
	CompensatedAt        *time.Time    `bson:"compensated_at,omitempty"`
	UpdatedAt            time.Time     `bson:"updated_at"`
	Version              int64         `bson:"version"`
}

// ToExecution converts a MongoExecution to an Execution.
func (m *MongoExecution) ToExecution() *Execution {
	exec := &Execution{
		ID:                   m.ID,
		Name:                 m.Name,
		Status:               m.Status,
		StepNames:            m.StepNames,
		StepsCompleted:       m.StepsCompleted,
		StepsTotal:           m.StepsTotal,
		FailureStep:          m.FailureStep,
		FailureReason:        m.FailureReason,
		NeedsAttention:       m.NeedsAttention,
		CompensationAttempts: m.CompensationAttempts,
		Metadata: Metadata{
			PaymentID:      m.Metadata.PaymentID,
			UserID:         m.Metadata.UserID,
			SubscriptionID: m.Metadata.SubscriptionID,
			Amount:         m.Metadata.Amount,
			Attributes:     m.Metadata.Attributes,
			Steps:          m.Metadata.Steps,
			Failure:        m.Metadata.Failure,
		},
		Resolution:    m.Resolution,
		ResolvedBy:    m.ResolvedBy,
		ResolvedAt:    m.ResolvedAt,
		RetryOf:       m.RetryOf,
		Events:        m.Events,
		InitiatedAt:   m.InitiatedAt,
		CompletedAt:   m.CompletedAt,
		FailedAt:      m.FailedAt,
		CompensatedAt: m.CompensatedAt,
		UpdatedAt:     m.UpdatedAt,
		Version:       m.Version,
	}
	if len(m.Metadata.Checkpoint) > 0 {
		exec.Metadata.Checkpoint = make(map[string]json.RawMessage, len(m.Metadata.Checkpoint))
		for k, v := range m.Metadata.Checkpoint {
			exec.Metadata.Checkpoint[k] = json.RawMessage(v)
		}
	}
	return exec
}

// FromExecution creates a MongoExecution from an Execution.
func FromExecution(e *Execution) *MongoExecution {
	m := &MongoExecution{
		ID:                   e.ID,
		Name:                 e.Name,
		Status:               e.Status,
		StepNames:            e.StepNames,
		StepsCompleted:       e.StepsCompleted,
		StepsTotal:           e.StepsTotal,
		FailureStep:          e.FailureStep,
		FailureReason:        e.FailureReason,
		NeedsAttention:       e.NeedsAttention,
		CompensationAttempts: e.CompensationAttempts,
		Metadata: MongoMetadata{
			PaymentID:      e.Metadata.PaymentID,
			UserID:         e.Metadata.UserID,
			SubscriptionID: e.Metadata.SubscriptionID,
			Amount:         e.Metadata.Amount,
			Attributes:     e.Metadata.Attributes,
			Steps:          e.Metadata.Steps,
			Failure:        e.Metadata.Failure,
		},
		Resolution:    e.Resolution,
		ResolvedBy:    e.ResolvedBy,
		ResolvedAt:    e.ResolvedAt,
		RetryOf:       e.RetryOf,
		Events:        e.Events,
		InitiatedAt:   e.InitiatedAt,
		CompletedAt:   e.CompletedAt,
		FailedAt:      e.FailedAt,
		CompensatedAt: e.CompensatedAt,
		UpdatedAt:     e.UpdatedAt,
		Version:       e.Version,
	}
	if len(e.Metadata.Checkpoint) > 0 {
		m.Metadata.Checkpoint = make(map[string]string, len(e.Metadata.Checkpoint))
		for k, v := range e.Metadata.Checkpoint {
			m.Metadata.Checkpoint[k] = string(v)
		}
	}
	if m.Events == nil {
		m.Events = []Event{}
	}
	return m
}

// MongoStore is a MongoDB-based saga store.
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore creates a new MongoDB saga store.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		collection: db.Collection("saga_executions"),
	}
}

// WithCollection sets a custom collection name.
func (s *MongoStore) WithCollection(name string) *MongoStore {
	s.collection = s.collection.Database().Collection(name)
	return s
}

// Collection returns the underlying MongoDB collection.
func (s *MongoStore) Collection() *mongo.Collection {
	return s.collection
}

// EnsureIndexes creates the indexes used by List and the recovery sweep.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "initiated_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "metadata.payment_id", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "metadata.user_id", Value: 1}},
		},
		{
			Keys:    bson.D{{Key: "retry_of", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
	}

	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// Create persists a new execution.
func (s *MongoStore) Create(ctx context.Context, exec *Execution) error {
	if err := exec.validate(); err != nil {
		return err
	}
	doc := FromExecution(exec)
	doc.Version = 1

	_, err := s.collection.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, exec.ID)
		}
		return fmt.Errorf("insert: %w", err)
	}

	exec.Version = 1
	return nil
}

// Get retrieves an execution by id.
func (s *MongoStore) Get(ctx context.Context, id string) (*Execution, error) {
	var doc MongoExecution
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("find: %w", err)
	}
	return doc.ToExecution(), nil
}

// Update replaces an execution if its version matches.
func (s *MongoStore) Update(ctx context.Context, exec *Execution) error {
	if err := exec.validate(); err != nil {
		return err
	}
	doc := FromExecution(exec)
	doc.Version = exec.Version + 1

	result, err := s.collection.ReplaceOne(ctx, bson.M{"_id": exec.ID, "version": exec.Version}, doc)
	if err != nil {
		return fmt.Errorf("replace: %w", err)
	}

	if result.MatchedCount == 0 {
		n, err := s.collection.CountDocuments(ctx, bson.M{"_id": exec.ID})
		if err != nil {
			return fmt.Errorf("count: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, exec.ID)
		}
		return fmt.Errorf("%w: %s at version %d", ErrVersionConflict, exec.ID, exec.Version)
	}

	exec.Version++
	return nil
}

// List returns executions matching the filter, newest first.
func (s *MongoStore) List(ctx context.Context, filter Filter) ([]*Execution, error) {
	mongoFilter := bson.M{}

	if filter.Name != "" {
		mongoFilter["name"] = filter.Name
	}
	if len(filter.Status) > 0 {
		mongoFilter["status"] = bson.M{"$in": filter.Status}
	}
	if filter.UserID != "" {
		mongoFilter["metadata.user_id"] = filter.UserID
	}
	if filter.PaymentID != "" {
		mongoFilter["metadata.payment_id"] = filter.PaymentID
	}
	if filter.RetryOf != "" {
		mongoFilter["retry_of"] = filter.RetryOf
	}
	if filter.NeedsAttention != nil {
		mongoFilter["needs_attention"] = *filter.NeedsAttention
	}
	if !filter.UpdatedBefore.IsZero() {
		mongoFilter["updated_at"] = bson.M{"$lt": filter.UpdatedBefore}
	}

	opts := options.Find().SetSort(bson.D{{Key: "initiated_at", Value: -1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}

	cursor, err := s.collection.Find(ctx, mongoFilter, opts)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer cursor.Close(ctx)

	var results []*Execution
	for cursor.Next(ctx) {
		var doc MongoExecution
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		results = append(results, doc.ToExecution())
	}

	return results, cursor.Err()
}

// CountByStatus returns the number of executions per status.
func (s *MongoStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.M{
			"_id":   "$status",
			"count": bson.M{"$sum": 1},
		}}},
	}

	cursor, err := s.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate by status: %w", err)
	}
	defer cursor.Close(ctx)

	counts := make(map[Status]int64)
	for cursor.Next(ctx) {
		var result struct {
			Status Status `bson:"_id"`
			Count  int64  `bson:"count"`
		}
		if err := cursor.Decode(&result); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		counts[result.Status] = result.Count
	}

	return counts, cursor.Err()
}

// Compile-time check
var _ Store = (*MongoStore)(nil)
