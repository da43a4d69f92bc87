package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/richinex/quarry/internal/mongodb"
	"github.com/richinex/quarry/model"
)

// reservedFields are the document keys that are not result fields.
var reservedFields = map[string]bool{
	"_id":           true,
	"query":         true,
	"datasourceIds": true,
	"status":        true,
	"task_type":     true,
	"used_tools":    true,
	"error":         true,
	"created_at":    true,
	"updated_at":    true,
}

// MongoStore keeps tasks as documents of the tasks collection. Result fields
// are merged into the top level of the document.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore creates a store over db.
func NewMongoStore(db *mongodb.DB) *MongoStore {
	return &MongoStore{coll: db.Collection(mongodb.CollectionTasks)}
}

// Create implements Store. Empty ids become new ObjectIDs.
func (s *MongoStore) Create(ctx context.Context, t Task) (Task, error) {
	var id any
	if t.ID == "" {
		oid := primitive.NewObjectID()
		id = oid
		t.ID = oid.Hex()
	} else {
		id = mongodb.IDFilter(t.ID)["_id"]
	}
	t = withDefaults(t)

	doc := bson.M{
		"_id":           id,
		"query":         t.Query,
		"datasourceIds": t.DatasourceIDs,
		"status":        string(t.Status),
		"created_at":    t.CreatedAt,
		"updated_at":    t.UpdatedAt,
	}
	if t.TaskType != "" {
		doc["task_type"] = t.TaskType
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return Task{}, fmt.Errorf("failed to create task: %w", err)
	}
	return t, nil
}

// Get implements Store.
func (s *MongoStore) Get(ctx context.Context, id string) (Task, error) {
	var doc bson.M
	err := s.coll.FindOne(ctx, mongodb.IDFilter(id)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("failed to find task %s: %w", id, err)
	}
	return decodeTask(doc)
}

// ClaimNext implements Store with a single findAndModify.
func (s *MongoStore) ClaimNext(ctx context.Context, now time.Time) (Task, bool, error) {
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{{Key: "_id", Value: 1}})

	var doc bson.M
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"status": string(StatusPending)},
		bson.M{"$set": bson.M{"status": string(StatusProcessing), "updated_at": now}},
		opts,
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("failed to claim pending task: %w", err)
	}

	t, err := decodeTask(doc)
	if err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}

// Claim implements Store.
func (s *MongoStore) Claim(ctx context.Context, id string, now time.Time) (Task, error) {
	filter := mongodb.IDFilter(id)
	filter["status"] = string(StatusPending)

	var doc bson.M
	err := s.coll.FindOneAndUpdate(ctx,
		filter,
		bson.M{"$set": bson.M{"status": string(StatusProcessing), "updated_at": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, err := s.Get(ctx, id); err != nil {
			return Task{}, err
		}
		return Task{}, ErrClaimLost
	}
	if err != nil {
		return Task{}, fmt.Errorf("failed to claim task %s: %w", id, err)
	}
	return decodeTask(doc)
}

// SetType implements Store.
func (s *MongoStore) SetType(ctx context.Context, id, taskType string, now time.Time) error {
	filter := mongodb.IDFilter(id)
	filter["$or"] = bson.A{
		bson.M{"task_type": bson.M{"$exists": false}},
		bson.M{"task_type": nil},
		bson.M{"task_type": ""},
		bson.M{"task_type": taskType},
	}

	res, err := s.coll.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"task_type": taskType, "updated_at": now}})
	if err != nil {
		return fmt.Errorf("failed to set type of task %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		t, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: task %s is %s", ErrTypeImmutable, id, t.TaskType)
	}
	return nil
}

// Complete implements Store.
func (s *MongoStore) Complete(ctx context.Context, id string, result model.Result, now time.Time) error {
	fields, usedTools := resultFields(result)
	set := bson.M{}
	for k, v := range fields {
		if !reservedFields[k] {
			set[k] = v
		}
	}
	set["used_tools"] = usedTools
	set["status"] = string(StatusCompleted)
	set["updated_at"] = now

	return s.transition(ctx, id, StatusCompleted, set)
}

// Fail implements Store.
func (s *MongoStore) Fail(ctx context.Context, id, reason string, now time.Time) error {
	return s.transition(ctx, id, StatusFailed, bson.M{
		"status":     string(StatusFailed),
		"error":      reason,
		"updated_at": now,
	})
}

func (s *MongoStore) transition(ctx context.Context, id string, to Status, set bson.M) error {
	filter := mongodb.IDFilter(id)
	filter["status"] = string(StatusProcessing)

	res, err := s.coll.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to mark task %s %s: %w", id, to, err)
	}
	if res.MatchedCount == 0 {
		t, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return transitionError(id, t.Status, to)
	}
	return nil
}

// Stale implements Store.
func (s *MongoStore) Stale(ctx context.Context, cutoff time.Time) ([]Task, error) {
	cursor, err := s.coll.Find(ctx,
		bson.M{"status": string(StatusProcessing), "updated_at": bson.M{"$lt": cutoff}},
		options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale tasks: %w", err)
	}
	defer cursor.Close(ctx)

	var tasks []Task
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode task: %w", err)
		}
		t, err := decodeTask(doc)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return tasks, nil
}

// decodeTask maps a task document onto Task. Documents written before tasks
// carried a query keep it in hypothesis_main_idea.
func decodeTask(doc bson.M) (Task, error) {
	t := Task{
		ID:       mongodb.IDString(doc["_id"]),
		Query:    stringField(doc, "query"),
		Status:   Status(stringField(doc, "status")),
		TaskType: stringField(doc, "task_type"),
		Error:    stringField(doc, "error"),
	}
	if t.Query == "" {
		t.Query = stringField(doc, "hypothesis_main_idea")
	}
	t.CreatedAt = timeField(doc, "created_at")
	t.UpdatedAt = timeField(doc, "updated_at")

	if ids, ok := doc["datasourceIds"].(primitive.A); ok {
		for _, id := range ids {
			t.DatasourceIDs = append(t.DatasourceIDs, mongodb.IDString(id))
		}
	}

	if raw, ok := doc["used_tools"]; ok && raw != nil {
		data, err := bson.Marshal(bson.M{"v": raw})
		if err != nil {
			return Task{}, fmt.Errorf("task %s used_tools: %w", t.ID, err)
		}
		var wrapped struct {
			V []model.UsedTool `bson:"v"`
		}
		if err := bson.Unmarshal(data, &wrapped); err != nil {
			return Task{}, fmt.Errorf("task %s used_tools: %w", t.ID, err)
		}
		t.UsedTools = wrapped.V
	}

	for k, v := range doc {
		if reservedFields[k] {
			continue
		}
		if t.Result == nil {
			t.Result = make(map[string]any)
		}
		t.Result[k] = v
	}
	return t, nil
}

func stringField(doc bson.M, key string) string {
	s, _ := doc[key].(string)
	return s
}

func timeField(doc bson.M, key string) time.Time {
	switch v := doc[key].(type) {
	case primitive.DateTime:
		return v.Time().UTC()
	case time.Time:
		return v.UTC()
	default:
		return time.Time{}
	}
}

var _ Store = (*MongoStore)(nil)
