package hashaudit

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	auditCollection    = "hash_audit_logs"
	countersCollection = "counters"
)

// MongoStore keeps the audit log in a MongoDB collection. Sequence numbers
// come from a counters document incremented atomically per insert.
type MongoStore struct {
	coll     *mongo.Collection
	counters *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		coll:     db.Collection(auditCollection),
		counters: db.Collection(countersCollection),
	}
}

var mongoSortFields = map[SortField]string{
	SortTimestamp:     "timestamp",
	SortOperationType: "operation_type",
	SortStatus:        "status",
	SortSeverity:      "severity",
	SortUser:          "user_id",
	SortExecutionTime: "metrics.execution_time_ms",
	SortSequence:      "sequence",
}

var mongoGroupFields = map[GroupBy]string{
	GroupByOperationType: "$operation_type",
	GroupByStatus:        "$status",
	GroupBySeverity:      "$severity",
	GroupByUser:          "$user_id",
	GroupByResourceType:  "$fhir_resource_type",
	GroupByHourOfDay:     "$hour_of_day",
	GroupByDayOfWeek:     "$day_of_week",
}

// EnsureIndexes creates the indexes the query engine relies on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "sequence", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "fhir_resource_type", Value: 1}, {Key: "fhir_resource_id", Value: 1}, {Key: "sequence", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "operation_type", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "blockchain_hash", Value: 1}}},
		{Keys: bson.D{{Key: "verified_hash", Value: 1}}},
		{Keys: bson.D{{Key: "patient_id", Value: 1}}},
	}
	if _, err := s.coll.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("create %s indexes: %w", auditCollection, err)
	}
	return nil
}

func (s *MongoStore) nextSequence(ctx context.Context) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": auditCollection},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return doc.Seq, nil
}

func (s *MongoStore) Insert(ctx context.Context, r *AuditRecord) error {
	seq, err := s.nextSequence(ctx)
	if err != nil {
		return err
	}
	r.Sequence = seq
	if _, err := s.coll.InsertOne(ctx, r); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("insert %s: %w", r.AuditID, ErrDuplicateID)
		}
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// filterDoc renders f as a MongoDB query document.
func filterDoc(f Filter) bson.M {
	q := bson.M{}
	ts := bson.M{}
	if f.Since != nil {
		ts["$gte"] = *f.Since
	}
	if f.Until != nil {
		ts["$lte"] = *f.Until
	}
	if f.Before != nil {
		ts["$lt"] = *f.Before
	}
	if len(ts) > 0 {
		q["timestamp"] = ts
	}
	if len(f.OperationTypes) > 0 {
		q["operation_type"] = bson.M{"$in": stringsOf(f.OperationTypes)}
	}
	if len(f.Statuses) > 0 {
		q["status"] = bson.M{"$in": stringsOf(f.Statuses)}
	}
	if len(f.Severities) > 0 {
		q["severity"] = bson.M{"$in": stringsOf(f.Severities)}
	}
	if f.UserID != "" {
		q["user_id"] = f.UserID
	}
	if f.ResourceType != "" {
		q["fhir_resource_type"] = f.ResourceType
	}
	if f.ResourceID != "" {
		q["fhir_resource_id"] = f.ResourceID
	}
	if f.PatientID != "" {
		q["patient_id"] = f.PatientID
	}
	if f.Hash != "" {
		q["$or"] = bson.A{
			bson.M{"blockchain_hash": f.Hash},
			bson.M{"verified_hash": f.Hash},
		}
	}
	if f.HasErrorsOnly {
		q["has_error"] = true
	}
	if f.ChainOnly {
		q["blockchain_hash"] = bson.M{"$type": "string"}
	}
	if f.AfterSequence > 0 {
		q["sequence"] = bson.M{"$gt": f.AfterSequence}
	}
	return q
}

func sortDoc(p Page) bson.D {
	field := mongoSortFields[p.sortField()]
	if field == "" {
		field = "timestamp"
	}
	dir := 1
	if p.Desc {
		dir = -1
	}
	if field == "sequence" {
		return bson.D{{Key: "sequence", Value: dir}}
	}
	return bson.D{{Key: field, Value: dir}, {Key: "sequence", Value: dir}}
}

func (s *MongoStore) Find(ctx context.Context, f Filter, p Page) ([]*AuditRecord, error) {
	opts := options.Find().SetSort(sortDoc(p))
	if p.Limit > 0 {
		opts.SetLimit(int64(p.Limit))
	}
	if p.Offset > 0 {
		opts.SetSkip(int64(p.Offset))
	}

	cur, err := s.coll.Find(ctx, filterDoc(f), opts)
	if err != nil {
		return nil, fmt.Errorf("find audit records: %w", err)
	}
	defer cur.Close(ctx)

	out := []*AuditRecord{}
	for cur.Next(ctx) {
		var r AuditRecord
		if err := cur.Decode(&r); err != nil {
			return nil, fmt.Errorf("decode audit record: %w", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		out = append(out, &r)
	}
	return out, cur.Err()
}

func (s *MongoStore) Count(ctx context.Context, f Filter) (int64, error) {
	n, err := s.coll.CountDocuments(ctx, filterDoc(f))
	if err != nil {
		return 0, fmt.Errorf("count audit records: %w", err)
	}
	return n, nil
}

func successCond(status Status) bson.M {
	return bson.M{"$sum": bson.M{"$cond": bson.A{bson.M{"$eq": bson.A{"$status", string(status)}}, 1, 0}}}
}

func (s *MongoStore) Aggregate(ctx context.Context, f Filter, groupBy GroupBy) ([]GroupStats, error) {
	field, ok := mongoGroupFields[groupBy]
	if !ok {
		return nil, fmt.Errorf("%w: unknown group_by %q", ErrInvalidFilter, groupBy)
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: filterDoc(f)}},
		{{Key: "$group", Value: bson.M{
			"_id":                 bson.M{"$toString": field},
			"count":               bson.M{"$sum": 1},
			"success_count":       successCond(StatusSuccess),
			"failure_count":       successCond(StatusFailure),
			"min_execution_time":  bson.M{"$min": "$metrics.execution_time_ms"},
			"avg_execution_time":  bson.M{"$avg": "$metrics.execution_time_ms"},
			"max_execution_time":  bson.M{"$max": "$metrics.execution_time_ms"},
			"resources_processed": bson.M{"$sum": "$metrics.resources_processed"},
			"hashes_generated":    bson.M{"$sum": "$metrics.hashes_generated"},
			"hashes_verified":     bson.M{"$sum": "$metrics.hashes_verified"},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "count", Value: -1}, {Key: "_id", Value: 1}}}},
	}

	cur, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate audit records: %w", err)
	}
	defer cur.Close(ctx)

	out := []GroupStats{}
	for cur.Next(ctx) {
		var doc struct {
			Key                string  `bson:"_id"`
			Count              int64   `bson:"count"`
			SuccessCount       int64   `bson:"success_count"`
			FailureCount       int64   `bson:"failure_count"`
			MinExecutionTime   float64 `bson:"min_execution_time"`
			AvgExecutionTime   float64 `bson:"avg_execution_time"`
			MaxExecutionTime   float64 `bson:"max_execution_time"`
			ResourcesProcessed int64   `bson:"resources_processed"`
			HashesGenerated    int64   `bson:"hashes_generated"`
			HashesVerified     int64   `bson:"hashes_verified"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode group: %w", err)
		}
		out = append(out, GroupStats{
			Key: doc.Key, Count: doc.Count, SuccessCount: doc.SuccessCount, FailureCount: doc.FailureCount,
			MinExecutionTimeMS: doc.MinExecutionTime, AvgExecutionTimeMS: doc.AvgExecutionTime,
			MaxExecutionTimeMS: doc.MaxExecutionTime, ResourcesProcessed: doc.ResourcesProcessed,
			HashesGenerated: doc.HashesGenerated, HashesVerified: doc.HashesVerified,
		})
	}
	return out, cur.Err()
}

func (s *MongoStore) Summarize(ctx context.Context, f Filter) (Totals, error) {
	resourceKey := bson.M{"$cond": bson.A{
		bson.M{"$ne": bson.A{"$fhir_resource_id", ""}},
		bson.M{"$concat": bson.A{"$fhir_resource_type", "/", "$fhir_resource_id"}},
		"",
	}}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: filterDoc(f)}},
		{{Key: "$group", Value: bson.M{
			"_id":       nil,
			"total":     bson.M{"$sum": 1},
			"success":   successCond(StatusSuccess),
			"failure":   successCond(StatusFailure),
			"users":     bson.M{"$addToSet": "$user_id"},
			"resources": bson.M{"$addToSet": resourceKey},
			"avg":       bson.M{"$avg": "$metrics.execution_time_ms"},
		}}},
		{{Key: "$project", Value: bson.M{
			"total":     1,
			"success":   1,
			"failure":   1,
			"avg":       bson.M{"$ifNull": bson.A{"$avg", 0}},
			"users":     bson.M{"$size": bson.M{"$setDifference": bson.A{"$users", bson.A{""}}}},
			"resources": bson.M{"$size": bson.M{"$setDifference": bson.A{"$resources", bson.A{""}}}},
		}}},
	}

	cur, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return Totals{}, fmt.Errorf("summarize audit records: %w", err)
	}
	defer cur.Close(ctx)

	if !cur.Next(ctx) {
		return Totals{}, cur.Err()
	}
	var doc struct {
		Total     int64   `bson:"total"`
		Success   int64   `bson:"success"`
		Failure   int64   `bson:"failure"`
		Users     int64   `bson:"users"`
		Resources int64   `bson:"resources"`
		Avg       float64 `bson:"avg"`
	}
	if err := cur.Decode(&doc); err != nil {
		return Totals{}, fmt.Errorf("decode summary: %w", err)
	}
	return Totals{
		Total: doc.Total, Success: doc.Success, Failure: doc.Failure,
		UniqueUsers: doc.Users, UniqueResources: doc.Resources, AvgExecutionTimeMS: doc.Avg,
	}, nil
}

func (s *MongoStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{"timestamp": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("delete audit records: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.coll.Database().RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}).Err(); err != nil {
		return fmt.Errorf("mongo ping: %w", err)
	}
	return nil
}
