// Package store persists DICOM instances as BSON documents in MongoDB
// plus part-10 files in a deterministic directory tree.
package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store is the document-store surface the query and storage services
// consume. Query projects whole element sub-documents (vr plus Value), so
// fields are bare 8-hex tag keys.
type Store interface {
	Query(ctx context.Context, filter bson.M, fields []string) ([]bson.D, error)
	Insert(ctx context.Context, doc bson.D) error
	Count(ctx context.Context, filter bson.M) (int64, error)
	// Distinct collects the distinct values of one field path across the
	// documents matching filter. Array-valued fields contribute each member.
	Distinct(ctx context.Context, field string, filter bson.M) ([]string, error)
	EnsureIndexes(ctx context.Context) error
}

// LocationField is the non-DICOM document field carrying the part-10 file
// path of a stored instance. The codec skips it on decode.
const LocationField = "location"

type mongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore wraps one MongoDB collection as a Store.
func NewMongoStore(collection *mongo.Collection) Store {
	return &mongoStore{collection: collection}
}

func (s *mongoStore) Query(ctx context.Context, filter bson.M, fields []string) ([]bson.D, error) {
	if filter == nil {
		filter = bson.M{}
	}
	opts := options.Find()
	if len(fields) > 0 {
		projection := bson.D{{Key: "_id", Value: 0}}
		for _, f := range fields {
			projection = append(projection, bson.E{Key: f, Value: 1})
		}
		opts.SetProjection(projection)
	}
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("store: query failed: %w", err)
	}
	defer cursor.Close(ctx)

	var out []bson.D
	for cursor.Next(ctx) {
		var doc bson.D
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("store: decoding result failed: %w", err)
		}
		out = append(out, doc)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("store: cursor failed: %w", err)
	}
	return out, nil
}

func (s *mongoStore) Insert(ctx context.Context, doc bson.D) error {
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("store: insert failed: %w", err)
	}
	return nil
}

func (s *mongoStore) Count(ctx context.Context, filter bson.M) (int64, error) {
	if filter == nil {
		filter = bson.M{}
	}
	n, err := s.collection.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("store: count failed: %w", err)
	}
	return n, nil
}

func (s *mongoStore) Distinct(ctx context.Context, field string, filter bson.M) ([]string, error) {
	if filter == nil {
		filter = bson.M{}
	}
	// $unwind folds multi-valued fields (e.g. Modality would not need it,
	// but element values are stored as arrays) into one group pass.
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: filter}},
		{{Key: "$unwind", Value: "$" + field}},
		{{Key: "$group", Value: bson.M{"_id": nil, "values": bson.M{"$addToSet": "$" + field}}}},
	}
	cursor, err := s.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("store: aggregate failed: %w", err)
	}
	defer cursor.Close(ctx)

	var result struct {
		Values []string `bson:"values"`
	}
	if cursor.Next(ctx) {
		if err := cursor.Decode(&result); err != nil {
			return nil, fmt.Errorf("store: decoding aggregate failed: %w", err)
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("store: aggregate cursor failed: %w", err)
	}
	return result.Values, nil
}

// EnsureIndexes creates the lookup indexes the query services rely on and
// the unique SOP Instance UID index backing the duplicate-store check.
func (s *mongoStore) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "00080018.Value", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("sop_instance_uid"),
		},
		{Keys: bson.D{{Key: "00100020.Value", Value: 1}}, Options: options.Index().SetName("patient_id")},
		{Keys: bson.D{{Key: "0020000d.Value", Value: 1}}, Options: options.Index().SetName("study_instance_uid")},
		{Keys: bson.D{{Key: "0020000e.Value", Value: 1}}, Options: options.Index().SetName("series_instance_uid")},
	}
	names, err := s.collection.Indexes().CreateMany(ctx, models)
	if err != nil {
		return fmt.Errorf("store: creating indexes failed: %w", err)
	}
	log.Debug().Strs("indexes", names).Msg("store indexes ensured")
	return nil
}
