// Package document loads partitions into MongoDB: one collection per
// partition table, one document per hour, keyed by a unique time index.
package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/couchcryptid/weather-domain-etl/internal/domain"
)

// StoreName identifies this target in load outcomes and metrics.
const StoreName = "document"

const timeIndexName = "time_unique"

// writeBatch bounds the number of models per BulkWrite call.
const writeBatch = 1000

// Collections maps logical partition tables to collection names.
var Collections = map[string]string{
	domain.TableFact:         "fact",
	domain.TableSolar:        "solar",
	domain.TableAgricultural: "agricultural",
	domain.TableMarineWind:   "marine_wind",
}

// collectionOrder is the write order of a load.
var collectionOrder = []string{domain.TableFact, domain.TableSolar, domain.TableAgricultural, domain.TableMarineWind}

// Store is the document load target.
type Store struct {
	db     *mongo.Database
	logger *slog.Logger
}

// Connect dials MongoDB. Credentials are optional and override any in uri.
func Connect(ctx context.Context, uri, database, username, password string, logger *slog.Logger) (*Store, error) {
	opts := options.Client().ApplyURI(uri)
	if username != "" {
		opts.SetAuth(options.Credential{Username: username, Password: password})
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, NewError(fmt.Errorf("connect: %w", err))
	}
	return New(client.Database(database), logger), nil
}

// New wraps an existing database handle.
func New(db *mongo.Database, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Name implements the loader's store contract.
func (s *Store) Name() string { return StoreName }

// EnsureIndexes creates the unique time index on every collection.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	for _, table := range collectionOrder {
		_, err := s.db.Collection(Collections[table]).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: domain.ColTime, Value: 1}},
			Options: options.Index().SetUnique(true).SetName(timeIndexName),
		})
		if err != nil {
			return NewError(fmt.Errorf("create index on %s: %w", Collections[table], err))
		}
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return NewError(s.db.Client().Ping(ctx, readpref.Primary()))
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

// Load upserts every row of the partition by replacing the document with the
// same time. The partition and the collections' time indexes are checked
// before any write, so a schema error means nothing was written. A failure
// after the first write is reported as a non-retryable integrity error; the
// earlier documents stay and a reload repairs them.
func (s *Store) Load(ctx context.Context, p domain.Partition) error {
	if err := p.Validate(); err != nil {
		return domain.NewStoreError(StoreName, domain.KindSchema, false, err)
	}
	if err := validateValues(p); err != nil {
		return domain.NewStoreError(StoreName, domain.KindSchema, false, err)
	}
	if p.Len() == 0 {
		return nil
	}

	if err := s.checkIndexes(ctx); err != nil {
		return err
	}

	start := time.Now()
	docs := map[string][]any{
		domain.TableFact:         toDocs(p.Fact),
		domain.TableSolar:        toDocs(p.Solar),
		domain.TableAgricultural: toDocs(p.Agricultural),
		domain.TableMarineWind:   toDocs(p.MarineWind),
	}
	keys := make([]time.Time, p.Len())
	for i, f := range p.Fact {
		keys[i] = f.Time
	}

	var wrote bool
	for _, table := range collectionOrder {
		n, err := s.replaceAll(ctx, Collections[table], keys, docs[table])
		wrote = wrote || n > 0
		if err != nil {
			return writeError(Collections[table], wrote, err)
		}
	}

	s.logger.Debug("document load complete", "rows", p.Len(), "duration", time.Since(start))
	return nil
}

// checkIndexes fails with a schema error unless every collection exists and
// carries the unique time index.
func (s *Store) checkIndexes(ctx context.Context) error {
	for _, table := range collectionOrder {
		name := Collections[table]
		specs, err := s.db.Collection(name).Indexes().ListSpecifications(ctx)
		if err != nil {
			return NewError(fmt.Errorf("list indexes of %s: %w", name, err))
		}
		ok := slices.ContainsFunc(specs, func(spec *mongo.IndexSpecification) bool {
			return spec.Name == timeIndexName && spec.Unique != nil && *spec.Unique
		})
		if !ok {
			return domain.NewStoreError(StoreName, domain.KindSchema, false,
				fmt.Errorf("collection %s has no unique %s index", name, timeIndexName))
		}
	}
	return nil
}

// writeError classifies a failed upsert. Once any document has been written
// a schema rejection no longer means the store is untouched, so it is
// reported as a partial write.
func writeError(collection string, wrote bool, err error) error {
	err = NewError(fmt.Errorf("upsert %s: %w", collection, err))
	var se *domain.StoreError
	if wrote && errors.As(err, &se) && se.Kind == domain.KindSchema {
		return domain.NewStoreError(StoreName, domain.KindIntegrity, false,
			fmt.Errorf("partial write: %w", se.Err))
	}
	return err
}

// replaceAll upserts docs in batches and returns how many documents the
// server reports as matched or upserted, including those of a failed batch.
func (s *Store) replaceAll(ctx context.Context, collection string, keys []time.Time, docs []any) (int64, error) {
	coll := s.db.Collection(collection)
	var n int64
	for lo := 0; lo < len(docs); lo += writeBatch {
		hi := min(lo+writeBatch, len(docs))
		models := make([]mongo.WriteModel, 0, hi-lo)
		for i := lo; i < hi; i++ {
			models = append(models, mongo.NewReplaceOneModel().
				SetFilter(bson.D{{Key: domain.ColTime, Value: keys[i]}}).
				SetReplacement(docs[i]).
				SetUpsert(true))
		}
		res, err := coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
		if err != nil {
			if res != nil {
				n += res.MatchedCount + res.UpsertedCount
			}
			return n, err
		}
		n += int64(hi - lo)
	}
	return n, nil
}

func toDocs[T any](rows []T) []any {
	docs := make([]any, len(rows))
	for i, r := range rows {
		docs[i] = r
	}
	return docs
}

// validateValues rejects non-finite measurements, which would be stored
// but break downstream aggregation.
func validateValues(p domain.Partition) error {
	for i, f := range p.Fact {
		v := reflect.ValueOf(f)
		for j := 0; j < v.NumField(); j++ {
			fv := v.Field(j)
			if fv.Kind() != reflect.Float64 {
				continue
			}
			if x := fv.Float(); math.IsNaN(x) || math.IsInf(x, 0) {
				return fmt.Errorf("row %d (%s): %s is not finite",
					i, f.Time.Format(time.RFC3339), v.Type().Field(j).Name)
			}
		}
	}
	return nil
}

// Keys returns the stored keys of a logical table within [from, to], ascending.
func (s *Store) Keys(ctx context.Context, table string, from, to time.Time) ([]time.Time, error) {
	name, ok := Collections[table]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	cur, err := s.db.Collection(name).Find(ctx, timeFilter(from, to),
		options.Find().
			SetProjection(bson.D{{Key: domain.ColTime, Value: 1}, {Key: "_id", Value: 0}}).
			SetSort(bson.D{{Key: domain.ColTime, Value: 1}}))
	if err != nil {
		return nil, NewError(err)
	}
	defer cur.Close(ctx) //nolint:errcheck // read-only cursor

	var keys []time.Time
	for cur.Next(ctx) {
		var doc struct {
			Time time.Time `bson:"time"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, NewError(err)
		}
		keys = append(keys, doc.Time.UTC())
	}
	return keys, NewError(cur.Err())
}

// Facts returns the stored fact documents within [from, to], ascending.
func (s *Store) Facts(ctx context.Context, from, to time.Time) ([]domain.FactRecord, error) {
	cur, err := s.db.Collection(Collections[domain.TableFact]).Find(ctx, timeFilter(from, to),
		options.Find().SetSort(bson.D{{Key: domain.ColTime, Value: 1}}))
	if err != nil {
		return nil, NewError(err)
	}
	var out []domain.FactRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, NewError(err)
	}
	for i := range out {
		out[i].Time = out[i].Time.UTC()
	}
	return out, nil
}

func timeFilter(from, to time.Time) bson.D {
	return bson.D{{Key: domain.ColTime, Value: bson.D{
		{Key: "$gte", Value: from.UTC()},
		{Key: "$lte", Value: to.UTC()},
	}}}
}
