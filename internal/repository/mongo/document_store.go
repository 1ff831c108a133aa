// Package mongo implements the document store on MongoDB. Nested
// collection paths are flattened into one collection per path shape with a
// _parent field; live queries ride on change streams, which need a replica
// set.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/pulsesync/internal/repository"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	fieldID      = "_id"
	fieldParent  = "_parent"
	fieldCreated = "_created"
)

type DocumentStore struct {
	client *mongo.Client
	db     *mongo.Database
	log    *zap.Logger
	now    func() time.Time
}

func NewDocumentStore(client *mongo.Client, dbName string, logger *zap.Logger) *DocumentStore {
	return &DocumentStore{
		client: client,
		db:     client.Database(dbName),
		log:    logger,
		now:    time.Now,
	}
}

// EnsureIndexes creates the indexes the live queries filter on.
func (s *DocumentStore) EnsureIndexes(ctx context.Context) error {
	specs := map[string][]string{
		repository.MessagesCollection: {"channelId", fieldCreated},
		repository.ChannelsCollection: {"isPrivate"},
		repository.UsersCollection:    {"email"},
	}
	threads, _ := repository.SplitPath(repository.ThreadsCollection("x"))
	specs[threads] = []string{fieldParent, fieldCreated}

	for coll, fields := range specs {
		models := make([]mongo.IndexModel, 0, len(fields))
		for _, f := range fields {
			models = append(models, mongo.IndexModel{Keys: bson.D{{Key: f, Value: 1}}})
		}
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("creating indexes on %s: %w", coll, err)
		}
	}
	return nil
}

// target resolves a collection path to the flat collection and the filter
// that scopes it.
func (s *DocumentStore) target(path string) (*mongo.Collection, bson.M) {
	coll, parent := repository.SplitPath(path)
	scope := bson.M{}
	if parent != "" {
		scope[fieldParent] = parent
	}
	return s.db.Collection(coll), scope
}

func withID(scope bson.M, id string) bson.M {
	f := bson.M{fieldID: id}
	for k, v := range scope {
		f[k] = v
	}
	return f
}

func (s *DocumentStore) Get(ctx context.Context, path, id string) (*repository.Document, error) {
	coll, scope := s.target(path)
	var raw bson.M
	err := coll.FindOne(ctx, withID(scope, id)).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc := toDocument(raw)
	return &doc, nil
}

func (s *DocumentStore) Find(ctx context.Context, q repository.Query) ([]repository.Document, error) {
	coll, filter := s.target(q.Collection)
	if q.Where != nil {
		if q.Where.Field == repository.IDField {
			filter[fieldID] = q.Where.Value
		} else {
			filter[q.Where.Field] = q.Where.Value
		}
	}

	opts := options.Find().SetSort(bson.D{{Key: fieldCreated, Value: 1}, {Key: fieldID, Value: 1}})
	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	docs := []repository.Document{}
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, err
		}
		docs = append(docs, toDocument(raw))
	}
	return docs, cur.Err()
}

func (s *DocumentStore) Add(ctx context.Context, path string, data map[string]any) (string, error) {
	id := uuid.NewString()
	if err := s.Create(ctx, path, id, data); err != nil {
		return "", err
	}
	return id, nil
}

func (s *DocumentStore) Create(ctx context.Context, path, id string, data map[string]any) error {
	coll, scope := s.target(path)
	doc := bson.M{}
	for k, v := range s.resolve(data) {
		doc[k] = v
	}
	for k, v := range scope {
		doc[k] = v
	}
	doc[fieldID] = id
	doc[fieldCreated] = s.now().UTC()

	if _, err := coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%s/%s: %w", path, id, repository.ErrAlreadyExists)
		}
		return err
	}
	return nil
}

func (s *DocumentStore) Update(ctx context.Context, path, id string, patch map[string]any) error {
	coll, scope := s.target(path)
	res, err := coll.UpdateOne(ctx, withID(scope, id), bson.M{"$set": s.resolve(patch)})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s/%s: %w", path, id, repository.ErrNotFound)
	}
	return nil
}

// Transform runs the read-modify-write in a multi-document transaction.
func (s *DocumentStore) Transform(ctx context.Context, path, id string, fn repository.TransformFunc) error {
	coll, scope := s.target(path)

	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		var raw bson.M
		err := coll.FindOne(sc, withID(scope, id)).Decode(&raw)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s/%s: %w", path, id, repository.ErrNotFound)
		}
		if err != nil {
			return nil, err
		}

		patch, err := fn(toDocument(raw))
		if err != nil || len(patch) == 0 {
			return nil, err
		}
		_, err = coll.UpdateOne(sc, withID(scope, id), bson.M{"$set": s.resolve(patch)})
		return nil, err
	})
	return err
}

func (s *DocumentStore) Delete(ctx context.Context, path, id string) error {
	coll, scope := s.target(path)
	_, err := coll.DeleteOne(ctx, withID(scope, id))
	return err
}

// Subscribe opens a change stream on the backing collection and re-runs
// the query after every event.
func (s *DocumentStore) Subscribe(ctx context.Context, q repository.Query, fn repository.SnapshotFunc) (repository.Subscription, error) {
	coll, _ := s.target(q.Collection)

	ctx, cancel := context.WithCancel(ctx)
	cs, err := coll.Watch(ctx, mongo.Pipeline{})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watching %s: %w", coll.Name(), err)
	}

	sub := &subscription{cancel: cancel, wake: make(chan struct{}, 1)}
	sub.poke()

	go func() {
		defer cs.Close(context.Background())
		for cs.Next(ctx) {
			sub.poke()
		}
		if err := cs.Err(); err != nil && ctx.Err() == nil {
			s.log.Warn("change stream ended", zap.String("collection", q.Collection), zap.Error(err))
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.wake:
			}
			docs, err := s.Find(ctx, q)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warn("live query failed", zap.String("collection", q.Collection), zap.Error(err))
				continue
			}
			if ctx.Err() == nil {
				fn(docs)
			}
		}
	}()

	return sub, nil
}

type subscription struct {
	cancel context.CancelFunc
	wake   chan struct{}
	once   sync.Once
}

func (sub *subscription) poke() {
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscription) Close() error {
	sub.once.Do(sub.cancel)
	return nil
}

func (s *DocumentStore) resolve(data map[string]any) map[string]any {
	now := s.now().UTC()
	return repository.ResolveServerTimestamps(data, func() any { return now })
}

// toDocument strips the bookkeeping fields and converts driver container
// types to plain maps and slices.
func toDocument(raw bson.M) repository.Document {
	id, _ := raw[fieldID].(string)
	data := make(map[string]any, len(raw))
	for k, v := range raw {
		switch k {
		case fieldID, fieldParent, fieldCreated:
			continue
		}
		data[k] = normalize(v)
	}
	return repository.Document{ID: id, Data: data}
}

func normalize(v any) any {
	switch tv := v.(type) {
	case primitive.M:
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			out[k] = normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			out[k] = normalize(item)
		}
		return out
	case primitive.D:
		out := make(map[string]any, len(tv))
		for _, e := range tv {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case primitive.A:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = normalize(item)
		}
		return out
	case int32:
		return int64(tv)
	}
	return v
}
