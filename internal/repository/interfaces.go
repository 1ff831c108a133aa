package repository

import (
	"context"
	"errors"
	"reflect"
	"strings"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrAlreadyExists = errors.New("document already exists")
)

// IDField in a Filter matches on the document id instead of a data field.
const IDField = "__id__"

// ServerTimestamp is replaced by the store's clock when written.
type ServerTimestamp struct{}

// Document is a stored record: its id plus the decoded fields.
type Document struct {
	ID   string
	Data map[string]any
}

// Filter is an exact-match equality on a single field.
type Filter struct {
	Field string
	Value any
}

type Query struct {
	Collection string
	Where      *Filter
}

// Where builds a filtered query.
func Where(collection, field string, value any) Query {
	return Query{Collection: collection, Where: &Filter{Field: field, Value: value}}
}

// ByID builds a query that matches one document.
func ByID(collection, id string) Query {
	return Where(collection, IDField, id)
}

// Matches reports whether doc satisfies the filter.
func (f *Filter) Matches(doc Document) bool {
	if f == nil {
		return true
	}
	if f.Field == IDField {
		return doc.ID == f.Value
	}
	return reflect.DeepEqual(doc.Data[f.Field], f.Value)
}

// SnapshotFunc receives the full result set of a query after every change.
type SnapshotFunc func(docs []Document)

// Subscription is a live query. Close stops delivery; a snapshot already in
// flight may still arrive.
type Subscription interface {
	Close() error
}

// TransformFunc computes a merge patch from the current document.
type TransformFunc func(current Document) (map[string]any, error)

// DocumentStore is the hosted document database the chat core runs on.
type DocumentStore interface {
	// Get returns nil, nil when the document does not exist.
	Get(ctx context.Context, collection, id string) (*Document, error)
	Find(ctx context.Context, q Query) ([]Document, error)
	// Add stores data under a store-assigned id.
	Add(ctx context.Context, collection string, data map[string]any) (string, error)
	// Create stores data under id, or fails with ErrAlreadyExists.
	Create(ctx context.Context, collection, id string, data map[string]any) error
	// Update merges patch into the top-level fields of the document.
	Update(ctx context.Context, collection, id string, patch map[string]any) error
	// Transform reads the document and merges fn's patch atomically.
	Transform(ctx context.Context, collection, id string, fn TransformFunc) error
	Delete(ctx context.Context, collection, id string) error
	Subscribe(ctx context.Context, q Query, fn SnapshotFunc) (Subscription, error)
}

// Collection names.
const (
	UsersCollection       = "users"
	ChannelsCollection    = "channels"
	MessagesCollection    = "messages"
	CredentialsCollection = "credentials"
	threadsSuffix         = "threads"
)

// ThreadsCollection is the reply sub-collection of a message.
func ThreadsCollection(parentID string) string {
	return MessagesCollection + "/" + parentID + "/" + threadsSuffix
}

// SplitPath splits a nested collection path "root/parent/sub" into a flat
// collection name "root_sub" and the parent id. Top-level paths return an
// empty parent.
func SplitPath(path string) (collection, parent string) {
	parts := strings.Split(path, "/")
	if len(parts) < 3 {
		return path, ""
	}
	names := []string{parts[0]}
	for i := 2; i < len(parts); i += 2 {
		names = append(names, parts[i])
	}
	parents := []string{}
	for i := 1; i < len(parts); i += 2 {
		parents = append(parents, parts[i])
	}
	return strings.Join(names, "_"), strings.Join(parents, "/")
}

// ResolveServerTimestamps returns a copy of data with every ServerTimestamp
// sentinel replaced by render().
func ResolveServerTimestamps(data map[string]any, render func() any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch tv := v.(type) {
		case ServerTimestamp, *ServerTimestamp:
			out[k] = render()
		case map[string]any:
			out[k] = ResolveServerTimestamps(tv, render)
		default:
			out[k] = v
		}
	}
	return out
}

// Merge applies a shallow merge patch to a copy of base.
func Merge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
