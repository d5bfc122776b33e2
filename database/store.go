package database

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrStore marks persistence failures (store unreachable, write rejected)
	ErrStore = errors.New("store failure")
	// ErrNotFound is returned by FindOne when no document matches
	ErrNotFound = errors.New("document not found")
	// ErrDuplicate is returned when an insert violates a uniqueness rule
	ErrDuplicate = errors.New("duplicate document")
)

// IDField is the document identity key
const IDField = "_id"

// Op is a filter comparison operator
type Op string

const (
	OpEq  Op = "eq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
)

// Cond is a single field comparison
type Cond struct {
	Field string
	Op    Op
	Value any
}

// Filter is a conjunction of conditions. An empty filter matches everything.
type Filter []Cond

func Eq(field string, v any) Cond  { return Cond{Field: field, Op: OpEq, Value: v} }
func Gt(field string, v any) Cond  { return Cond{Field: field, Op: OpGt, Value: v} }
func Gte(field string, v any) Cond { return Cond{Field: field, Op: OpGte, Value: v} }
func Lt(field string, v any) Cond  { return Cond{Field: field, Op: OpLt, Value: v} }
func Lte(field string, v any) Cond { return Cond{Field: field, Op: OpLte, Value: v} }

// Where builds a filter from conditions
func Where(conds ...Cond) Filter {
	return Filter(conds)
}

// Set is a partial document merged into the matched document by UpdateOne
type Set map[string]any

// Store is the document store consumed by the pipeline. It only relies on
// equality/range filters and atomic single-document updates.
type Store interface {
	// InsertMany appends all documents or none.
	InsertMany(ctx context.Context, collection string, docs []any) error
	// FindMany returns up to limit matching documents ordered by _id.
	FindMany(ctx context.Context, collection string, filter Filter, limit int) ([]json.RawMessage, error)
	// FindOne returns the first matching document or ErrNotFound.
	FindOne(ctx context.Context, collection string, filter Filter) (json.RawMessage, error)
	// UpdateOne atomically applies set to one matching document and reports
	// whether a document matched.
	UpdateOne(ctx context.Context, collection string, filter Filter, set Set) (bool, error)
	Close() error
}

// NewID returns a fresh document identity. IDs are UUIDv7 so their string
// order follows creation order.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// toDocument marshals v into a JSON object and makes sure it carries an _id
func toDocument(v any) (map[string]any, string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, "", err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, "", err
	}
	id, _ := doc[IDField].(string)
	if id == "" {
		id = NewID()
		doc[IDField] = id
	}
	return doc, id, nil
}

// normalize converts a Go value into its JSON representation so it compares
// the same way as stored document fields.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
