package database

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Store used for local runs and tests
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]map[string]map[string]any
	closed      bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string]map[string]any)}
}

func (m *MemoryStore) InsertMany(ctx context.Context, collection string, docs []any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: insert into %s: %w", ErrStore, collection, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: store closed", ErrStore)
	}

	coll := m.collections[collection]
	staged := make(map[string]map[string]any, len(docs))
	for _, d := range docs {
		doc, id, err := toDocument(d)
		if err != nil {
			return fmt.Errorf("%w: encode document: %w", ErrStore, err)
		}
		if _, exists := coll[id]; exists {
			return fmt.Errorf("%w: %s: id %s", ErrDuplicate, collection, id)
		}
		if _, exists := staged[id]; exists {
			return fmt.Errorf("%w: %s: id %s", ErrDuplicate, collection, id)
		}
		if err := m.checkUnique(collection, doc, staged); err != nil {
			return err
		}
		staged[id] = doc
	}

	if coll == nil {
		coll = make(map[string]map[string]any)
		m.collections[collection] = coll
	}
	for id, doc := range staged {
		coll[id] = doc
	}
	return nil
}

func (m *MemoryStore) FindMany(ctx context.Context, collection string, filter Filter, limit int) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: query %s: %w", ErrStore, collection, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("%w: store closed", ErrStore)
	}

	ids, err := m.matching(collection, filter)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		raw, err := json.Marshal(m.collections[collection][id])
		if err != nil {
			return nil, fmt.Errorf("%w: encode %s: %w", ErrStore, id, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

func (m *MemoryStore) FindOne(ctx context.Context, collection string, filter Filter) (json.RawMessage, error) {
	docs, err := m.FindMany(ctx, collection, filter, 1)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

func (m *MemoryStore) UpdateOne(ctx context.Context, collection string, filter Filter, set Set) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: update %s: %w", ErrStore, collection, err)
	}

	patch, err := normalize(map[string]any(set))
	if err != nil {
		return false, fmt.Errorf("%w: encode update: %w", ErrStore, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, fmt.Errorf("%w: store closed", ErrStore)
	}

	ids, err := m.matching(collection, filter)
	if err != nil {
		return false, err
	}
	if len(ids) == 0 {
		return false, nil
	}

	current := m.collections[collection][ids[0]]
	updated := make(map[string]any, len(current))
	for k, v := range current {
		updated[k] = v
	}
	for k, v := range patch.(map[string]any) {
		updated[k] = v
	}

	others := make(map[string]map[string]any)
	for id, doc := range m.collections[collection] {
		if id != ids[0] {
			others[id] = doc
		}
	}
	if err := m.checkUniqueAgainst(collection, updated, others); err != nil {
		return false, err
	}

	m.collections[collection][ids[0]] = updated
	return true, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// matching returns the sorted ids of documents matching filter. Caller holds mu.
func (m *MemoryStore) matching(collection string, filter Filter) ([]string, error) {
	var ids []string
	for id, doc := range m.collections[collection] {
		ok, err := matches(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) checkUnique(collection string, doc map[string]any, staged map[string]map[string]any) error {
	all := make(map[string]map[string]any, len(staged)+len(m.collections[collection]))
	for id, d := range m.collections[collection] {
		all[id] = d
	}
	for id, d := range staged {
		all[id] = d
	}
	return m.checkUniqueAgainst(collection, doc, all)
}

func (m *MemoryStore) checkUniqueAgainst(collection string, doc map[string]any, others map[string]map[string]any) error {
	for _, rule := range uniqueRules {
		if rule.Collection != collection {
			continue
		}
		if ok, _ := matches(doc, rule.Where); !ok {
			continue
		}
		for _, other := range others {
			if ok, _ := matches(other, rule.Where); !ok {
				continue
			}
			same := true
			for _, f := range rule.Fields {
				if !reflect.DeepEqual(doc[f], other[f]) {
					same = false
					break
				}
			}
			if same {
				return fmt.Errorf("%w: %s: %s", ErrDuplicate, collection, rule.Name)
			}
		}
	}
	return nil
}

func matches(doc map[string]any, filter Filter) (bool, error) {
	for _, c := range filter {
		// a missing field compares equal to null
		got, present := doc[c.Field]

		if c.Op == OpEq {
			want, err := normalize(c.Value)
			if err != nil {
				return false, fmt.Errorf("%w: encode filter: %w", ErrStore, err)
			}
			if !reflect.DeepEqual(got, want) {
				return false, nil
			}
			continue
		}

		if !present {
			return false, nil
		}
		cmp, ok, err := compare(got, c.Value)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}

		var pass bool
		switch c.Op {
		case OpGt:
			pass = cmp > 0
		case OpGte:
			pass = cmp >= 0
		case OpLt:
			pass = cmp < 0
		case OpLte:
			pass = cmp <= 0
		default:
			return false, fmt.Errorf("%w: unsupported operator %q", ErrStore, c.Op)
		}
		if !pass {
			return false, nil
		}
	}
	return true, nil
}

// compare orders a stored JSON value against a filter value, interpreting the
// stored value by the filter value's Go type. ok is false when the stored
// value cannot be interpreted (null, wrong shape).
func compare(stored any, want any) (int, bool, error) {
	switch v := want.(type) {
	case *time.Time:
		if v == nil {
			return 0, false, fmt.Errorf("%w: nil time in range filter", ErrStore)
		}
		return compare(stored, *v)
	case time.Time:
		s, ok := stored.(string)
		if !ok {
			return 0, false, nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return 0, false, nil
		}
		return t.Compare(v), true, nil
	case decimal.Decimal:
		d, ok := storedDecimal(stored)
		if !ok {
			return 0, false, nil
		}
		return d.Cmp(v), true, nil
	case int:
		return compare(stored, decimal.NewFromInt(int64(v)))
	case int64:
		return compare(stored, decimal.NewFromInt(v))
	case float64:
		return compare(stored, decimal.NewFromFloat(v))
	case string:
		s, ok := stored.(string)
		if !ok {
			return 0, false, nil
		}
		return strings.Compare(s, v), true, nil
	default:
		return 0, false, fmt.Errorf("%w: unsupported range value %T", ErrStore, want)
	}
}

func storedDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), true
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	}
	return decimal.Decimal{}, false
}
