package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

var fieldName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PostgresStore keeps every collection in a single JSONB documents table
type PostgresStore struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for the postgres store")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to database: %w", ErrStore, err)
	}

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %w", ErrStore, err)
	}

	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &PostgresStore{db: db}, nil
}

// CreateTables creates the documents table and its indexes if they don't exist
func (s *PostgresStore) CreateTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			body JSONB NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (collection, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_body ON documents USING GIN (body jsonb_path_ops)`,
	}

	for _, rule := range uniqueRules {
		cols := make([]string, len(rule.Fields))
		for i, f := range rule.Fields {
			cols[i] = fmt.Sprintf("(body->>'%s')", f)
		}
		where := []string{fmt.Sprintf("collection = '%s'", rule.Collection)}
		for _, c := range rule.Where {
			raw, err := json.Marshal(c.Value)
			if err != nil {
				return err
			}
			where = append(where, fmt.Sprintf("body->'%s' = '%s'::jsonb", c.Field, raw))
		}
		queries = append(queries, fmt.Sprintf(
			`CREATE UNIQUE INDEX IF NOT EXISTS %s ON documents (%s) WHERE %s`,
			rule.Name, strings.Join(cols, ", "), strings.Join(where, " AND ")))
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("%w: failed to create table: %w", ErrStore, err)
		}
	}

	return nil
}

// InsertMany inserts all docs in one transaction
func (s *PostgresStore) InsertMany(ctx context.Context, collection string, docs []any) error {
	if len(docs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin insert into %s: %w", ErrStore, collection, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO documents (collection, id, body) VALUES ($1, $2, $3)`)
	if err != nil {
		return fmt.Errorf("%w: prepare insert into %s: %w", ErrStore, collection, err)
	}
	defer stmt.Close()

	for _, d := range docs {
		doc, id, err := toDocument(d)
		if err != nil {
			return fmt.Errorf("%w: encode document: %w", ErrStore, err)
		}
		body, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("%w: encode document: %w", ErrStore, err)
		}
		if _, err := stmt.ExecContext(ctx, collection, id, body); err != nil {
			return translate(collection, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return translate(collection, err)
	}
	return nil
}

// FindMany returns up to limit documents matching filter ordered by id
func (s *PostgresStore) FindMany(ctx context.Context, collection string, filter Filter, limit int) ([]json.RawMessage, error) {
	where, args, err := buildWhere(collection, filter)
	if err != nil {
		return nil, err
	}

	query := `SELECT body FROM documents WHERE ` + where + ` ORDER BY id COLLATE "C"`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %w", ErrStore, collection, err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("%w: scan %s: %w", ErrStore, collection, err)
		}
		out = append(out, json.RawMessage(body))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate %s: %w", ErrStore, collection, err)
	}
	return out, nil
}

// FindOne returns the first matching document
func (s *PostgresStore) FindOne(ctx context.Context, collection string, filter Filter) (json.RawMessage, error) {
	docs, err := s.FindMany(ctx, collection, filter, 1)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

// UpdateOne merges set into the first matching document. The filter is
// re-evaluated under the row lock so concurrent conditional updates of the
// same document cannot both succeed.
func (s *PostgresStore) UpdateOne(ctx context.Context, collection string, filter Filter, set Set) (bool, error) {
	where, args, err := buildWhere(collection, filter)
	if err != nil {
		return false, err
	}
	for k := range set {
		if !fieldName.MatchString(k) {
			return false, fmt.Errorf("%w: invalid field name %q", ErrStore, k)
		}
	}

	patch, err := json.Marshal(set)
	if err != nil {
		return false, fmt.Errorf("%w: encode update: %w", ErrStore, err)
	}
	args = append(args, patch)

	query := fmt.Sprintf(`UPDATE documents SET body = body || $%d::jsonb
		WHERE collection = $1 AND id = (
			SELECT id FROM documents WHERE %s ORDER BY id COLLATE "C" LIMIT 1 FOR UPDATE
		) AND %s`, len(args), where, where)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, translate(collection, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: update %s: %w", ErrStore, collection, err)
	}
	return n > 0, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// buildWhere renders filter as SQL. $1 is always the collection.
func buildWhere(collection string, filter Filter) (string, []any, error) {
	clauses := []string{"collection = $1"}
	args := []any{collection}

	for _, c := range filter {
		if !fieldName.MatchString(c.Field) {
			return "", nil, fmt.Errorf("%w: invalid field name %q", ErrStore, c.Field)
		}

		if c.Op == OpEq {
			if c.Field == IDField {
				args = append(args, fmt.Sprint(c.Value))
				clauses = append(clauses, fmt.Sprintf("id = $%d", len(args)))
				continue
			}
			raw, err := json.Marshal(c.Value)
			if err != nil {
				return "", nil, fmt.Errorf("%w: encode filter: %w", ErrStore, err)
			}
			args = append(args, string(raw))
			if string(raw) == "null" {
				// a missing field compares equal to null
				clauses = append(clauses, fmt.Sprintf("COALESCE(body->'%s', 'null'::jsonb) = $%d::jsonb", c.Field, len(args)))
			} else {
				clauses = append(clauses, fmt.Sprintf("body->'%s' = $%d::jsonb", c.Field, len(args)))
			}
			continue
		}

		op, ok := sqlOps[c.Op]
		if !ok {
			return "", nil, fmt.Errorf("%w: unsupported operator %q", ErrStore, c.Op)
		}

		lhs := fmt.Sprintf("(body->>'%s')", c.Field)
		if c.Field == IDField {
			lhs = "id"
		}

		switch v := c.Value.(type) {
		case time.Time:
			args = append(args, v)
			clauses = append(clauses, fmt.Sprintf("%s::timestamptz %s $%d::timestamptz", lhs, op, len(args)))
		case *time.Time:
			if v == nil {
				return "", nil, fmt.Errorf("%w: nil time in range filter on %s", ErrStore, c.Field)
			}
			args = append(args, *v)
			clauses = append(clauses, fmt.Sprintf("%s::timestamptz %s $%d::timestamptz", lhs, op, len(args)))
		case decimal.Decimal:
			args = append(args, v.String())
			clauses = append(clauses, fmt.Sprintf("%s::numeric %s $%d::numeric", lhs, op, len(args)))
		case int, int64, float64:
			args = append(args, fmt.Sprint(v))
			clauses = append(clauses, fmt.Sprintf("%s::numeric %s $%d::numeric", lhs, op, len(args)))
		case string:
			args = append(args, v)
			clauses = append(clauses, fmt.Sprintf(`%s COLLATE "C" %s $%d`, lhs, op, len(args)))
		default:
			return "", nil, fmt.Errorf("%w: unsupported range value %T on %s", ErrStore, c.Value, c.Field)
		}
	}

	return strings.Join(clauses, " AND "), args, nil
}

var sqlOps = map[Op]string{
	OpGt:  ">",
	OpGte: ">=",
	OpLt:  "<",
	OpLte: "<=",
}

func translate(collection string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s: %s", ErrDuplicate, collection, pqErr.Constraint)
	}
	return fmt.Errorf("%w: write %s: %w", ErrStore, collection, err)
}
