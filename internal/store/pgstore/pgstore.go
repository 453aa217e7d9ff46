// Package pgstore implements the document-store contract on Postgres:
// one jsonb table for all collections, with a trigger publishing change
// events over LISTEN/NOTIFY so the stream also observes mutations made by
// other processes sharing the database.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/sgrodzki/InvestSync/internal/store"
)

const notifyChannel = "investsync_changes"

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection text NOT NULL,
	id         text NOT NULL,
	doc        jsonb NOT NULL,
	version    bigint NOT NULL DEFAULT 1,
	updated_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, id)
);

CREATE OR REPLACE FUNCTION investsync_notify() RETURNS trigger AS $$
DECLARE
	change jsonb;
BEGIN
	IF TG_OP = 'DELETE' THEN
		change := jsonb_build_object('type', 'removed', 'collection', OLD.collection, 'id', OLD.id);
	ELSIF TG_OP = 'INSERT' THEN
		change := jsonb_build_object('type', 'added', 'collection', NEW.collection, 'id', NEW.id);
	ELSE
		change := jsonb_build_object('type', 'modified', 'collection', NEW.collection, 'id', NEW.id);
	END IF;
	PERFORM pg_notify('` + notifyChannel + `', change::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS documents_notify ON documents;
CREATE TRIGGER documents_notify
	AFTER INSERT OR UPDATE OR DELETE ON documents
	FOR EACH ROW EXECUTE FUNCTION investsync_notify();
`

type Store struct {
	pool    *pgxpool.Pool
	connStr string
	log     *logrus.Logger
}

// New connects, verifies the connection and bootstraps the schema.
func New(ctx context.Context, connStr string, log *logrus.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("could not open connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not connect to the database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not bootstrap schema: %w", err)
	}
	return &Store{pool: pool, connStr: connStr, log: log}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Get(ctx context.Context, collection, id string, dst any) error {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM documents WHERE collection = $1 AND id = $2`,
		collection, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func (s *Store) Set(ctx context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents (collection, id, doc)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO UPDATE
		SET doc = EXCLUDED.doc, version = documents.version + 1, updated_at = now()`,
		collection, id, raw)
	return err
}

func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return s.UpdateIf(ctx, collection, id, fields)
}

func (s *Store) UpdateIf(ctx context.Context, collection, id string, fields map[string]any, conds ...store.Cond) error {
	patch, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	guard, err := condsToContainment(conds)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET doc = doc || $3::jsonb, version = version + 1, updated_at = now()
		WHERE collection = $1 AND id = $2 AND doc @> $4::jsonb`,
		collection, id, patch, guard)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM documents WHERE collection = $1 AND id = $2)`,
			collection, id).Scan(&exists)
		if err != nil {
			return err
		}
		if exists {
			return store.ErrPreconditionFailed
		}
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Query(ctx context.Context, collection string, conds []store.Cond, dst any) error {
	guard, err := condsToContainment(conds)
	if err != nil {
		return err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM documents WHERE collection = $1 AND doc @> $2::jsonb`,
		collection, guard)
	if err != nil {
		return err
	}
	defer rows.Close()

	matches := []json.RawMessage{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		matches = append(matches, raw)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	arr, err := json.Marshal(matches)
	if err != nil {
		return err
	}
	return json.Unmarshal(arr, dst)
}

func (s *Store) ArrayAppend(ctx context.Context, collection, id, field string, values ...any) error {
	arr, err := json.Marshal(values)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET doc = jsonb_set(doc, $3::text[], COALESCE(doc->$4, '[]'::jsonb) || $5::jsonb, true),
		    version = version + 1, updated_at = now()
		WHERE collection = $1 AND id = $2`,
		collection, id, []string{field}, field, arr)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Watch holds a dedicated listening connection. Notification payloads carry
// only (type, collection, id); the document body is fetched afterwards, so a
// consumer always observes a state at least as new as the change itself.
func (s *Store) Watch(ctx context.Context, collection string) (<-chan store.ChangeEvent, error) {
	conn, err := pgx.Connect(ctx, s.connStr)
	if err != nil {
		return nil, fmt.Errorf("could not open listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("could not listen on %s: %w", notifyChannel, err)
	}

	ch := make(chan store.ChangeEvent, 64)
	go func() {
		defer close(ch)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			conn.Close(closeCtx)
		}()
		for {
			notification, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.WithError(err).Error("change stream interrupted")
				}
				return
			}
			var change struct {
				Type       store.ChangeType `json:"type"`
				Collection string           `json:"collection"`
				ID         string           `json:"id"`
			}
			if err := json.Unmarshal([]byte(notification.Payload), &change); err != nil {
				s.log.WithError(err).Warn("dropping malformed change notification")
				continue
			}
			if change.Collection != collection {
				continue
			}
			ev := store.ChangeEvent{Type: change.Type, Collection: change.Collection, ID: change.ID}
			if change.Type != store.ChangeRemoved {
				var raw json.RawMessage
				if err := s.Get(ctx, change.Collection, change.ID, &raw); err != nil {
					if !errors.Is(err, store.ErrNotFound) {
						s.log.WithError(err).Warn("could not load changed document")
					}
					continue
				}
				ev.Doc = raw
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// condsToContainment renders equality conditions as a jsonb containment
// object. No conditions yields {}, which every document contains.
func condsToContainment(conds []store.Cond) ([]byte, error) {
	obj := make(map[string]any, len(conds))
	for _, c := range conds {
		obj[c.Field] = c.Value
	}
	return json.Marshal(obj)
}
