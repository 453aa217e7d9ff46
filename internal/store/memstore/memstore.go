// Package memstore is an in-memory implementation of the store contract.
// It backs the unit tests and the zero-configuration development mode.
// Documents are kept as normalized JSON, so reads never alias writer memory.
package memstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sgrodzki/InvestSync/internal/store"
)

const watchBuffer = 256

type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]json.RawMessage
	watchers    map[string][]chan store.ChangeEvent
}

func New() *Store {
	return &Store{
		collections: make(map[string]map[string]json.RawMessage),
		watchers:    make(map[string][]chan store.ChangeEvent),
	}
}

func normalize(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("could not marshal value: %w", err)
	}
	return raw, nil
}

func (s *Store) Get(ctx context.Context, collection, id string, dst any) error {
	s.mu.Lock()
	raw, ok := s.collections[collection][id]
	s.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}
	return json.Unmarshal(raw, dst)
}

func (s *Store) Set(ctx context.Context, collection, id string, doc any) error {
	raw, err := normalize(doc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]json.RawMessage)
		s.collections[collection] = coll
	}
	changeType := store.ChangeAdded
	if _, exists := coll[id]; exists {
		changeType = store.ChangeModified
	}
	coll[id] = raw
	s.emitLocked(store.ChangeEvent{Type: changeType, Collection: collection, ID: id, Doc: raw})
	return nil
}

func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return s.UpdateIf(ctx, collection, id, fields)
}

func (s *Store) UpdateIf(ctx context.Context, collection, id string, fields map[string]any, conds ...store.Cond) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.collections[collection][id]
	if !ok {
		return store.ErrNotFound
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("corrupt document %s/%s: %w", collection, id, err)
	}

	for _, cond := range conds {
		want, err := normalize(cond.Value)
		if err != nil {
			return err
		}
		if !bytes.Equal(doc[cond.Field], want) {
			return store.ErrPreconditionFailed
		}
	}

	for field, value := range fields {
		fieldRaw, err := normalize(value)
		if err != nil {
			return err
		}
		doc[field] = fieldRaw
	}

	merged, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	s.collections[collection][id] = merged
	s.emitLocked(store.ChangeEvent{Type: store.ChangeModified, Collection: collection, ID: id, Doc: merged})
	return nil
}

func (s *Store) Query(ctx context.Context, collection string, conds []store.Cond, dst any) error {
	s.mu.Lock()
	var matches []json.RawMessage
	for _, raw := range s.collections[collection] {
		ok, err := s.matches(raw, conds)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		if ok {
			matches = append(matches, raw)
		}
	}
	s.mu.Unlock()

	if matches == nil {
		matches = []json.RawMessage{}
	}
	arr, err := json.Marshal(matches)
	if err != nil {
		return err
	}
	return json.Unmarshal(arr, dst)
}

func (s *Store) matches(raw json.RawMessage, conds []store.Cond) (bool, error) {
	if len(conds) == 0 {
		return true, nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, err
	}
	for _, cond := range conds {
		want, err := normalize(cond.Value)
		if err != nil {
			return false, err
		}
		if !bytes.Equal(doc[cond.Field], want) {
			return false, nil
		}
	}
	return true, nil
}

func (s *Store) ArrayAppend(ctx context.Context, collection, id, field string, values ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.collections[collection][id]
	if !ok {
		return store.ErrNotFound
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("corrupt document %s/%s: %w", collection, id, err)
	}

	var arr []json.RawMessage
	if existing, ok := doc[field]; ok && len(existing) > 0 && string(existing) != "null" {
		if err := json.Unmarshal(existing, &arr); err != nil {
			return fmt.Errorf("field %q is not an array: %w", field, err)
		}
	}
	for _, v := range values {
		elem, err := normalize(v)
		if err != nil {
			return err
		}
		arr = append(arr, elem)
	}

	arrRaw, err := json.Marshal(arr)
	if err != nil {
		return err
	}
	doc[field] = arrRaw

	merged, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	s.collections[collection][id] = merged
	s.emitLocked(store.ChangeEvent{Type: store.ChangeModified, Collection: collection, ID: id, Doc: merged})
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[collection][id]; !ok {
		return store.ErrNotFound
	}
	delete(s.collections[collection], id)
	s.emitLocked(store.ChangeEvent{Type: store.ChangeRemoved, Collection: collection, ID: id})
	return nil
}

func (s *Store) Watch(ctx context.Context, collection string) (<-chan store.ChangeEvent, error) {
	ch := make(chan store.ChangeEvent, watchBuffer)

	s.mu.Lock()
	s.watchers[collection] = append(s.watchers[collection], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		watchers := s.watchers[collection]
		for i, w := range watchers {
			if w == ch {
				s.watchers[collection] = append(watchers[:i], watchers[i+1:]...)
				close(ch)
				return
			}
		}
	}()

	return ch, nil
}

// emitLocked fans the event out to every watcher of the collection. Slow
// consumers whose buffer is full miss the event rather than block writers.
func (s *Store) emitLocked(ev store.ChangeEvent) {
	for _, ch := range s.watchers[ev.Collection] {
		select {
		case ch <- ev:
		default:
		}
	}
}
