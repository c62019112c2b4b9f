// Package memorystore provides an in-process remote.Store used by tests and
// by the demo deployment profile.
package memorystore

import (
	"context"
	"sort"
	"sync"

	"github.com/haulware/docsync/internal/remote"
)

// Store keeps documents in process memory and fans change notifications
// out to registered watchers.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]any
	watchers    map[string]map[int64]*watcher
	nextWatchID int64

	watchDisabled bool

	// Failure injection for tests. When set, the matching operation returns
	// the error instead of touching state.
	failGet    error
	failSet    error
	failDelete error
	failQuery  error

	setCalls    int
	getCalls    int
	deleteCalls int
	queryCalls  int
}

type watcher struct {
	id         int64
	collection string
	filters    []remote.Filter
	onNext     func([]remote.Snapshot)
	onError    func(error)
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		collections: make(map[string]map[string]map[string]any),
		watchers:    make(map[string]map[int64]*watcher),
	}
}

// GetDoc implements remote.Store.
func (s *Store) GetDoc(_ context.Context, collection, id string) (map[string]any, bool, error) {
	s.mu.Lock()
	s.getCalls++
	failure := s.failGet
	s.mu.Unlock()
	if failure != nil {
		return nil, false, failure
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	docs, ok := s.collections[collection]
	if !ok {
		return nil, false, nil
	}
	fields, ok := docs[id]
	if !ok {
		return nil, false, nil
	}
	return copyFields(fields), true, nil
}

// SetDoc implements remote.Store.
func (s *Store) SetDoc(_ context.Context, collection, id string, fields map[string]any, merge bool) error {
	s.mu.Lock()
	s.setCalls++
	if s.failSet != nil {
		failure := s.failSet
		s.mu.Unlock()
		return failure
	}
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]map[string]any)
		s.collections[collection] = docs
	}
	if merge {
		existing, ok := docs[id]
		if !ok {
			existing = make(map[string]any)
		}
		merged := copyFields(existing)
		for key, value := range fields {
			merged[key] = value
		}
		docs[id] = merged
	} else {
		docs[id] = copyFields(fields)
	}
	s.mu.Unlock()

	s.notify(collection)
	return nil
}

// DeleteDoc implements remote.Store.
func (s *Store) DeleteDoc(_ context.Context, collection, id string) error {
	s.mu.Lock()
	s.deleteCalls++
	if s.failDelete != nil {
		failure := s.failDelete
		s.mu.Unlock()
		return failure
	}
	if docs, ok := s.collections[collection]; ok {
		delete(docs, id)
	}
	s.mu.Unlock()

	s.notify(collection)
	return nil
}

// GetDocs implements remote.Store.
func (s *Store) GetDocs(_ context.Context, collection string, filters []remote.Filter, limit int) ([]remote.Snapshot, error) {
	s.mu.Lock()
	s.queryCalls++
	failure := s.failQuery
	s.mu.Unlock()
	if failure != nil {
		return nil, failure
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(collection, filters, limit), nil
}

// Watch implements remote.Store. Every registered watcher receives the full
// matching document set after each write to its collection.
func (s *Store) Watch(_ context.Context, collection string, filters []remote.Filter, onNext func([]remote.Snapshot), onError func(error)) (func(), error) {
	s.mu.Lock()
	if s.watchDisabled {
		s.mu.Unlock()
		return nil, remote.ErrWatchUnsupported
	}
	s.nextWatchID++
	registered := &watcher{
		id:         s.nextWatchID,
		collection: collection,
		filters:    filters,
		onNext:     onNext,
		onError:    onError,
	}
	if _, ok := s.watchers[collection]; !ok {
		s.watchers[collection] = make(map[int64]*watcher)
	}
	s.watchers[collection][registered.id] = registered
	initial := s.snapshotLocked(collection, filters, 0)
	s.mu.Unlock()

	onNext(initial)

	cancel := func() {
		s.mu.Lock()
		if group, ok := s.watchers[collection]; ok {
			delete(group, registered.id)
			if len(group) == 0 {
				delete(s.watchers, collection)
			}
		}
		s.mu.Unlock()
	}
	return cancel, nil
}

func (s *Store) notify(collection string) {
	s.mu.RLock()
	group := s.watchers[collection]
	pending := make([]*watcher, 0, len(group))
	for _, registered := range group {
		pending = append(pending, registered)
	}
	snapshots := make(map[int64][]remote.Snapshot, len(pending))
	for _, registered := range pending {
		snapshots[registered.id] = s.snapshotLocked(collection, registered.filters, 0)
	}
	s.mu.RUnlock()

	for _, registered := range pending {
		registered.onNext(snapshots[registered.id])
	}
}

func (s *Store) snapshotLocked(collection string, filters []remote.Filter, limit int) []remote.Snapshot {
	docs := s.collections[collection]
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	results := make([]remote.Snapshot, 0, len(ids))
	for _, id := range ids {
		fields := docs[id]
		if !remote.MatchesFilters(fields, filters) {
			continue
		}
		results = append(results, remote.Snapshot{ID: id, Fields: copyFields(fields)})
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results
}

// FailNextWrites makes SetDoc return the provided error until cleared with nil.
func (s *Store) FailNextWrites(err error) {
	s.mu.Lock()
	s.failSet = err
	s.mu.Unlock()
}

// FailNextReads makes GetDoc return the provided error until cleared with nil.
func (s *Store) FailNextReads(err error) {
	s.mu.Lock()
	s.failGet = err
	s.mu.Unlock()
}

// FailNextQueries makes GetDocs return the provided error until cleared with nil.
func (s *Store) FailNextQueries(err error) {
	s.mu.Lock()
	s.failQuery = err
	s.mu.Unlock()
}

// FailNextDeletes makes DeleteDoc return the provided error until cleared with nil.
func (s *Store) FailNextDeletes(err error) {
	s.mu.Lock()
	s.failDelete = err
	s.mu.Unlock()
}

// DisableWatch makes Watch report ErrWatchUnsupported.
func (s *Store) DisableWatch() {
	s.mu.Lock()
	s.watchDisabled = true
	s.mu.Unlock()
}

// SetCalls returns the number of SetDoc invocations, including failed ones.
func (s *Store) SetCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.setCalls
}

// QueryCalls returns the number of GetDocs invocations.
func (s *Store) QueryCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryCalls
}

// DeleteCalls returns the number of DeleteDoc invocations.
func (s *Store) DeleteCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deleteCalls
}

// EmitError delivers an error to every watcher of the collection, simulating a
// mid-stream failure.
func (s *Store) EmitError(collection string, err error) {
	s.mu.RLock()
	group := s.watchers[collection]
	pending := make([]*watcher, 0, len(group))
	for _, registered := range group {
		pending = append(pending, registered)
	}
	s.mu.RUnlock()
	for _, registered := range pending {
		if registered.onError != nil {
			registered.onError(err)
		}
	}
}

func copyFields(fields map[string]any) map[string]any {
	duplicate := make(map[string]any, len(fields))
	for key, value := range fields {
		duplicate[key] = value
	}
	return duplicate
}
