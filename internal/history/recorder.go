package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("history entry not found")
	ErrNoStore  = errors.New("no history store configured")
)

// Store is the persistence collaborator behind a history list. Implementations
// read and write the whole list; the Recorder owns ordering and the cap.
type Store interface {
	GetHistory(ctx context.Context, principal string) ([]Entry, error)
	SaveHistory(ctx context.Context, principal string, entries []Entry) error
}

// Recorder maintains capped, most-recent-first history lists. Mutations for
// the same principal are serialized; the guest list is a single key.
type Recorder struct {
	users Store
	guest Store
	limit int
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*principalLock

	observe func(op string, err error)
}

// NewRecorder builds a Recorder. users backs authenticated principals and
// guest backs the shared guest list; either may be nil, in which case
// operations on that side fail with ErrNoStore.
func NewRecorder(users, guest Store, limit int) *Recorder {
	if limit < 1 {
		limit = DefaultLimit
	}
	return &Recorder{
		users: users,
		guest: guest,
		limit: limit,
		now:   time.Now,
		locks: make(map[string]*principalLock),
	}
}

// SetObserver registers fn to be called after every mutation with the
// operation name and its error (nil on success).
func (r *Recorder) SetObserver(fn func(op string, err error)) {
	r.observe = fn
}

// Limit returns the per-list cap.
func (r *Recorder) Limit() int {
	return r.limit
}

// Record prepends a new entry built from s to the principal's list. An empty
// principal records into the guest list.
func (r *Recorder) Record(ctx context.Context, principal string, s Summary) (err error) {
	defer r.report("record", &err)

	entry := Entry{
		ID:              uuid.NewString(),
		FileName:        s.FileName,
		Code:            s.Code,
		ExitCode:        s.ExitCode,
		Language:        s.Language,
		ExecutionTimeMs: s.ExecutionTime.Milliseconds(),
		Timestamp:       r.now().UTC(),
	}

	return r.mutate(ctx, principal, func(entries []Entry) ([]Entry, error) {
		out := make([]Entry, 0, len(entries)+1)
		out = append(out, entry)
		out = append(out, entries...)
		if len(out) > r.limit {
			out = out[:r.limit]
		}
		return out, nil
	})
}

// List returns the principal's entries, most recent first.
func (r *Recorder) List(ctx context.Context, principal string) ([]Entry, error) {
	store, err := r.storeFor(principal)
	if err != nil {
		return nil, err
	}
	entries, err := store.GetHistory(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// Delete removes the entry with the given id.
func (r *Recorder) Delete(ctx context.Context, principal, id string) (err error) {
	defer r.report("delete", &err)

	return r.mutate(ctx, principal, func(entries []Entry) ([]Entry, error) {
		for i, e := range entries {
			if e.ID == id {
				return append(entries[:i:i], entries[i+1:]...), nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	})
}

// Clear empties the principal's list.
func (r *Recorder) Clear(ctx context.Context, principal string) (err error) {
	defer r.report("clear", &err)

	return r.mutate(ctx, principal, func([]Entry) ([]Entry, error) {
		return []Entry{}, nil
	})
}

func (r *Recorder) mutate(ctx context.Context, principal string, fn func([]Entry) ([]Entry, error)) error {
	store, err := r.storeFor(principal)
	if err != nil {
		return err
	}

	unlock := r.lock(principal)
	defer unlock()

	entries, err := store.GetHistory(ctx, principal)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	updated, err := fn(entries)
	if err != nil {
		return err
	}
	if err := store.SaveHistory(ctx, principal, updated); err != nil {
		return fmt.Errorf("saving history: %w", err)
	}
	return nil
}

// principalLock serializes one principal's mutations. refs counts holders
// and waiters so the entry can be dropped once nobody uses it.
type principalLock struct {
	sync.Mutex
	refs int
}

func (r *Recorder) lock(principal string) func() {
	r.mu.Lock()
	l, ok := r.locks[principal]
	if !ok {
		l = &principalLock{}
		r.locks[principal] = l
	}
	l.refs++
	r.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()

		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, principal)
		}
		r.mu.Unlock()
	}
}

func (r *Recorder) storeFor(principal string) (Store, error) {
	s := r.users
	if principal == "" {
		s = r.guest
	}
	if s == nil {
		return nil, ErrNoStore
	}
	return s, nil
}

func (r *Recorder) report(op string, err *error) {
	if r.observe != nil {
		r.observe(op, *err)
	}
}
