/*
Package lock provides per-key critical sections.

PURPOSE:
  Allocation against one purchase entry must be serialized. The storage
  transaction already guarantees this; the locker adds a critical section
  in front of it so that competing requests for the same entry queue up in
  the application instead of piling onto one database row.

IMPLEMENTATIONS:
  Keyed: in-process, one slot per key, honours context cancellation
  Redis: bsm/redislock, for several service instances sharing one database

USAGE:
  release, err := locker.Lock(ctx, "entry:"+id)
  if err != nil {
      return err
  }
  defer release()

SEE ALSO:
  - stock/ledger.go: takes a lock per entry before each allocation
*/
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrNotObtained is returned when the lock could not be taken before the
// context ended or the wait budget ran out.
var ErrNotObtained = errors.New("lock not obtained")

// Locker hands out exclusive critical sections by key.
type Locker interface {
	// Lock blocks until the key is free or ctx is done. The returned
	// release function must be called exactly once.
	Lock(ctx context.Context, key string) (release func(), err error)
}

// =============================================================================
// KEYED - In-process keyed mutex
// =============================================================================

type Keyed struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{slots: make(map[string]*slot)}
}

func (k *Keyed) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		k.drop(key, s)
		return nil, errors.Join(ErrNotObtained, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			k.drop(key, s)
		})
	}, nil
}

// drop releases one reference and forgets the slot when nobody holds or
// waits for it.
func (k *Keyed) drop(key string, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}

// Len reports how many keys are currently held or waited on.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}

// Nop never blocks. Useful when the store alone serializes writers.
type Nop struct{}

func (Nop) Lock(context.Context, string) (func(), error) { return func() {}, nil }
