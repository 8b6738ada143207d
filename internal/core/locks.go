package core

import "context"

// Locks serializes updates per key, typically "<repo>:<branch>", so pushes to
// unrelated branches never wait on each other.
//
// The key map itself is guarded by a one-slot channel. A holder of a key owns
// a channel in the map; waiters release the map, wait for that channel to be
// closed and then race for the key again.
type Locks struct {
	keys chan map[string]chan struct{}
}

// NewLocks returns an empty lock table.
func NewLocks() *Locks {
	l := &Locks{keys: make(chan map[string]chan struct{}, 1)}
	l.keys <- make(map[string]chan struct{})
	return l
}

// Lock blocks until key is free or ctx is done. The returned function
// releases the key and must be called exactly once.
func (l *Locks) Lock(ctx context.Context, key string) (func(), error) {
	var held map[string]chan struct{}
	select {
	case held = <-l.keys:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for {
		wait, busy := held[key]
		if !busy {
			break
		}
		l.keys <- held

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		select {
		case held = <-l.keys:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	done := make(chan struct{})
	held[key] = done
	l.keys <- held

	return func() {
		m := <-l.keys
		delete(m, key)
		close(done)
		l.keys <- m
	}, nil
}
