package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLimited signals that the caller exhausted its budget for the current window.
var ErrLimited = errors.New("ratelimit: limit exceeded")

// Window is the persisted counter for one (caller, kind) pair.
type Window struct {
	Count int
	Start time.Time
}

// Key scopes a window to a caller and an operation kind.
type Key struct {
	Caller string
	Kind   string
}

func (k Key) String() string { return k.Kind + ":" + k.Caller }

// Store loads a window, lets fn compute the next one and persists it as a
// single atomic step. A missing window is passed to fn as the zero Window.
// When fn returns an error nothing is written.
type Store interface {
	Update(ctx context.Context, key Key, fn func(Window) (Window, error)) error
}

// Limiter is a fixed-window counter per (caller, kind). The window resets
// once now - Start reaches Window.
type Limiter struct {
	Max    int
	Window time.Duration
	Store  Store
}

// Allow counts one call for caller under kind. override skips counting
// entirely and always succeeds.
func (l Limiter) Allow(ctx context.Context, caller, kind string, now time.Time, override bool) error {
	if override || l.Max <= 0 {
		return nil
	}
	if l.Store == nil {
		return fmt.Errorf("ratelimit: no store configured")
	}
	key := Key{Caller: caller, Kind: kind}
	return l.Store.Update(ctx, key, func(w Window) (Window, error) {
		return l.next(w, now)
	})
}

func (l Limiter) next(w Window, now time.Time) (Window, error) {
	if w.Start.IsZero() || now.Sub(w.Start) >= l.Window {
		return Window{Count: 1, Start: now}, nil
	}
	if w.Count+1 > l.Max {
		return w, ErrLimited
	}
	return Window{Count: w.Count + 1, Start: w.Start}, nil
}

// WithStore returns a copy of l backed by s.
func (l Limiter) WithStore(s Store) Limiter {
	l.Store = s
	return l
}
