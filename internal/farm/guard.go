package farm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Guard runs load, advance, resolve and conditional save as one logical
// transaction per call, without holding a lock across the store boundary.
type Guard struct {
	Store            Store
	Catalog          *Catalog
	Rules            Rules
	MaxOffline       time.Duration
	MaxRetries       int
	StartingCurrency float64
}

// Outcome describes a completed guarded call.
type Outcome struct {
	State    State
	Accrued  float64
	Written  bool
	Attempts int
}

// ApplyWithRetry progresses userID's farm to now and applies action. When
// create is set an absent farm starts from a fresh state and is inserted
// together with the action's result; otherwise ErrNotFound is returned.
// Business rejections are returned at once and store nothing. Lost races are
// retried up to MaxRetries attempts before giving up with ErrConflict.
func (g *Guard) ApplyWithRetry(ctx context.Context, userID string, now time.Time, action Action, create bool) (Outcome, error) {
	if g.MaxRetries <= 0 {
		return Outcome{}, fmt.Errorf("%w: retry budget must be positive", ErrInvalidInput)
	}

	var lastErr error
	for attempt := 1; attempt <= g.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{}, persistenceErr(err)
		}

		cur, exists, err := g.load(ctx, userID, now, create)
		if err != nil {
			if lostRace(ctx, err) {
				lastErr = err
				continue
			}
			return Outcome{}, err
		}

		progressed, accrued := Advance(g.Catalog, cur, now, g.MaxOffline)
		next, err := Resolve(g.Catalog, progressed, action, g.Rules)
		if err != nil {
			return Outcome{}, err
		}
		changed := !next.Equal(cur)
		if !changed && exists {
			return Outcome{State: cur, Attempts: attempt}, nil
		}
		if changed {
			next.Version = cur.Version + 1
		}
		if err := next.Validate(); err != nil {
			return Outcome{}, fmt.Errorf("%w: refusing to save %s: %v", ErrPersistence, userID, err)
		}

		if exists {
			err = g.Store.CompareAndSwap(ctx, userID, cur.Version, next)
		} else {
			err = g.Store.Create(ctx, next)
		}
		if err == nil {
			return Outcome{State: next, Accrued: accrued, Written: true, Attempts: attempt}, nil
		}
		if lostRace(ctx, err) {
			lastErr = err
			continue
		}
		return Outcome{}, persistenceErr(err)
	}
	return Outcome{}, fmt.Errorf("%w: %s gave up after %d attempts: %v", ErrConflict, userID, g.MaxRetries, lastErr)
}

// load reads userID's farm. An absent farm with create set comes back as a
// fresh unsaved state with exists false; it is only written once the action
// has resolved.
func (g *Guard) load(ctx context.Context, userID string, now time.Time, create bool) (State, bool, error) {
	cur, err := g.Store.Get(ctx, userID)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound) && create:
		return NewState(userID, now, g.StartingCurrency), false, nil
	case errors.Is(err, ErrNotFound):
		return State{}, false, err
	default:
		if lostRace(ctx, err) {
			return State{}, false, err
		}
		return State{}, false, persistenceErr(err)
	}
	if err := cur.Validate(); err != nil {
		return State{}, false, fmt.Errorf("%w: stored farm %s is corrupt: %v", ErrPersistence, userID, err)
	}
	return cur, true, nil
}

// lostRace reports errors worth another attempt: a version race, a racing
// create, or an adapter timeout while the caller is still waiting.
func lostRace(ctx context.Context, err error) bool {
	if errors.Is(err, ErrStaleVersion) || errors.Is(err, ErrAlreadyExists) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil
}

func persistenceErr(err error) error {
	if errors.Is(err, ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}
