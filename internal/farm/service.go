package farm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dustin/go-humanize"

	"solarfarm/internal/clock"
)

// Config holds the engine tunables.
type Config struct {
	MaxOffline       time.Duration
	MaxRetries       int
	StartingCurrency float64
	ConvertRate      float64
}

func DefaultConfig() Config {
	return Config{
		MaxOffline:       12 * time.Hour,
		MaxRetries:       5,
		StartingCurrency: 100,
		ConvertRate:      0.1,
	}
}

func (c Config) Validate() error {
	if c.MaxOffline <= 0 {
		return errors.New("max offline window must be positive")
	}
	if c.MaxRetries <= 0 {
		return errors.New("max retries must be positive")
	}
	if !validAmount(c.StartingCurrency) {
		return errors.New("starting currency must be a non-negative finite amount")
	}
	if !validAmount(c.ConvertRate) {
		return errors.New("convert rate must be a non-negative finite amount")
	}
	return nil
}

// Deps are the collaborators a Service is built from. Store and Catalog are
// required; the rest fall back to no-op or default implementations.
type Deps struct {
	Store    Store
	Activity ActivityTracker
	Journal  Journal
	Catalog  *Catalog
	Clock    clock.Clock
	Logger   *log.Logger
}

// Service answers initialize, fetch and action requests for farms.
type Service struct {
	store    Store
	activity ActivityTracker
	journal  Journal
	cat      *Catalog
	clk      clock.Clock
	logger   *log.Logger
	guard    *Guard
}

func NewService(deps Deps, cfg Config) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("farm service: store is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("farm service: catalog is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("farm service: %w", err)
	}
	s := &Service{
		store:    deps.Store,
		activity: deps.Activity,
		journal:  deps.Journal,
		cat:      deps.Catalog,
		clk:      deps.Clock,
		logger:   deps.Logger,
	}
	if s.clk == nil {
		s.clk = clock.RealClock{}
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	s.guard = &Guard{
		Store:            deps.Store,
		Catalog:          deps.Catalog,
		Rules:            Rules{ConvertRate: cfg.ConvertRate},
		MaxOffline:       cfg.MaxOffline,
		MaxRetries:       cfg.MaxRetries,
		StartingCurrency: cfg.StartingCurrency,
	}
	return s, nil
}

func (s *Service) Catalog() *Catalog {
	return s.cat
}

// Initialize returns the existing farm untouched, or creates and persists an
// empty one. Repeated calls are safe.
func (s *Service) Initialize(ctx context.Context, userID string) (State, error) {
	if err := ValidateUserID(userID); err != nil {
		return State{}, err
	}
	now := s.clk.Now()
	s.touch(ctx, userID, now)

	for attempt := 0; attempt < 2; attempt++ {
		st, err := s.store.Get(ctx, userID)
		if err == nil {
			return st, nil
		}
		if !errors.Is(err, ErrNotFound) {
			s.logger.Printf("farm %s: init failed: %v", userID, err)
			return State{}, persistenceErr(err)
		}

		fresh := NewState(userID, now, s.guard.StartingCurrency)
		err = s.store.Create(ctx, fresh)
		if err == nil {
			s.record(Entry{At: now, UserID: userID, Action: "init", State: fresh})
			s.logger.Printf("farm %s: initialized", userID)
			return fresh, nil
		}
		if !errors.Is(err, ErrAlreadyExists) {
			s.logger.Printf("farm %s: init failed: %v", userID, err)
			return State{}, persistenceErr(err)
		}
		// lost a create race; the winner's row is read on the next pass
	}
	return State{}, fmt.Errorf("%w: %s initialize raced repeatedly", ErrConflict, userID)
}

// Fetch progresses the farm to now and returns it.
func (s *Service) Fetch(ctx context.Context, userID string) (State, error) {
	return s.apply(ctx, userID, Collect{}, false)
}

// Collect is Fetch exposed as an explicit action.
func (s *Service) Collect(ctx context.Context, userID string) (State, error) {
	return s.apply(ctx, userID, Collect{}, false)
}

func (s *Service) Purchase(ctx context.Context, userID, typeID string) (State, error) {
	if err := ValidateTypeID(typeID); err != nil {
		return State{}, err
	}
	return s.apply(ctx, userID, Purchase{TypeID: typeID}, true)
}

func (s *Service) Convert(ctx context.Context, userID string, energy float64) (State, error) {
	return s.apply(ctx, userID, Convert{Energy: energy}, true)
}

func (s *Service) apply(ctx context.Context, userID string, action Action, create bool) (State, error) {
	if err := ValidateUserID(userID); err != nil {
		return State{}, err
	}
	now := s.clk.Now()
	s.touch(ctx, userID, now)

	out, err := s.guard.ApplyWithRetry(ctx, userID, now, action, create)
	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrPersistence) {
			s.logger.Printf("farm %s: %s failed: %v", userID, action.Name(), err)
		}
		return State{}, err
	}
	if out.Written {
		s.record(Entry{At: now, UserID: userID, Action: action.Name(), Accrued: out.Accrued, Version: out.State.Version, State: out.State})
		s.logger.Printf("farm %s: %s v%d +%s energy (attempts=%d)",
			userID, action.Name(), out.State.Version, humanize.FormatFloat("#,###.##", out.Accrued), out.Attempts)
	}
	return out.State, nil
}

// touch records activity before the farm is loaded. Its failure never fails
// the request.
func (s *Service) touch(ctx context.Context, userID string, now time.Time) {
	if s.activity == nil {
		return
	}
	if err := s.activity.Touch(ctx, userID, now); err != nil {
		s.logger.Printf("activity %s: %v", userID, err)
	}
}

func (s *Service) record(e Entry) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(e); err != nil {
		s.logger.Printf("journal %s: %v", e.UserID, err)
	}
}
