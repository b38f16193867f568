package farm

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"time"
)

var (
	userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_:.\-]{1,128}$`)
	typeIDPattern = regexp.MustCompile(`^[a-z0-9_\-]{1,64}$`)
)

// Resources holds the spendable balances of a farm.
type Resources struct {
	Energy   float64 `json:"energy"`
	Currency float64 `json:"currency"`
}

// ProducerInstance is one owned producer type and its upgrade level.
type ProducerInstance struct {
	TypeID string `json:"typeId"`
	Level  int    `json:"level"`
}

// State is the persisted snapshot of one user's farm.
type State struct {
	UserID              string
	Resources           Resources
	Producers           []ProducerInstance
	LastSyncedAt        time.Time
	TotalLifetimeEnergy float64
	Version             int64
}

type stateWire struct {
	UserID              string             `json:"userId"`
	Resources           Resources          `json:"resources"`
	Producers           []ProducerInstance `json:"producers"`
	LastSyncedAt        int64              `json:"lastSyncedAt"`
	TotalLifetimeEnergy float64            `json:"totalLifetimeEnergy"`
	Version             int64              `json:"version"`
}

// NewState returns the empty farm created on first use.
func NewState(userID string, now time.Time, startingCurrency float64) State {
	return State{
		UserID:       userID,
		Resources:    Resources{Currency: startingCurrency},
		Producers:    []ProducerInstance{},
		LastSyncedAt: now.UTC().Truncate(time.Millisecond),
	}
}

// Clone returns a copy that shares no memory with s.
func (s State) Clone() State {
	out := s
	out.Producers = make([]ProducerInstance, len(s.Producers))
	copy(out.Producers, s.Producers)
	return out
}

// Equal reports whether two states carry the same data.
func (s State) Equal(o State) bool {
	if s.UserID != o.UserID || s.Resources != o.Resources || !s.LastSyncedAt.Equal(o.LastSyncedAt) ||
		s.TotalLifetimeEnergy != o.TotalLifetimeEnergy || s.Version != o.Version ||
		len(s.Producers) != len(o.Producers) {
		return false
	}
	for i := range s.Producers {
		if s.Producers[i] != o.Producers[i] {
			return false
		}
	}
	return true
}

// Level returns the level of typeID and whether it is owned.
func (s State) Level(typeID string) (int, bool) {
	for _, p := range s.Producers {
		if p.TypeID == typeID {
			return p.Level, true
		}
	}
	return 0, false
}

// Validate checks the numeric invariants every persisted state must hold.
func (s State) Validate() error {
	if err := ValidateUserID(s.UserID); err != nil {
		return err
	}
	for name, v := range map[string]float64{
		"energy":              s.Resources.Energy,
		"currency":            s.Resources.Currency,
		"totalLifetimeEnergy": s.TotalLifetimeEnergy,
	} {
		if !validAmount(v) {
			return fmt.Errorf("%w: %s=%v", ErrInvalidInput, name, v)
		}
	}
	if s.Version < 0 {
		return fmt.Errorf("%w: negative version %d", ErrInvalidInput, s.Version)
	}
	seen := make(map[string]bool, len(s.Producers))
	for _, p := range s.Producers {
		if p.Level < 0 {
			return fmt.Errorf("%w: producer %q has negative level", ErrInvalidInput, p.TypeID)
		}
		if seen[p.TypeID] {
			return fmt.Errorf("%w: producer %q listed twice", ErrInvalidInput, p.TypeID)
		}
		seen[p.TypeID] = true
	}
	return nil
}

func (s State) MarshalJSON() ([]byte, error) {
	producers := s.Producers
	if producers == nil {
		producers = []ProducerInstance{}
	}
	return json.Marshal(stateWire{
		UserID:              s.UserID,
		Resources:           s.Resources,
		Producers:           producers,
		LastSyncedAt:        s.LastSyncedAt.UnixMilli(),
		TotalLifetimeEnergy: s.TotalLifetimeEnergy,
		Version:             s.Version,
	})
}

func (s *State) UnmarshalJSON(b []byte) error {
	var w stateWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*s = State{
		UserID:              w.UserID,
		Resources:           w.Resources,
		Producers:           w.Producers,
		LastSyncedAt:        time.UnixMilli(w.LastSyncedAt).UTC(),
		TotalLifetimeEnergy: w.TotalLifetimeEnergy,
		Version:             w.Version,
	}
	if s.Producers == nil {
		s.Producers = []ProducerInstance{}
	}
	return nil
}

// ValidateUserID rejects empty or malformed user ids.
func ValidateUserID(id string) error {
	if !userIDPattern.MatchString(id) {
		return fmt.Errorf("%w: userId %q", ErrInvalidInput, id)
	}
	return nil
}

// ValidateTypeID rejects empty or malformed producer type ids.
func ValidateTypeID(id string) error {
	if !typeIDPattern.MatchString(id) {
		return fmt.Errorf("%w: typeId %q", ErrInvalidInput, id)
	}
	return nil
}

func validAmount(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// saturatingAdd adds two non-negative amounts, pinning at MaxFloat64.
func saturatingAdd(a, b float64) float64 {
	sum := a + b
	if math.IsInf(sum, 0) || math.IsNaN(sum) || sum > math.MaxFloat64 {
		return math.MaxFloat64
	}
	return sum
}
