package farm

import (
	"fmt"
	"math"
)

// Action is a user-initiated change applied on top of a progressed state.
// The set is closed: only types in this package implement it.
type Action interface {
	Name() string
	isAction()
}

// Collect fetches current accrual without any further change.
type Collect struct{}

func (Collect) Name() string { return "collect" }
func (Collect) isAction()    {}

// Purchase buys one level of a producer, acquiring it at level 0 when it is
// not yet owned.
type Purchase struct {
	TypeID string
}

func (Purchase) Name() string { return "purchase" }
func (Purchase) isAction()    {}

// Convert sells stored energy for currency at the configured rate.
type Convert struct {
	Energy float64
}

func (Convert) Name() string { return "convert" }
func (Convert) isAction()    {}

// Rules carries the tunables the resolver needs.
type Rules struct {
	ConvertRate float64
}

// Resolve applies action to st. On error st is returned untouched.
func Resolve(cat *Catalog, st State, action Action, rules Rules) (State, error) {
	switch a := action.(type) {
	case Collect:
		return st, nil
	case Purchase:
		return resolvePurchase(cat, st, a)
	case Convert:
		return resolveConvert(st, a, rules)
	default:
		return st, fmt.Errorf("%w: unsupported action %T", ErrInvalidInput, action)
	}
}

func resolvePurchase(cat *Catalog, st State, a Purchase) (State, error) {
	if err := ValidateTypeID(a.TypeID); err != nil {
		return st, err
	}
	if _, err := cat.Lookup(a.TypeID); err != nil {
		return st, err
	}
	level, owned := st.Level(a.TypeID)
	cost, err := cat.UpgradeCost(a.TypeID, level)
	if err != nil {
		return st, err
	}
	if st.Resources.Currency < cost {
		return st, fmt.Errorf("%w: %s costs %.2f, have %.2f", ErrInsufficientFunds, a.TypeID, cost, st.Resources.Currency)
	}

	out := st.Clone()
	out.Resources.Currency = math.Max(0, out.Resources.Currency-cost)
	if !owned {
		out.Producers = append(out.Producers, ProducerInstance{TypeID: a.TypeID, Level: 0})
		return out, nil
	}
	for i := range out.Producers {
		if out.Producers[i].TypeID == a.TypeID {
			out.Producers[i].Level++
			break
		}
	}
	return out, nil
}

func resolveConvert(st State, a Convert, rules Rules) (State, error) {
	if math.IsNaN(a.Energy) || math.IsInf(a.Energy, 0) || a.Energy <= 0 {
		return st, fmt.Errorf("%w: energy must be a positive finite amount", ErrInvalidInput)
	}
	if rules.ConvertRate <= 0 {
		return st, fmt.Errorf("%w: energy conversion is disabled", ErrInvalidInput)
	}
	if st.Resources.Energy < a.Energy {
		return st, fmt.Errorf("%w: need %.2f energy, have %.2f", ErrInsufficientFunds, a.Energy, st.Resources.Energy)
	}

	out := st.Clone()
	out.Resources.Energy = math.Max(0, out.Resources.Energy-a.Energy)
	out.Resources.Currency = saturatingAdd(out.Resources.Currency, a.Energy*rules.ConvertRate)
	return out, nil
}
