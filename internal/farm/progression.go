package farm

import (
	"math"
	"time"
)

// TotalRate sums the output of every owned producer. Types missing from the
// catalog contribute nothing.
func TotalRate(cat *Catalog, st State) float64 {
	var total float64
	for _, p := range st.Producers {
		r, err := cat.Rate(p.TypeID, p.Level)
		if err != nil {
			continue
		}
		total = saturatingAdd(total, r)
	}
	return total
}

// Advance credits the energy produced between st.LastSyncedAt and now and
// returns the progressed copy together with the amount credited.
//
// A now earlier than LastSyncedAt credits nothing and leaves the timestamp in
// place. Gaps longer than maxOffline are credited for maxOffline only and the
// remainder is dropped: LastSyncedAt still moves to now, not to
// LastSyncedAt+credited, so a second call at the same now credits nothing.
func Advance(cat *Catalog, st State, now time.Time, maxOffline time.Duration) (State, float64) {
	out := st.Clone()
	now = now.UTC().Truncate(time.Millisecond)

	elapsed := now.Sub(st.LastSyncedAt)
	if elapsed <= 0 {
		return out, 0
	}
	credited := elapsed
	if credited > maxOffline {
		credited = maxOffline
	}
	if credited < 0 {
		credited = 0
	}

	accrued := TotalRate(cat, st) * credited.Seconds()
	if math.IsInf(accrued, 0) || math.IsNaN(accrued) {
		accrued = math.MaxFloat64
	}
	out.Resources.Energy = saturatingAdd(out.Resources.Energy, accrued)
	out.TotalLifetimeEnergy = saturatingAdd(out.TotalLifetimeEnergy, accrued)
	out.LastSyncedAt = now
	return out, accrued
}
