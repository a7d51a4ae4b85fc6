package usecase

import "time"

// ScreenTimeAccountant accumulates elapsed foreground time against a
// daily budget. It uses wall-clock deltas between ticks, not tick
// counts, so it tolerates scheduler jitter.
//
// The limit block is edge-triggered: Tick reports a crossing exactly
// once, on the tick where the accumulated time first reaches the budget.
// The latch clears only on SetBudget with a new value or Reset.
type ScreenTimeAccountant struct {
	budgetMinutes int
	elapsed       time.Duration
	lastTick      time.Time
	notified      bool
}

// NewScreenTimeAccountant creates an accountant. A budget of 0 means
// unconstrained.
func NewScreenTimeAccountant(budgetMinutes int) *ScreenTimeAccountant {
	return &ScreenTimeAccountant{budgetMinutes: budgetMinutes}
}

// SetBudget replaces the budget. A changed budget restarts accounting;
// re-applying the same budget keeps the accumulated time, so a policy
// refresh that changes nothing cannot grant extra time.
func (a *ScreenTimeAccountant) SetBudget(minutes int) {
	if minutes == a.budgetMinutes {
		return
	}
	a.budgetMinutes = minutes
	a.elapsed = 0
	a.notified = false
	a.lastTick = time.Time{}
}

// Reset clears the accumulated time and the notification latch. Exposed
// for an external rollover trigger; no daily boundary is applied here.
func (a *ScreenTimeAccountant) Reset() {
	a.elapsed = 0
	a.notified = false
	a.lastTick = time.Time{}
}

// Budget returns the current budget in minutes.
func (a *ScreenTimeAccountant) Budget() int { return a.budgetMinutes }

// ElapsedMinutes returns whole accumulated minutes.
func (a *ScreenTimeAccountant) ElapsedMinutes() int {
	return int(a.elapsed / time.Minute)
}

// Tick advances the accumulator to now. It returns crossed=true on the
// single tick where the budget threshold is first reached, with the
// elapsed whole minutes at that point.
func (a *ScreenTimeAccountant) Tick(now time.Time) (crossed bool, minutes int) {
	if a.budgetMinutes <= 0 {
		a.lastTick = now
		return false, 0
	}

	if a.lastTick.IsZero() {
		a.lastTick = now
		return false, 0
	}

	delta := now.Sub(a.lastTick)
	a.lastTick = now
	if delta < 0 {
		// Clock went backwards; skip this interval rather than credit it.
		return false, a.ElapsedMinutes()
	}
	a.elapsed += delta

	if !a.notified && a.elapsed >= time.Duration(a.budgetMinutes)*time.Minute {
		a.notified = true
		return true, a.ElapsedMinutes()
	}
	return false, a.ElapsedMinutes()
}
