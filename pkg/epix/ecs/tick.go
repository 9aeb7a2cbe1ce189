package ecs

import "math"

// Tick is a value of the world's change clock. Ticks wrap around; comparisons are always made
// relative to a recent tick, which is valid as long as every stored tick is rebased by CheckTick
// before it falls more than MaxChangeAge behind.
type Tick uint32

const (
	// CheckTickThreshold is how many ticks may pass before stored ticks must be rebased.
	CheckTickThreshold uint32 = 518_400_000
	// MaxChangeAge is the largest age a tick can report. Older ticks are clamped to it.
	MaxChangeAge uint32 = math.MaxUint32 - (2*CheckTickThreshold - 1)
)

// NewerThan reports whether t happened after lastRun, as seen from thisRun. Ages are clamped so a
// tick that was never rebased reads as changed rather than unchanged; a baseline older than
// MaxChangeAge is older than any clamped tick.
func (t Tick) NewerThan(lastRun, thisRun Tick) bool {
	sinceT := min(uint32(thisRun.RelativeTo(t)), MaxChangeAge)
	sinceLastRun := min(uint32(thisRun.RelativeTo(lastRun)), MaxChangeAge+1)
	return sinceLastRun > sinceT
}

// RelativeTo returns the number of ticks from other to t, wrapping.
func (t Tick) RelativeTo(other Tick) Tick {
	return t - other
}

// CheckTick clamps t to MaxChangeAge behind now. Returns true if t was rebased.
func (t *Tick) CheckTick(now Tick) bool {
	if uint32(now.RelativeTo(*t)) > MaxChangeAge {
		*t = now - Tick(MaxChangeAge)
		return true
	}
	return false
}

// ComponentTicks records when a value was added and when it was last modified.
type ComponentTicks struct {
	Added    Tick
	Modified Tick
}

func newComponentTicks(tick Tick) ComponentTicks {
	return ComponentTicks{Added: tick, Modified: tick}
}

// IsAdded reports whether the value was added after lastRun.
func (c ComponentTicks) IsAdded(lastRun, thisRun Tick) bool {
	return c.Added.NewerThan(lastRun, thisRun)
}

// IsChanged reports whether the value was added or modified after lastRun.
func (c ComponentTicks) IsChanged(lastRun, thisRun Tick) bool {
	return c.Modified.NewerThan(lastRun, thisRun)
}

func (c *ComponentTicks) SetChanged(tick Tick) {
	c.Modified = tick
}
