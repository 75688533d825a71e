package orchestrator

import "time"

// maxPausedCandidates bounds how many paused candidates the resolver skips
// before it reports none. Each step moves at least a minute ahead, so the
// walk spans about eight years of a minutely trigger and reaches leap days.
const maxPausedCandidates = 1 << 22

// FireSource is the part of a trigger the resolver needs.
type FireSource interface {
	RecoverFromMisfire()
	NextFireTime() (time.Time, bool)
	FireTimeAfter(t time.Time) (time.Time, bool)
}

// ResolveNextFireTime returns the first fire time of src outside every pause
// window, after applying misfire recovery. paused must give the same answer
// for every instant of a minute.
func ResolveNextFireTime(src FireSource, paused func(time.Time) bool) (time.Time, bool) {
	if src == nil {
		return time.Time{}, false
	}
	src.RecoverFromMisfire()
	first, ok := src.NextFireTime()
	if !ok {
		return time.Time{}, false
	}
	if paused == nil {
		return first, true
	}
	t := first
	for n := 0; paused(t); n++ {
		if n == maxPausedCandidates {
			return time.Time{}, false
		}
		// the rest of a paused minute is paused too
		end := t.Truncate(time.Minute).Add(time.Minute - time.Nanosecond)
		if t, ok = src.FireTimeAfter(end); !ok {
			return time.Time{}, false
		}
	}
	return t, true
}
