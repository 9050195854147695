package session

import "time"

// Hint budget policy. The budget is advisory: the core reports the remaining
// count and the presentation layer decides what to do with it. Hint requests
// are never rejected here, even at zero.
const (
	// HintWindow is the sliding window over which interview-mode hints are
	// counted.
	HintWindow = 15 * time.Minute

	// InterviewHintAllowance is the advisory cap per window in interview
	// mode.
	InterviewHintAllowance = 3

	// UnlimitedHints signals "do not enforce a cap" rather than a count.
	UnlimitedHints = -1
)

// RemainingHints computes the advisory hint budget for the given mode at
// time now.
//
// Practice and learning modes are uncapped and always report
// UnlimitedHints. Interview mode counts hints granted within the last
// HintWindow and reports how many of the allowance remain, floored at zero.
func RemainingHints(hints []HintRecord, mode Mode, now time.Time) int {
	if mode != ModeInterview {
		return UnlimitedHints
	}

	cutoff := now.Add(-HintWindow)
	recent := 0
	for _, h := range hints {
		if h.Timestamp.After(cutoff) {
			recent++
		}
	}

	remaining := InterviewHintAllowance - recent
	if remaining < 0 {
		return 0
	}
	return remaining
}
