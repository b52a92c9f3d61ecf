package relaychat

import "time"

const (
	DefaultTolerance        = time.Second
	DefaultPendingTolerance = 10 * time.Second
)

// MatchRule decides when two candidates describe the same logical message.
// Tolerance absorbs re-timestamping between delivery paths; PendingTolerance
// absorbs clock skew between an optimistic local entry and its server echo.
type MatchRule struct {
	Tolerance        time.Duration
	PendingTolerance time.Duration
}

func DefaultMatchRule() MatchRule {
	return MatchRule{Tolerance: DefaultTolerance, PendingTolerance: DefaultPendingTolerance}
}

func (r MatchRule) normalized() MatchRule {
	if r.Tolerance < 0 {
		r.Tolerance = 0
	}
	if r.PendingTolerance < r.Tolerance {
		r.PendingTolerance = r.Tolerance
	}
	return r
}

// Same reports whether a and b are the same message: equal sender and
// content, with timestamps either equal or closer than the tolerance.
func (r MatchRule) Same(a, b Message) bool {
	if a.Sender != b.Sender || a.Content != b.Content {
		return false
	}
	if a.Timestamp.Equal(b.Timestamp) {
		return true
	}
	return withinWindow(a.Timestamp, b.Timestamp, r.normalized().Tolerance)
}

// ConfirmsPending reports whether echo is the authoritative copy of the
// optimistic entry pending.
func (r MatchRule) ConfirmsPending(pending, echo Message) bool {
	if !pending.Pending || echo.Pending {
		return false
	}
	if pending.Sender != echo.Sender || pending.Content != echo.Content {
		return false
	}
	if pending.IsPrivate() && pending.Recipient != echo.Recipient {
		return false
	}
	if pending.Timestamp.Equal(echo.Timestamp) {
		return true
	}
	return withinWindow(pending.Timestamp, echo.Timestamp, r.normalized().PendingTolerance)
}

func withinWindow(a, b time.Time, window time.Duration) bool {
	delta := a.Sub(b)
	if delta < 0 {
		delta = -delta
	}
	return delta < window
}
