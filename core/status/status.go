// Package status models the outcome of best-effort operations as an
// explicit tri-state so callers can observe that a fallback occurred
// without an error interrupting control flow.
package status

type State string

const (
	StateOK       State = "ok"
	StateDegraded State = "degraded"
	StateFailed   State = "failed"
)

type Outcome struct {
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
}

func OK() Outcome {
	return Outcome{State: StateOK}
}

func Degraded(reason string) Outcome {
	return Outcome{State: StateDegraded, Reason: reason}
}

func Failed(reason string) Outcome {
	return Outcome{State: StateFailed, Reason: reason}
}

// Usable reports whether the capability behind the outcome can still be
// used, possibly in a degraded mode.
func (o Outcome) Usable() bool {
	return o.State == StateOK || o.State == StateDegraded
}
