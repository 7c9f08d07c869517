package domain

// Outcome is the result of processing one message
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransientFailure
	OutcomePermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransientFailure:
		return "transient_failure"
	case OutcomePermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// ShouldAcknowledge reports whether the message must be removed from the queue.
// Permanent failures are acknowledged too so poison messages do not loop.
func (o Outcome) ShouldAcknowledge() bool {
	return o == OutcomeSuccess || o == OutcomePermanentFailure
}
