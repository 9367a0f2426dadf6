package payment

// Status is where an attempt sits in its lifecycle.
type Status string

const (
	StatusForm       Status = "form"
	StatusInitiated  Status = "initiated"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"

	// Release markers. An attempt carrying one of these rejects every further call.
	StatusAbandoned    Status = "abandoned"
	StatusAcknowledged Status = "acknowledged"
	StatusRetried      Status = "retried"
)

// allowedTransitions defines which status changes are permitted.
var allowedTransitions = map[Status][]Status{
	StatusForm:       {StatusInitiated, StatusAbandoned},
	StatusInitiated:  {StatusProcessing, StatusAbandoned},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusAbandoned},
	StatusCompleted:  {StatusAcknowledged},
	StatusFailed:     {StatusRetried, StatusAbandoned},
}

// canTransition reports whether moving from one status to another is allowed.
func canTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether settlement has finished.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Released reports whether the caller has let go of the attempt.
func (s Status) Released() bool {
	return s == StatusAbandoned || s == StatusAcknowledged || s == StatusRetried
}
