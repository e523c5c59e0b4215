package commands

// Status is the lifecycle state of an audited command.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusExecuting  Status = "EXECUTING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRolledBack Status = "ROLLED_BACK"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusExecuting, StatusRolledBack},
	StatusExecuting: {StatusCompleted, StatusFailed, StatusRolledBack},
}

// ParseStatus validates a status string.
func ParseStatus(value string) (Status, bool) {
	switch Status(value) {
	case StatusPending, StatusExecuting, StatusCompleted, StatusFailed, StatusRolledBack:
		return Status(value), true
	default:
		return "", false
	}
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRolledBack
}

// IsOutstanding reports whether the command may still be auto-rolled back.
func (s Status) IsOutstanding() bool {
	return s == StatusPending || s == StatusExecuting
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PredecessorsOf lists the statuses that may transition into to.
func PredecessorsOf(to Status) []Status {
	var result []Status
	for _, from := range []Status{StatusPending, StatusExecuting} {
		if CanTransition(from, to) {
			result = append(result, from)
		}
	}
	return result
}
