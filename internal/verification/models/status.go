package models

// Status is the lifecycle state of a verification saga.
//
//	Started → InProgress → Completed
//	Started|InProgress → Failed → RollingBack → RolledBack | PartiallyRolledBack
type Status string

const (
	StatusStarted             Status = "started"
	StatusInProgress          Status = "in_progress"
	StatusCompleted           Status = "completed"
	StatusFailed              Status = "failed"
	StatusRollingBack         Status = "rolling_back"
	StatusRolledBack          Status = "rolled_back"
	StatusPartiallyRolledBack Status = "partially_rolled_back"
)

// transitions is the single source of truth for legal status edges.
// InProgress → InProgress covers every step after the first.
var transitions = map[Status][]Status{
	StatusStarted:     {StatusInProgress, StatusCompleted, StatusFailed},
	StatusInProgress:  {StatusInProgress, StatusCompleted, StatusFailed},
	StatusFailed:      {StatusRollingBack},
	StatusRollingBack: {StatusRolledBack, StatusPartiallyRolledBack},
}

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusStarted, StatusInProgress, StatusCompleted, StatusFailed,
		StatusRollingBack, StatusRolledBack, StatusPartiallyRolledBack:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is permitted from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRolledBack || s == StatusPartiallyRolledBack
}

// CanTransitionTo reports whether next is reachable from s in one step.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) String() string {
	return string(s)
}
