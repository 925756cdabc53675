package models

// transitions is the session state machine. Terminal states have no entries.
var transitions = map[SessionStatus][]SessionStatus{
	SessionStarting:     {SessionRunning, SessionFailed},
	SessionRunning:      {SessionWaitingInput, SessionCompleting, SessionFailed},
	SessionWaitingInput: {SessionRunning, SessionFailed},
	SessionCompleting:   {SessionCompleted, SessionFailed},
}

// CanTransition reports whether the daemon may move a session from one status to another
func CanTransition(from, to SessionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStatuses lists the statuses reachable in one step from s
func NextStatuses(s SessionStatus) []SessionStatus {
	next := transitions[s]
	out := make([]SessionStatus, len(next))
	copy(out, next)
	return out
}
