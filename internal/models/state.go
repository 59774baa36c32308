package models

// transitions lists the statuses reachable from each status
var transitions = map[DocumentStatus][]DocumentStatus{
	StatusUploaded:   {StatusProcessing, StatusError},
	StatusFetched:    {StatusProcessing, StatusError},
	StatusPending:    {StatusProcessing, StatusError},
	StatusProcessing: {StatusCompleted, StatusError, StatusPending},
	StatusError:      {StatusPending, StatusProcessing},
	StatusCompleted:  {StatusPending},
}

// CanTransition reports whether a document may move from one status to another.
// Writing the same status again is always allowed.
func CanTransition(from, to DocumentStatus) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no worker is expected to touch the document again
func (s DocumentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Valid reports whether s is a known status
func (s DocumentStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}
