package model

// externalRule maps one word of the grading server's vocabulary onto a
// student grading status.
type externalRule struct {
	target GradingStatus
	// fromPendingOnly restricts the transition to students that are still
	// PENDING, so progress reports never overwrite a later status.
	fromPendingOnly bool
}

// externalStatuses is the single translation table between the grading
// server (polling and push channels) and GradingStatus. Lookups are
// case-sensitive.
var externalStatuses = map[string]externalRule{
	"SUCCESS":        {target: GradingCompleted},
	"COMPLETED":      {target: GradingCompleted},
	"FAILURE":        {target: GradingFailed},
	"ERROR":          {target: GradingFailed},
	"FAILED":         {target: GradingFailed},
	"PROGRESS":       {target: GradingProcessing, fromPendingOnly: true},
	"PROCESSING_PDF": {target: GradingProcessing, fromPendingOnly: true},
	"PROCESSING":     {target: GradingProcessing, fromPendingOnly: true},
}

// MapExternalStatus translates a status reported by the grading server into
// the student's next grading status. Unknown words leave current unchanged.
func MapExternalStatus(external string, current GradingStatus) GradingStatus {
	rule, ok := externalStatuses[external]
	if !ok {
		return current
	}
	if rule.fromPendingOnly && current != GradingPending {
		return current
	}
	return rule.target
}

// KnownExternalStatus reports whether the grading server word is in the table.
func KnownExternalStatus(external string) bool {
	_, ok := externalStatuses[external]
	return ok
}

// AggregateSessionStatus derives a session's status from its students.
// Cancelled sessions are frozen.
func AggregateSessionStatus(current SessionStatus, c StatusCounts) SessionStatus {
	if current == SessionCancelled {
		return current
	}
	switch {
	case c.Total > 0 && c.Completed == c.Total:
		return SessionCompleted
	case c.Total > 0 && c.Completed+c.Failed == c.Total:
		return SessionCompleted
	case c.Processing > 0 || c.Completed > 0:
		return SessionInProgress
	case c.Total > 0 && (current == SessionCompleted || current == SessionFailed):
		// a finished session that gained unfinished students is reopened
		return SessionInProgress
	}
	return current
}
