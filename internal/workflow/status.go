package workflow

// ComputeEntityStatus reduces the set of workflow records attached to one
// entity to a single display status. An entity may run several workflows in
// parallel; this is recomputed on every read and never persisted.
//
// Priority: empty set is not_started; a unanimous status wins; otherwise
// in_progress beats pending_approval, and a mix containing not_started
// renders as in_progress rather than completed.
func ComputeEntityStatus(records []Record) RecordStatus {
	if len(records) == 0 {
		return StatusNotStarted
	}

	unanimous := true
	var hasInProgress, hasPending, hasNotStarted bool
	for _, r := range records {
		if r.Status != records[0].Status {
			unanimous = false
		}
		switch r.Status {
		case StatusInProgress:
			hasInProgress = true
		case StatusPendingApproval:
			hasPending = true
		case StatusNotStarted:
			hasNotStarted = true
		}
	}
	if unanimous {
		return records[0].Status
	}

	switch {
	case hasInProgress:
		return StatusInProgress
	case hasPending:
		return StatusPendingApproval
	case hasNotStarted:
		return StatusInProgress
	default:
		return StatusCompleted
	}
}
