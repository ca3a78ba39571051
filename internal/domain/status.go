package domain

// DeriveStatus computes a migration's next status from its batches.
//
// Paused and terminal migrations are returned unchanged: pause is the only
// status set by hand, and leaving succeeded or failed requires an explicit
// resume or re-finalization.
func DeriveStatus(current MigrationStatus, summary BatchSummary, fullyPartitioned bool) MigrationStatus {
	switch current {
	case MigrationStatusPaused, MigrationStatusSucceeded, MigrationStatusFailed:
		return current
	}

	if summary.Failed > 0 {
		return MigrationStatusFailed
	}

	if current == MigrationStatusFinalizing {
		return current
	}

	if fullyPartitioned && summary.Succeeded == summary.Total {
		return MigrationStatusFinalizing
	}

	if summary.Claimed > 0 || summary.Succeeded > 0 {
		return MigrationStatusRunning
	}

	return current
}

// CanTransition reports whether a status change is part of the migration
// state machine, including the manual pause, resume and re-finalize edges.
func CanTransition(from, to MigrationStatus) bool {
	switch from {
	case MigrationStatusPending:
		return to == MigrationStatusRunning || to == MigrationStatusFinalizing ||
			to == MigrationStatusPaused || to == MigrationStatusFailed
	case MigrationStatusRunning:
		return to == MigrationStatusFinalizing || to == MigrationStatusPaused || to == MigrationStatusFailed
	case MigrationStatusPaused:
		return to == MigrationStatusRunning
	case MigrationStatusFinalizing:
		return to == MigrationStatusSucceeded || to == MigrationStatusFailed
	case MigrationStatusFailed:
		return to == MigrationStatusRunning || to == MigrationStatusFinalizing
	}
	return false
}
