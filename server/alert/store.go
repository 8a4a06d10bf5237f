package alert

// Store is the authoritative lifecycle state for alerts.
//
// Every transition is guarded: it reads, checks and writes the status
// atomically with respect to other mutations of the same user's alerts, and
// reports a NoOp (Transition.Applied == false) instead of an error when the
// alert is not in a status the transition applies to. Unknown ids fail with
// apperr.ErrNotFound.
type Store interface {
	// CreateAlert fails with apperr.ErrConflict when the user already has an active alert.
	CreateAlert(in NewAlert) (Alert, error)
	GetActiveAlert(userID string) (Alert, error)
	GetAlertByID(id string) (Alert, error)

	// ListActive returns every alert in an active status, oldest first.
	ListActive() ([]Alert, error)

	// SetPeersNotified records the fan-out result and moves Pending to PeersAlerted.
	SetPeersNotified(id string, peers []PeerNotification) (Transition, error)

	// Escalate applies only from Pending or PeersAlerted.
	Escalate(id string) (Transition, error)

	// Cancel applies from any active status.
	Cancel(id string) (Transition, error)

	// Resolve applies from any active status.
	Resolve(id string) (Transition, error)
}
