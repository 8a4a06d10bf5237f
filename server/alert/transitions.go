package alert

import "time"

// Apply mutates an alert in place for one guarded transition and reports
// whether the transition applied. Store implementations run it under their
// per-user serialization and persist the result only when it returns true.
type Apply func(a *Alert, now time.Time) bool

// ApplyPeersNotified records the fan-out result on any non-terminal alert.
func ApplyPeersNotified(peers []PeerNotification) Apply {
	return func(a *Alert, _ time.Time) bool {
		if a.Status.IsTerminal() {
			return false
		}

		a.PeersNotified = append([]PeerNotification{}, peers...)
		if a.Status == StatusPending {
			a.Status = StatusPeersAlerted
		}
		return true
	}
}

// ApplyEscalate applies only from Pending or PeersAlerted.
func ApplyEscalate(a *Alert, now time.Time) bool {
	if a.Status != StatusPending && a.Status != StatusPeersAlerted {
		return false
	}

	a.Status = StatusEscalated
	a.EscalatedAt = &now
	return true
}

// ApplyClose moves any active alert to status, Canceled or Resolved.
func ApplyClose(status Status) Apply {
	return func(a *Alert, now time.Time) bool {
		if !a.Status.IsActive() {
			return false
		}

		a.Status = status
		a.ResolvedAt = &now
		return true
	}
}
