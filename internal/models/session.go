package models

import "time"

// SessionState tracks where a connected player is in admission.
type SessionState string

const (
	SessionAdmitted             SessionState = "admitted"
	SessionAwaitingRegistration SessionState = "awaiting_registration"
	SessionAwaitingReauth       SessionState = "awaiting_reauthentication"
	SessionTerminated           SessionState = "terminated"
)

// Session is the per-connection state shared between the verification
// pipeline and the credential gate. Fingerprint is the one observed at
// connect time; while the session is challenged it is the pending
// fingerprint that a successful credential commits.
type Session struct {
	ID          string       `json:"id"`
	Key         string       `json:"key"`
	DisplayName string       `json:"display_name"`
	Edition     Edition      `json:"edition"`
	State       SessionState `json:"state"`
	Fingerprint Fingerprint  `json:"fingerprint"`
	Failures    int          `json:"failures"`
	StartedAt   time.Time    `json:"started_at"`
	AdmittedAt  time.Time    `json:"admitted_at"`
	NewBinding  bool         `json:"new_binding"`
}

// Challenged reports whether the session is held in limbo.
func (s *Session) Challenged() bool {
	return s.State == SessionAwaitingRegistration || s.State == SessionAwaitingReauth
}

// ChallengeStateFor maps a challenge kind onto the limbo state it opens.
func ChallengeStateFor(kind ChallengeKind) SessionState {
	if kind == ChallengeRegistration {
		return SessionAwaitingRegistration
	}
	return SessionAwaitingReauth
}
