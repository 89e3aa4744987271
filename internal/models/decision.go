package models

// Outcome names the variant of a Decision.
type Outcome string

const (
	OutcomeAllowed        Outcome = "allowed"
	OutcomeNeedsChallenge Outcome = "needs_challenge"
	OutcomeDenied         Outcome = "denied"
)

// TrustBasis records why an attempt was allowed.
type TrustBasis string

const (
	BasisAllowList    TrustBasis = "override"
	BasisPlatformID   TrustBasis = "platform_id"
	BasisSimilarity   TrustBasis = "similarity"
	BasisRegistration TrustBasis = "registration"
	BasisCredential   TrustBasis = "credential"
)

type ChallengeKind string

const (
	ChallengeRegistration     ChallengeKind = "registration"
	ChallengeReauthentication ChallengeKind = "reauthentication"
)

type DenyReason string

const (
	DenyHardMismatch        DenyReason = "hard_mismatch"
	DenyCrossEditionLock    DenyReason = "cross_edition_lock"
	DenyConfusableNameSpoof DenyReason = "confusable_name_spoof"
	DenyInvalidName         DenyReason = "invalid_name"
	DenyRateLimited         DenyReason = "rate_limited"
	DenyLookupFailed        DenyReason = "lookup_failed"
	DenyNoCredential        DenyReason = "no_credential"
	DenyInternalError       DenyReason = "internal_error"
)

// Decision is the closed set of verification results: Allowed,
// NeedsChallenge or Denied. Callers switch on the concrete type.
type Decision interface {
	Outcome() Outcome
	sealed()
}

type Allowed struct {
	TrustBasis   TrustBasis `json:"trust_basis"`
	IsNewBinding bool       `json:"is_new_binding"`
	IsSoftMatch  bool       `json:"is_soft_match"`
	Similarity   float64    `json:"similarity"`
	Provider     string     `json:"provider,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
}

type NeedsChallenge struct {
	Kind       ChallengeKind `json:"kind"`
	Reason     string        `json:"reason"`
	Similarity float64       `json:"similarity"`
	SessionID  string        `json:"session_id,omitempty"`
}

type Denied struct {
	Reason      DenyReason `json:"reason"`
	UserMessage string     `json:"user_message"`
}

func (Allowed) Outcome() Outcome        { return OutcomeAllowed }
func (NeedsChallenge) Outcome() Outcome { return OutcomeNeedsChallenge }
func (Denied) Outcome() Outcome         { return OutcomeDenied }

func (Allowed) sealed()        {}
func (NeedsChallenge) sealed() {}
func (Denied) sealed()         {}
