package domain

// ReviewMode selects which sub-view of a review session is active.
type ReviewMode string

const (
	ReviewModeViewing ReviewMode = "viewing"
	ReviewModeEditing ReviewMode = "editing"
)

// PendingAction tracks the transition currently in flight for a session.
// A session holds at most one non-none value at a time.
type PendingAction string

const (
	PendingActionNone      PendingAction = "none"
	PendingActionApproving PendingAction = "approving"
	PendingActionRejecting PendingAction = "rejecting"
)

// PendingActionFor maps a transition target to the action that tracks it.
func PendingActionFor(target DepositStatus) (PendingAction, bool) {
	switch target {
	case DepositStatusApproved:
		return PendingActionApproving, true
	case DepositStatusRejected:
		return PendingActionRejecting, true
	default:
		return PendingActionNone, false
	}
}

// OutcomeKind tags the result of the last transition attempt.
type OutcomeKind string

const (
	OutcomeNone    OutcomeKind = "none"
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
)

// Outcome is the last transition result of a session. The zero value means "none".
type Outcome struct {
	Kind    OutcomeKind `json:"kind"`
	Message string      `json:"message,omitempty"`
}

func SuccessOutcome(message string) Outcome {
	return Outcome{Kind: OutcomeSuccess, Message: message}
}

func FailureOutcome(message string) Outcome {
	return Outcome{Kind: OutcomeFailure, Message: message}
}

// IsNone reports whether no outcome is recorded.
func (o Outcome) IsNone() bool {
	return o.Kind == "" || o.Kind == OutcomeNone
}

// BannerSeverity is the visual severity of a notification banner.
type BannerSeverity string

const (
	BannerSeveritySuccess BannerSeverity = "success"
	BannerSeverityDanger  BannerSeverity = "danger"
)

// Banner is what the generic alert renderer consumes.
type Banner struct {
	Severity    BannerSeverity `json:"severity"`
	Message     string         `json:"message"`
	Dismissible bool           `json:"dismissible"`
}
