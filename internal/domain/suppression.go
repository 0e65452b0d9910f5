package domain

// SuppressionScope says how widely a suppression applies.
type SuppressionScope string

const (
	ScopeGlobal SuppressionScope = "global"
	ScopeList   SuppressionScope = "list"
)

// SuppressionReason enumerates why an email was suppressed.
type SuppressionReason string

const (
	ReasonHardBounce  SuppressionReason = "hard_bounce"
	ReasonComplaint   SuppressionReason = "spam_complaint"
	ReasonUnsubscribe SuppressionReason = "unsubscribe"
	ReasonManual      SuppressionReason = "manual"
)

// SuppressionDecision is the answer of the suppression collaborator for one address.
type SuppressionDecision struct {
	Suppressed bool              `json:"suppressed"`
	Reason     SuppressionReason `json:"reason,omitempty"`
	Scope      SuppressionScope  `json:"scope,omitempty"`
}
