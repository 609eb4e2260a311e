package domain

// Decision is the terminal outcome of one content-access evaluation. It is
// never persisted.
type Decision string

const (
	// DecisionAuthorized means the protected content may be rendered.
	DecisionAuthorized Decision = "authorized"
	// DecisionChallenged means the visitor must be shown the sign-in CTA.
	DecisionChallenged Decision = "challenged"
	// DecisionDenied means an authenticated subscriber lacks the required
	// entitlement; the CTA is re-rendered with an insufficient-access message
	// distinct from "not signed in".
	DecisionDenied Decision = "denied"
)

// DenialReason qualifies a Challenged or Denied decision for the caller that
// renders the CTA. Internal error detail never reaches the visitor.
type DenialReason string

const (
	ReasonNotSignedIn        DenialReason = "not_signed_in"
	ReasonInsufficientAccess DenialReason = "insufficient_access"
)
