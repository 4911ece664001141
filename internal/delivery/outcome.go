package delivery

// OutcomeKind names the single bucket every delivery attempt lands in.
type OutcomeKind string

const (
	// KindAccounted is the only success: the classifier booked an entry.
	KindAccounted OutcomeKind = "accounted"
	// KindIrrelevant means the classifier saw no accounting content.
	// The channel stays silent for these.
	KindIrrelevant OutcomeKind = "irrelevant"

	KindAuthFailed        OutcomeKind = "auth_failed"
	KindQuotaExceeded     OutcomeKind = "quota_exceeded"
	KindRateLimited       OutcomeKind = "rate_limited"
	KindNotFound          OutcomeKind = "not_found"
	KindTimeout           OutcomeKind = "timeout"
	KindConnectionError   OutcomeKind = "connection_error"
	KindMalformedResponse OutcomeKind = "malformed_response"
	KindUnknownFailure    OutcomeKind = "unknown_failure"
)

// AllKinds enumerates every possible outcome, for exhaustiveness checks.
func AllKinds() []OutcomeKind {
	return []OutcomeKind{
		KindAccounted,
		KindIrrelevant,
		KindAuthFailed,
		KindQuotaExceeded,
		KindRateLimited,
		KindNotFound,
		KindTimeout,
		KindConnectionError,
		KindMalformedResponse,
		KindUnknownFailure,
	}
}

// Outcome is the pipeline's verdict on one message.
//
// ShouldReply is false only for KindIrrelevant: users are told about
// failures rather than left wondering, while chat noise the classifier
// rejected stays unanswered.
type Outcome struct {
	Kind        OutcomeKind `json:"kind"`
	Success     bool        `json:"success"`
	Message     string      `json:"message"`
	ShouldReply bool        `json:"shouldReply"`
}

func newOutcome(kind OutcomeKind, message string) Outcome {
	return Outcome{
		Kind:        kind,
		Success:     kind == KindAccounted,
		Message:     message,
		ShouldReply: kind != KindIrrelevant,
	}
}

// kindForStatus maps a non-2xx classification response. Statuses without
// a dedicated kind fall back to scanning the response text.
func kindForStatus(code int, body string) OutcomeKind {
	switch code {
	case 401:
		return KindAuthFailed
	case 402:
		return KindQuotaExceeded
	case 404:
		return KindNotFound
	case 429:
		return KindRateLimited
	default:
		return kindForFailureText(body)
	}
}
