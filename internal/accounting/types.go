package accounting

import (
	"errors"
	"fmt"
)

// Transport-level failures, distinguished so callers can map them to
// delivery outcomes without string matching.
var (
	ErrTimeout     = errors.New("accounting: request timed out")
	ErrConnect     = errors.New("accounting: connection failed")
	ErrBadResponse = errors.New("accounting: malformed response")
)

// StatusError is any non-2xx answer from the accounting server. Body keeps
// the (truncated) response text for keyword sub-classification upstream.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("accounting: http %d", e.Code)
	}
	return fmt.Sprintf("accounting: http %d: %s", e.Code, e.Body)
}

// SubmitRequest is the smart-accounting classification call.
type SubmitRequest struct {
	Description   string `json:"description"`
	AccountBookID string `json:"accountBookId"`
	UserName      string `json:"userName,omitempty"`
}

// Result is the classifier's verdict on one message. All fields are
// optional on the wire; pointers mark the ones whose absence matters.
type Result struct {
	IsRelevant          *bool    `json:"isRelevant"`
	Error               string   `json:"error"`
	Message             string   `json:"message"`
	Amount              *float64 `json:"amount"`
	CategoryName        string   `json:"categoryName"`
	OriginalDescription string   `json:"originalDescription"`
	Date                string   `json:"date"`
	Type                string   `json:"type"`
	BudgetName          string   `json:"budgetName"`
	BudgetOwnerName     string   `json:"budgetOwnerName"`
}

// Relevant reports the classifier's verdict. An absent isRelevant field
// means the server did classify the message, so absence counts as relevant.
func (r *Result) Relevant() bool {
	return r == nil || r.IsRelevant == nil || *r.IsRelevant
}

type submitEnvelope struct {
	SmartAccountingResult *Result `json:"smartAccountingResult"`
}

// Session is the outcome of a credential login.
type Session struct {
	Token string `json:"token"`
	User  struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"user"`
}

type AccountBook struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
