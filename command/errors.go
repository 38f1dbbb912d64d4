package command

import (
	"errors"
	"fmt"

	"github.com/kostush/purchase-gateway-sub010/purchase"
)

// Code classifies an Error for clients.
type Code string

const (
	CodeInvalidCommand          Code = "invalid_command"
	CodeSessionNotFound         Code = "session_not_found"
	CodeSessionAlreadyProcessed Code = "session_already_processed"
	CodeIllegalStateTransition  Code = "illegal_state_transition"
	CodeMissingRedirectURL      Code = "missing_redirect_url"
	CodeMissingParesAndMD       Code = "missing_pares_and_md"
	CodeMissingThreeDParameters Code = "missing_threed_parameters"
	CodeMissingTransactionID    Code = "missing_transaction_id"
	CodeSiteNotFound            Code = "site_not_found"
	CodeBlockedDueToFraudAdvice Code = "blocked_due_to_fraud_advice"
	CodeTransactionStillPending Code = "transaction_still_pending"
	CodeConcurrentUpdate        Code = "concurrent_update"
	CodeDependencyFailure       Code = "dependency_failure"
	CodeInternal                Code = "internal"
)

// Error is the failure variant of a handler result. It carries the hint a
// client needs to recover.
type Error struct {
	Code       Code
	Message    string
	NextAction *NextAction
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("command: %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("command: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is; handlers return fresh values with detail.
var (
	ErrInvalidCommand          = &Error{Code: CodeInvalidCommand}
	ErrSessionNotFound         = &Error{Code: CodeSessionNotFound}
	ErrSessionAlreadyProcessed = &Error{Code: CodeSessionAlreadyProcessed}
	ErrIllegalStateTransition  = &Error{Code: CodeIllegalStateTransition}
	ErrMissingRedirectURL      = &Error{Code: CodeMissingRedirectURL}
	ErrMissingParesAndMD       = &Error{Code: CodeMissingParesAndMD}
	ErrMissingThreeDParameters = &Error{Code: CodeMissingThreeDParameters}
	ErrMissingTransactionID    = &Error{Code: CodeMissingTransactionID}
	ErrSiteNotFound            = &Error{Code: CodeSiteNotFound}
	ErrBlockedDueToFraudAdvice = &Error{Code: CodeBlockedDueToFraudAdvice}
	ErrTransactionStillPending = &Error{Code: CodeTransactionStillPending}
	ErrConcurrentUpdate        = &Error{Code: CodeConcurrentUpdate}
)

func invalidCommand(want string, got any) *Error {
	return &Error{Code: CodeInvalidCommand, Message: fmt.Sprintf("expected %s, got %T", want, got)}
}

func invalidField(msg string) *Error {
	return &Error{Code: CodeInvalidCommand, Message: msg}
}

func sessionNotFound(err error) *Error {
	return &Error{Code: CodeSessionNotFound, Message: "purchase session not found", Err: err}
}

func alreadyProcessed() *Error {
	return &Error{
		Code:       CodeSessionAlreadyProcessed,
		Message:    "purchase session already processed",
		NextAction: &NextAction{Type: ActionRestartProcess},
	}
}

// fromTransition converts aggregate transition failures; anything else is
// returned unchanged.
func fromTransition(err error, p *purchase.Process) error {
	if err == nil {
		return nil
	}
	var ite *purchase.IllegalTransitionError
	if errors.As(err, &ite) {
		return &Error{
			Code:       CodeIllegalStateTransition,
			Message:    ite.Error(),
			NextAction: &NextAction{Type: ActionRestartProcess, RedirectURL: p.RedirectURL()},
			Err:        err,
		}
	}
	return err
}

func siteNotFound(siteID string) *Error {
	return &Error{Code: CodeSiteNotFound, Message: fmt.Sprintf("site %q not found", siteID)}
}

func blocked(p *purchase.Process) *Error {
	return &Error{
		Code:       CodeBlockedDueToFraudAdvice,
		Message:    "purchase blocked due to fraud advice",
		NextAction: nextActionFor(p),
	}
}

// missingParameters carries a renderGateway hint so the client can retry
// the 3DS step from the payment page.
func missingParameters(code Code, msg string, p *purchase.Process) *Error {
	return &Error{
		Code:       code,
		Message:    msg,
		NextAction: &NextAction{Type: ActionRenderGateway, RedirectURL: p.RedirectURL()},
	}
}

func illegalState(p *purchase.Process, t purchase.Transition) error {
	return fromTransition(&purchase.IllegalTransitionError{From: p.State(), Transition: t}, p)
}

func dependency(what string, err error) *Error {
	return &Error{Code: CodeDependencyFailure, Message: what, Err: err}
}

func internal(what string, err error) *Error {
	return &Error{Code: CodeInternal, Message: what, Err: err}
}
