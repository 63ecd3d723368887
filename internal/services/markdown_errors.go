package services

import (
	"errors"
	"fmt"
	"strings"

	domain "github.com/hanko-field/markdown-authz/internal/domain"
)

var (
	// ErrMarkdownInvalidInput indicates a constructor or request argument was malformed.
	ErrMarkdownInvalidInput = errors.New("markdown: invalid input")
	// ErrInvalidTransition is wrapped by TransitionError when an operation is called from the wrong state.
	ErrInvalidTransition = errors.New("markdown session: invalid state transition")
	// ErrAuthorizationInProgress is returned while a credential check for the session is outstanding.
	ErrAuthorizationInProgress = errors.New("markdown session: override authorization already in progress")
	// ErrOverrideSuperseded is returned when the override was cancelled or replaced during the credential check.
	ErrOverrideSuperseded = errors.New("markdown session: override request was cancelled or replaced")
	// ErrMarkdownRequiresOverride indicates the markdown is well formed but beyond the session limits.
	ErrMarkdownRequiresOverride = errors.New("markdown session: manager override required")
	// ErrMarkdownRejected indicates the markdown failed validation.
	ErrMarkdownRejected = errors.New("markdown session: markdown rejected")
	// ErrSessionNotFound indicates the session id is unknown or has expired.
	ErrSessionNotFound = errors.New("markdown session: not found")
	// ErrSessionForbidden indicates the caller does not own the session.
	ErrSessionForbidden = errors.New("markdown session: forbidden")

	// ErrInvalidCredentials is returned by credential verifiers for a wrong id or PIN.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrVerifierUnavailable is returned by credential verifiers when the directory cannot be reached.
	ErrVerifierUnavailable = errors.New("credential verifier unavailable")
)

// TransitionError describes a session operation invoked from a state that does not allow it.
type TransitionError struct {
	Op    string
	State SessionState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s not allowed in state %s", ErrInvalidTransition.Error(), e.Op, e.State)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// MarkdownRejectedError carries the validation result of a markdown that could not be applied.
type MarkdownRejectedError struct {
	Result domain.ValidationResult
}

func (e *MarkdownRejectedError) Error() string {
	if len(e.Result.Errors) == 0 && e.Result.RequiresOverride {
		return ErrMarkdownRequiresOverride.Error()
	}
	return fmt.Sprintf("%s: %s", ErrMarkdownRejected.Error(), strings.Join(e.Result.Errors, "; "))
}

// Is matches ErrMarkdownRequiresOverride when override is the only problem, and ErrMarkdownRejected otherwise.
func (e *MarkdownRejectedError) Is(target error) bool {
	if len(e.Result.Errors) == 0 && e.Result.RequiresOverride {
		return target == ErrMarkdownRequiresOverride
	}
	return target == ErrMarkdownRejected
}
