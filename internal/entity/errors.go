package entity

import (
	"errors"
	"fmt"
)

var (
	ErrNetwork        = errors.New("network error")
	ErrLoginFailed    = errors.New("login failed")
	ErrCaptcha        = errors.New("captcha error")
	ErrExtraction     = errors.New("extraction failed")
	ErrValidation     = errors.New("validation failed")
	ErrStorage        = errors.New("storage error")
	ErrNotFound       = errors.New("not found")
	ErrSessionExpired = errors.New("session expired")
	ErrInvalidTask    = errors.New("invalid task")
)

// LoginError is returned for any failure of the login state machine.
type LoginError struct {
	State         string
	Field         string
	Expected      string
	Actual        string
	DiagnosticKey string
	Err           error
}

func (e *LoginError) Error() string {
	msg := fmt.Sprintf("login failed in state %s", e.State)
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %s)", e.Field)
	}
	if e.Expected != "" {
		msg += fmt.Sprintf(": expected text %q, got %q", e.Expected, e.Actual)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoginError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrLoginFailed}
	}
	return []error{ErrLoginFailed, e.Err}
}

// CaptchaKind classifies resolver failures.
type CaptchaKind string

const (
	CaptchaInvalidImage CaptchaKind = "invalid_image"
	CaptchaUnrecognized CaptchaKind = "unrecognized"
	CaptchaTimeout      CaptchaKind = "timeout"
	CaptchaAPI          CaptchaKind = "api"
	CaptchaBalance      CaptchaKind = "balance"
	CaptchaNetwork      CaptchaKind = "network"
)

type CaptchaError struct {
	Kind CaptchaKind
	Code string
	Err  error
}

func (e *CaptchaError) Error() string {
	msg := "captcha " + string(e.Kind)
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CaptchaError) Unwrap() []error {
	errs := []error{ErrCaptcha}
	if e.Kind == CaptchaNetwork {
		errs = append(errs, ErrNetwork)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// StorageError wraps a durable-store failure.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// DeliveryError is returned by the sync pipeline when a batch was deferred.
type DeliveryError struct {
	Attempts   int
	PendingKey string
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.PendingKey == "" {
		return fmt.Sprintf("batch delivery failed after %d attempts and was not persisted: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("batch delivery failed after %d attempts, deferred as %s: %v", e.Attempts, e.PendingKey, e.Err)
}

func (e *DeliveryError) Unwrap() []error { return []error{ErrNetwork, e.Err} }

// NetError marks navigation and API transport failures.
type NetError struct {
	Op  string
	Err error
}

func (e *NetError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *NetError) Unwrap() []error { return []error{ErrNetwork, e.Err} }

func NetworkError(op string, err error) error {
	return &NetError{Op: op, Err: err}
}
