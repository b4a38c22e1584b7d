package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies provider failures by how the scheduler should react.
type Kind int

const (
	// KindTransient failures leave the item's status alone and back off.
	KindTransient Kind = iota
	// KindPermanent failures fail the item after repeated occurrences.
	KindPermanent
)

func (k Kind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// Error is a classified provider failure.
type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s error (HTTP %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a transient failure of provider.
func Transient(provider string, code int, err error) error {
	return &Error{Kind: KindTransient, Provider: provider, StatusCode: code, Err: err}
}

// Permanent wraps err as a permanent failure of provider.
func Permanent(provider string, code int, err error) error {
	return &Error{Kind: KindPermanent, Provider: provider, StatusCode: code, Err: err}
}

// Permanentf builds a permanent failure from a format string.
func Permanentf(provider string, code int, format string, args ...any) error {
	return Permanent(provider, code, fmt.Errorf(format, args...))
}

// IsPermanent reports whether err is a permanent provider failure.
func IsPermanent(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindPermanent
}

// IsTransient reports whether err should be retried on a later tick.
// Unclassified errors count as transient.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

// ClassifyStatus maps an HTTP status code to a failure kind. Rate limits and
// server errors are transient; auth and missing resources are permanent.
func ClassifyStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return KindTransient
	case code >= 500:
		return KindTransient
	case code == http.StatusUnauthorized, code == http.StatusForbidden,
		code == http.StatusNotFound, code == http.StatusGone,
		code == http.StatusUnprocessableEntity:
		return KindPermanent
	case code >= 400:
		return KindPermanent
	}
	return KindTransient
}

// Classify wraps an error from provider that carries no classification.
// Timeouts, network failures and anything else unknown are transient.
// Already classified errors pass through.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return Transient(provider, 0, err)
}
