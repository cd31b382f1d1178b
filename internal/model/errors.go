package model

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrConfig                 = errors.New("configuration error")
	ErrUnknownVendor          = errors.New("unknown vendor")
	ErrMissingAssetIdentifier = errors.New("asset requires an asset tag or serial number")
	ErrInvalidAssetTag        = errors.New("asset tag must be TRL or SAH with 5 digits, or SAHM with 4 digits")
	ErrInvalidActor           = errors.New("actor must be a 3-8 letter uniqname")
	ErrMissingTicket          = errors.New("ticket id is required")
)

// ErrorKind is the engine wide error taxonomy.
type ErrorKind string

const (
	KindTransientNetwork     ErrorKind = "TransientNetworkError"
	KindVendorServer         ErrorKind = "VendorServerError"
	KindRateLimitExceeded    ErrorKind = "RateLimitExceeded"
	KindAuth                 ErrorKind = "AuthError"
	KindInvalidRequest       ErrorKind = "InvalidRequest"
	KindUnsupportedOperation ErrorKind = "UnsupportedOperation"
	KindMalformedResponse    ErrorKind = "MalformedResponse"
	KindCircuitOpen          ErrorKind = "CircuitOpenError"
	KindTimeout              ErrorKind = "Timeout"
	KindInvalidTicketState   ErrorKind = "InvalidTicketState"
	KindDuplicateOperation   ErrorKind = "DuplicateOperation"
)

// Transient reports whether errors of this kind are worth another attempt.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindTransientNetwork, KindVendorServer, KindRateLimitExceeded, KindTimeout:
		return true
	default:
		return false
	}
}

// VendorError is returned by adapters and the resilience layer.
type VendorError struct {
	Kind       ErrorKind
	Vendor     VendorIdentity
	HTTPStatus int
	// RetryAfter is the delay a vendor asked for on a rate limit response.
	RetryAfter time.Duration
	Err        error
}

func (e *VendorError) Error() string {
	msg := string(e.Kind)
	if e.Vendor != "" {
		msg = string(e.Vendor) + ": " + msg
	}

	if e.HTTPStatus != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.HTTPStatus)
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *VendorError) Unwrap() error {
	return e.Err
}

// NewVendorError returns a VendorError of the given kind.
func NewVendorError(vendor VendorIdentity, kind ErrorKind, err error) *VendorError {
	return &VendorError{Kind: kind, Vendor: vendor, Err: err}
}

// KindOf classifies any error into the taxonomy.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var vendorErr *VendorError
	if errors.As(err, &vendorErr) {
		return vendorErr.Kind
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTimeout
	case errors.Is(err, ErrMissingAssetIdentifier),
		errors.Is(err, ErrInvalidAssetTag),
		errors.Is(err, ErrInvalidActor),
		errors.Is(err, ErrMissingTicket),
		errors.Is(err, ErrUnknownVendor):
		return KindInvalidRequest
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}

		return KindTransientNetwork
	}

	return KindMalformedResponse
}

// KindForHTTPStatus maps a non 2xx vendor response status to the taxonomy.
func KindForHTTPStatus(status int) ErrorKind {
	switch {
	case status == 401, status == 403:
		return KindAuth
	case status == 409:
		return KindDuplicateOperation
	case status == 429:
		return KindRateLimitExceeded
	case status == 408:
		return KindTimeout
	case status >= 500:
		return KindVendorServer
	case status >= 400:
		return KindInvalidRequest
	default:
		return KindMalformedResponse
	}
}
