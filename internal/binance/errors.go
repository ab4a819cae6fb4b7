package binance

import (
	"errors"
	"fmt"
	"time"
)

// Exchange error codes the engine recognizes.
const (
	CodeTimestampOutOfSync = -1021
	CodeInvalidQuantity    = -1013
	CodeInvalidSymbol      = -1121
	CodeInvalidAPIKey      = -2014
	CodeAuthFailure        = -2015
	CodeReduceOnlyRejected = -4164
	CodeInvalidLeverage    = -4174
)

// APIError is a typed error mapped from an exchange response.
type APIError struct {
	Code       int
	Message    string
	HTTPStatus int
	RetryAfter time.Duration // set for rate-limit responses
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("binance: code=%d status=%d %s", e.Code, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("binance: status=%d %s", e.HTTPStatus, e.Message)
}

// NetworkError wraps transport-level failures (DNS, timeouts, refused
// connections) so callers can distinguish them from exchange rejects.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "binance: network: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

func asAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}

// IsRateLimit reports whether err is an HTTP 429 rate-limit rejection.
func IsRateLimit(err error) bool {
	e := asAPIError(err)
	return e != nil && e.HTTPStatus == 429
}

// RetryAfter returns the rate-limit retry hint, if any.
func RetryAfter(err error) (time.Duration, bool) {
	e := asAPIError(err)
	if e == nil || e.RetryAfter <= 0 {
		return 0, false
	}
	return e.RetryAfter, true
}

// IsAuthFailure reports invalid or unauthorized API credentials.
func IsAuthFailure(err error) bool {
	e := asAPIError(err)
	return e != nil && (e.HTTPStatus == 401 || e.Code == CodeAuthFailure || e.Code == CodeInvalidAPIKey)
}

// IsInvalidQuantity reports a quantity rejected by the exchange filters.
func IsInvalidQuantity(err error) bool {
	e := asAPIError(err)
	return e != nil && e.Code == CodeInvalidQuantity
}

// IsInvalidSymbol reports an unknown trading symbol.
func IsInvalidSymbol(err error) bool {
	e := asAPIError(err)
	return e != nil && e.Code == CodeInvalidSymbol
}

// IsReduceOnlyRejected reports a rejected reduce-only order.
func IsReduceOnlyRejected(err error) bool {
	e := asAPIError(err)
	return e != nil && e.Code == CodeReduceOnlyRejected
}

// IsInvalidLeverage reports a leverage setting the exchange refuses.
func IsInvalidLeverage(err error) bool {
	e := asAPIError(err)
	return e != nil && e.Code == CodeInvalidLeverage
}

// IsTimestampOutOfSync reports a request signed with a skewed timestamp.
func IsTimestampOutOfSync(err error) bool {
	e := asAPIError(err)
	return e != nil && e.Code == CodeTimestampOutOfSync
}

// IsNetwork reports a transport-level failure.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsFatalForRunner reports error kinds that stop a strategy runner: bad
// credentials or configuration the exchange will keep rejecting.
func IsFatalForRunner(err error) bool {
	return IsAuthFailure(err) || IsInvalidSymbol(err) || IsInvalidLeverage(err)
}

// IsTransient reports error kinds worth retrying with backoff.
func IsTransient(err error) bool {
	if IsNetwork(err) || IsRateLimit(err) {
		return true
	}
	e := asAPIError(err)
	return e != nil && e.HTTPStatus >= 500
}
