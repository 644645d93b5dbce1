package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy for RPC failures. Callers decide the recovery path per
// class: shrink the scan window, rotate the provider, or abort the tick.
var (
	// ErrResultSetTooLarge means the provider's result-size cap was hit;
	// the scan window must shrink before the next attempt.
	ErrResultSetTooLarge = errors.New("rpc: result set too large")

	// ErrRangeInvalid means the requested range starts past the chain head.
	ErrRangeInvalid = errors.New("rpc: scan range ahead of chain head")

	// ErrProviderUnavailable covers timeouts, rate limits and transport
	// failures; recovered by rotating to the next candidate endpoint.
	ErrProviderUnavailable = errors.New("rpc: provider unavailable")
)

// Substrings providers embed in result-cap errors. Matching is by message
// text because JSON-RPC error codes for this condition are not standardized.
var tooLargeMarkers = []string{
	"query returned more than",
	"too many results",
	"response size exceeded",
	"block range is too large",
	"range exceeds",
	"log response size",
}

var unavailableMarkers = []string{
	"rate limit",
	"too many requests",
	"429",
	"503",
	"connection refused",
	"connection reset",
	"i/o timeout",
	"eof",
	"no such host",
	"timeout exceeded",
}

// Classify maps a raw provider error onto the error taxonomy, wrapping the
// original so the cause stays visible in logs. Unrecognized errors pass
// through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrResultSetTooLarge) || errors.Is(err, ErrRangeInvalid) || errors.Is(err, ErrProviderUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	msg := strings.ToLower(err.Error())
	for _, m := range tooLargeMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %v", ErrResultSetTooLarge, err)
		}
	}
	for _, m := range unavailableMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
	}
	return err
}
