package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrAuthRequired marks a credential whose session is invalid or expired.
// It is fatal for that credential's run; other credentials are unaffected.
var ErrAuthRequired = errors.New("telegram: authorization required")

// authMarkers are the rpc error codes that mean the session is dead.
var authMarkers = []string{
	"AUTH_KEY_UNREGISTERED",
	"AUTH_KEY_INVALID",
	"SESSION_REVOKED",
	"SESSION_EXPIRED",
	"USER_DEACTIVATED",
}

// FloodWait extracts the wait duration from a FLOOD_WAIT error.
// gotd errors are usually wrapped, so the error string is checked rather
// than the concrete tg error type.
func FloodWait(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}

	str := err.Error()
	idx := strings.Index(str, "FLOOD_WAIT_")
	if idx < 0 {
		return 0, false
	}

	// format is FLOOD_WAIT_X where X is seconds, possibly with a suffix
	var seconds int
	if _, err := fmt.Sscanf(str[idx:], "FLOOD_WAIT_%d", &seconds); err != nil {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// IsAuthError reports whether err means the credential needs reauthorization.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthRequired) {
		return true
	}
	str := err.Error()
	for _, marker := range authMarkers {
		if strings.Contains(str, marker) {
			return true
		}
	}
	return false
}

// IsTransient reports whether err looks like a recoverable network failure.
// Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsAuthError(err) {
		return false
	}
	if _, ok := FloodWait(err); ok {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	str := err.Error()
	for _, marker := range []string{"connection dead", "connection reset", "engine was closed", "EOF", "i/o timeout"} {
		if strings.Contains(str, marker) {
			return true
		}
	}
	return false
}
