package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Error taxonomy shared by providers, the gateway and the acquisition service.
var (
	ErrConnection          = errors.New("connection failure")
	ErrSessionIDInUse      = errors.New("session id already in use")
	ErrSessionIDsExhausted = errors.New("session id range exhausted")
	ErrTimeout             = errors.New("request timed out")
	ErrSymbolNotFound      = errors.New("symbol not found")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrNotFound            = errors.New("data not found locally")
	ErrIntegrity           = errors.New("data integrity violation")
	ErrInvalidMode         = errors.New("invalid acquisition mode")
	ErrInvalidTimeframe    = errors.New("invalid timeframe")
)

// ProviderError carries a provider-specific code and message while
// classifying as one of the taxonomy sentinels through Unwrap.
type ProviderError struct {
	Code    int
	Message string
	Kind    error
}

func (e *ProviderError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%v: code %d: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Kind }

// IsTransient reports whether err is worth retrying: timeouts and
// connection failures. Not-found and invalid-request errors never are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSymbolNotFound) || errors.Is(err, ErrInvalidRequest) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnection) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

// Messages some gateways return when a client id is taken by another session.
var sessionConflictMarkers = []string{
	"already in use",
	"client id is in use",
	"clientid in use",
}

// IsSessionIDInUse reports whether err signals a session-id conflict. The
// typed sentinel is checked first; message matching covers gateways that only
// report the condition as text.
func IsSessionIDInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionIDInUse) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range sessionConflictMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
