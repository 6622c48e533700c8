// Package events publishes operation lifecycle events to a message bus.
package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"histfill/internal/domain"
)

// Event types.
const (
	TypeOperationCreated  = "operation.created"
	TypeOperationProgress = "operation.progress"
	TypeOperationFinished = "operation.finished"
)

// Event is one operation state change.
type Event struct {
	Type      string           `json:"type"`
	Time      time.Time        `json:"time"`
	Operation domain.Operation `json:"operation"`
}

// Publisher delivers events. Implementations must be safe for concurrent use;
// callers treat delivery as best-effort.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Subject returns the bus subject for ev: <prefix>.operations.<symbol>.<type>.
func Subject(prefix string, ev Event) string {
	sym := strings.ToUpper(ev.Operation.Symbol)
	if sym == "" {
		sym = "_"
	}
	// Subject tokens may not contain dots.
	sym = strings.ReplaceAll(sym, ".", "_")
	return fmt.Sprintf("%s.operations.%s.%s", strings.TrimSuffix(prefix, "."), sym, ev.Type)
}
