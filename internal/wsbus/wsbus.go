// Package wsbus implements the WebSocket Session Bus (§4.10): one bus per
// live engagement socket, serializing every outbound Event through a single
// sender so concurrent emitters (the engine loop, the insight generator's
// background goroutines) never interleave partial writes on the same
// connection. Grounded on
// codeready-toolchain-tarsy/pkg/events/manager.go's ConnectionManager, which
// wraps the same github.com/coder/websocket transport — sendRaw's per-write
// timeout context and Close(status, reason) call are carried over directly.
package wsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Kind enumerates the session-bus event kinds (§4.10). The sync hub does
// not use it; it has its own Event type.
type Kind string

const (
	KindConnected             Kind = "connected"
	KindWorkflowStarted       Kind = "workflow_started"
	KindWorkflowProgress      Kind = "workflow_progress"
	KindReactThought          Kind = "react_thought"
	KindReactAction           Kind = "react_action"
	KindReactObservation      Kind = "react_observation"
	KindReactDecision         Kind = "react_decision"
	KindReactCorrection       Kind = "react_correction"
	KindReactLoopDetected     Kind = "react_loop_detected"
	KindReactStalled          Kind = "react_stalled"
	KindReactAbortComplexity  Kind = "react_abort_complexity"
	KindReactGenStatus        Kind = "react_generation_status"
	KindReactGenTimeout       Kind = "react_generation_timeout"
	KindReactGenFailed        Kind = "react_generation_failed"
	KindReactValidationBlock  Kind = "react_validation_blocked"
	KindAtomPrompt            Kind = "atom_prompt"
	KindAtomRetry             Kind = "atom_retry"
	KindAgentExecuted         Kind = "agent_executed"
	KindStepStarted           Kind = "step_started"
	KindStepCompleted         Kind = "step_completed"
	KindStepFailed            Kind = "step_failed"
	KindFileCreated           Kind = "file_created"
	KindWorkflowInsight       Kind = "workflow_insight"
	KindWorkflowInsightFailed Kind = "workflow_insight_failed"
	KindWorkflowCompleted     Kind = "workflow_completed"
	KindWorkflowStopped       Kind = "workflow_stopped"
	KindError                 Kind = "error"
)

// Close codes used when ending a session socket (§7).
const (
	StatusNormal = websocket.StatusNormalClosure
	StatusError  = websocket.StatusInternalError
)

// Event is the envelope written to the client socket (§6.1).
type Event struct {
	Kind    Kind `json:"type"`
	Payload any  `json:"payload,omitempty"`
}

// ErrDisconnect is a typed sentinel a bus's Send returns once the underlying
// connection is gone, replacing exception-driven "socket closed" control
// flow with an ordinary Go error the caller switches on.
var ErrDisconnect = errors.New("wsbus: client disconnected")

// Conn is the subset of *websocket.Conn the bus needs; narrowed to ease
// testing with a fake.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
}

// Bus serializes all sends to one client connection through a single
// goroutine-safe Send call (a mutex, not a channel — sends are synchronous
// and the caller needs the write error back immediately).
type Bus struct {
	conn         Conn
	mu           sync.Mutex
	writeTimeout time.Duration
	closed       bool
}

// New builds a Bus around an accepted connection.
func New(conn Conn, writeTimeout time.Duration) *Bus {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Bus{conn: conn, writeTimeout: writeTimeout}
}

// Send marshals and writes ev, returning ErrDisconnect if the connection has
// already been closed or the write itself fails.
func (b *Bus) Send(ctx context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrDisconnect
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %q: %w", ev.Kind, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, b.writeTimeout)
	defer cancel()

	if err := b.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		b.closed = true
		return fmt.Errorf("%w: %v", ErrDisconnect, err)
	}
	return nil
}

// ReadClientMessage blocks for the next inbound client frame (pause/resume/
// cancel control messages per §6.1), decoding it into v.
func (b *Bus) ReadClientMessage(ctx context.Context, v any) error {
	_, data, err := b.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnect, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode client message: %w", err)
	}
	return nil
}

// Close ends the connection with the given status/reason, marking the bus
// closed so later Sends short-circuit instead of writing to a dead socket.
func (b *Bus) Close(code websocket.StatusCode, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.conn.Close(code, reason)
}
