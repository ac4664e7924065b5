package synchub_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/basegraph-relay/reactor/internal/domain"
	"github.com/basegraph-relay/reactor/internal/synchub"
)

var errFakeClosed = errors.New("fake conn closed")

// fakeConn feeds a scripted sequence of inbound frames to Hub.Join and
// records every outbound write, mirroring wsbus_test.go's fakeConn. Once the
// script is exhausted, Read blocks until the test calls hangup (or the
// context is cancelled) instead of returning immediately — a live
// connection doesn't disconnect itself just because nothing arrived yet.
type fakeConn struct {
	mu     sync.Mutex
	inbox  [][]byte
	pos    int
	writes [][]byte
	closed bool
	hangup chan struct{}
}

func newFakeConn(frames ...map[string]any) *fakeConn {
	fc := &fakeConn{hangup: make(chan struct{})}
	for _, f := range frames {
		data, _ := json.Marshal(f)
		fc.inbox = append(fc.inbox, data)
	}
	return fc
}

func (f *fakeConn) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	f.mu.Lock()
	if f.pos < len(f.inbox) {
		data := f.inbox[f.pos]
		f.pos++
		f.mu.Unlock()
		return websocket.MessageText, data, nil
	}
	f.mu.Unlock()

	select {
	case <-f.hangup:
		return 0, nil, errFakeClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// hangUp ends the scripted connection, letting a blocked Read return.
func (f *fakeConn) hangUp() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		close(f.hangup)
		f.closed = true
	}
}

func (f *fakeConn) Close(code websocket.StatusCode, reason string) error {
	f.hangUp()
	return nil
}

func (f *fakeConn) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []string
	for _, w := range f.writes {
		var ev synchub.Event
		if err := json.Unmarshal(w, &ev); err == nil {
			types = append(types, ev.Type)
		}
	}
	return types
}

func (f *fakeConn) lastPayload(eventType string) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.writes) - 1; i >= 0; i-- {
		var ev synchub.Event
		if err := json.Unmarshal(f.writes[i], &ev); err != nil {
			continue
		}
		if ev.Type != eventType {
			continue
		}
		payload, _ := ev.Payload.(map[string]any)
		return payload, true
	}
	return nil, false
}

// fakeDocStore is a minimal in-memory store.DocStore double.
type fakeDocStore struct {
	mu   sync.Mutex
	docs map[string][]byte
	puts int
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{docs: make(map[string][]byte)}
}

func (f *fakeDocStore) GetProjectState(ctx context.Context, docID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.docs[docID]
	if !ok {
		return nil, fmt.Errorf("not found: %s", docID)
	}
	return data, nil
}

func (f *fakeDocStore) PutProjectState(ctx context.Context, docID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[docID] = data
	f.puts++
	return nil
}

func (f *fakeDocStore) MergeRunArtifact(ctx context.Context, key string, update map[string]any) error {
	return nil
}

func (f *fakeDocStore) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

func (f *fakeDocStore) snapshot() map[string][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]byte, len(f.docs))
	for k, v := range f.docs {
		out[k] = v
	}
	return out
}

func testProject() domain.ProjectContext {
	return domain.ProjectContext{Client: "acme", App: "lab", Project: "p1"}
}

func card(id string, value any) map[string]any {
	return map[string]any{"id": id, "payload": map[string]any{"value": value}}
}

func stateUpdateFrame(mode domain.Mode, cards []map[string]any) map[string]any {
	return map[string]any{
		"type": "state_update",
		"payload": map[string]any{
			"cards": cards,
			"mode":  string(mode),
		},
	}
}
