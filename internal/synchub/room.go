package synchub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/basegraph-relay/reactor/internal/domain"
	"github.com/basegraph-relay/reactor/internal/idgen"
)

// userInfo is the per-socket identity the hub tracks for the user-list
// broadcast, mirroring the original ConnectionManager.user_info entry.
type userInfo struct {
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	ClientID    string    `json:"client_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// socket is one connected client within a room. Sends are serialized
// through mu, the same single-writer-per-connection rule wsbus.Bus uses.
type socket struct {
	id   string
	conn Conn

	mu     sync.Mutex
	mode   domain.Mode
	user   userInfo
	closed bool
}

func (s *socket) send(ctx context.Context, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		s.closed = true
	}
}

// room is one project's collaborative-sync state (§3 "Room"). All mutation
// goes through mu; every connected socket's read loop calls into the same
// room concurrently, so the room — not the sockets — is the serialization
// point for pending_states/save_tasks/card_editors.
type room struct {
	hub *Hub
	pc  domain.ProjectContext
	key string

	mu          sync.Mutex
	sockets     map[string]*socket
	pending     map[domain.Mode]domain.ProjectState
	saveTimers  map[domain.Mode]*time.Timer
	cardEditors map[string]domain.CardEditor
}

func newRoom(hub *Hub, pc domain.ProjectContext) *room {
	return &room{
		hub:         hub,
		pc:          pc,
		key:         pc.Key(),
		sockets:     make(map[string]*socket),
		pending:     make(map[domain.Mode]domain.ProjectState),
		saveTimers:  make(map[domain.Mode]*time.Timer),
		cardEditors: make(map[string]domain.CardEditor),
	}
}

func (r *room) register(conn Conn) *socket {
	s := &socket{
		id:   idgen.NewString(),
		conn: conn,
		mode: domain.ModeLaboratory,
		user: userInfo{Email: "Anonymous", Name: "Anonymous User", ConnectedAt: r.hub.clock.Now()},
	}

	r.mu.Lock()
	r.sockets[s.id] = s
	r.mu.Unlock()

	r.broadcastUserList(context.Background())
	return s
}

func (r *room) unregister(s *socket) {
	r.mu.Lock()
	delete(r.sockets, s.id)
	empty := len(r.sockets) == 0
	if empty {
		for mode, timer := range r.saveTimers {
			timer.Stop()
			delete(r.saveTimers, mode)
		}
		r.pending = make(map[domain.Mode]domain.ProjectState)
	}
	r.mu.Unlock()

	if empty {
		r.hub.dropIfEmpty(r)
		return
	}
	r.broadcastUserList(context.Background())
}

func (r *room) empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sockets) == 0
}

// handle dispatches one decoded client frame (§4.11, §6.2).
func (r *room) handle(ctx context.Context, s *socket, msg ClientMessage) {
	switch msg.Type {
	case MsgConnect:
		r.handleConnect(ctx, s, msg)
	case MsgStateUpdate:
		r.handleStateUpdate(ctx, s, msg)
	case MsgCardUpdate:
		r.handleCardUpdate(ctx, s, msg)
	case MsgFullSync:
		r.handleFullSync(ctx, s, msg)
	case MsgCardFocus:
		r.handleCardFocus(ctx, s, msg)
	case MsgCardBlur:
		r.handleCardBlur(ctx, s, msg)
	case MsgHeartbeat:
		s.send(ctx, Event{Type: "heartbeat", Timestamp: r.timestamp()})
	default:
		slog.WarnContext(ctx, "sync hub: unknown message type", "project_key", r.key, "type", msg.Type)
	}
}

func (r *room) handleConnect(ctx context.Context, s *socket, msg ClientMessage) {
	mode := decodeMode(msg.Payload)

	s.mu.Lock()
	s.mode = mode
	s.user = userInfo{
		Email:       orDefault(msg.UserEmail, "Anonymous"),
		Name:        orDefault(msg.UserName, "Anonymous User"),
		ClientID:    msg.ClientID,
		ConnectedAt: s.user.ConnectedAt,
	}
	s.mu.Unlock()

	s.send(ctx, Event{Type: "ack", Timestamp: r.timestamp()})
	r.broadcastUserList(ctx)
}

// statePayload is the wire shape of a state_update/full_sync payload
// (§4.11, §6.6). Extra client fields beyond these are tolerated but dropped.
type statePayload struct {
	Cards                 []domain.Card    `json:"cards"`
	WorkflowMolecules     []map[string]any `json:"workflow_molecules"`
	AuxiliaryMenuLeftOpen bool             `json:"auxiliaryMenuLeftOpen"`
	AutosaveEnabled       bool             `json:"autosaveEnabled"`
	Mode                  domain.Mode      `json:"mode"`
}

func (r *room) handleStateUpdate(ctx context.Context, s *socket, msg ClientMessage) {
	payload, ok := decodeStatePayload(msg.Payload)
	if !ok {
		return
	}
	mode := normalizeMode(payload.Mode)
	payload.Cards = domain.DedupeCards(payload.Cards)

	state := domain.ProjectState{
		Cards:                 payload.Cards,
		WorkflowMolecules:     payload.WorkflowMolecules,
		AuxiliaryMenuLeftOpen: payload.AuxiliaryMenuLeftOpen,
		AutosaveEnabled:       payload.AutosaveEnabled,
		Mode:                  mode,
		UpdatedAt:             r.hub.clock.Now(),
	}

	r.mu.Lock()
	r.pending[mode] = state
	r.mu.Unlock()

	r.scheduleSave(mode)
	r.broadcast(ctx, s, mode, Event{Type: "state_update", Payload: state, Timestamp: r.timestamp()})
	s.send(ctx, Event{Type: "ack", Timestamp: r.timestamp()})
}

func (r *room) handleFullSync(ctx context.Context, s *socket, msg ClientMessage) {
	payload, ok := decodeStatePayload(msg.Payload)
	if !ok {
		return
	}
	mode := normalizeMode(payload.Mode)
	payload.Cards = domain.DedupeCards(payload.Cards)

	state := domain.ProjectState{
		Cards:                 payload.Cards,
		WorkflowMolecules:     payload.WorkflowMolecules,
		AuxiliaryMenuLeftOpen: payload.AuxiliaryMenuLeftOpen,
		AutosaveEnabled:       payload.AutosaveEnabled,
		Mode:                  mode,
		UpdatedAt:             r.hub.clock.Now(),
	}

	r.mu.Lock()
	r.pending[mode] = state
	r.mu.Unlock()

	r.scheduleSave(mode)
	r.broadcast(ctx, s, mode, Event{Type: "full_sync", Payload: state, Timestamp: r.timestamp()})
	s.send(ctx, Event{Type: "ack", Timestamp: r.timestamp()})
}

// handleCardUpdate applies a per-card incremental patch (§4.11). On the
// first card_update of a session for a mode with no pending cards, the
// mode's state is hydrated from the document store first.
func (r *room) handleCardUpdate(ctx context.Context, s *socket, msg ClientMessage) {
	if msg.CardID == "" || len(msg.Payload) == 0 {
		slog.WarnContext(ctx, "sync hub: invalid card_update", "project_key", r.key)
		return
	}
	s.mu.Lock()
	mode := s.mode
	s.mu.Unlock()

	var cardPayload map[string]any
	if err := json.Unmarshal(msg.Payload, &cardPayload); err != nil {
		return
	}

	r.hydrateIfEmpty(ctx, mode)

	r.mu.Lock()
	state := r.pending[mode]
	cards := state.Cards
	found := false
	for i, c := range cards {
		if c.ID == msg.CardID {
			cards[i] = domain.Card{ID: msg.CardID, Payload: cardPayload}
			found = true
			break
		}
	}
	if !found {
		cards = append(cards, domain.Card{ID: msg.CardID, Payload: cardPayload})
	}
	state.Cards = domain.DedupeCards(cards)
	state.Mode = mode
	state.UpdatedAt = r.hub.clock.Now()
	r.pending[mode] = state
	r.mu.Unlock()

	r.scheduleSave(mode)
	r.broadcast(ctx, s, mode, Event{Type: "card_update", CardID: msg.CardID, Payload: cardPayload, Timestamp: r.timestamp()})
	s.send(ctx, Event{Type: "ack", Timestamp: r.timestamp()})
}

// hydrateIfEmpty loads mode's persisted state from the document store the
// first time a card_update arrives for a mode with no pending cards yet
// (§4.11).
func (r *room) hydrateIfEmpty(ctx context.Context, mode domain.Mode) {
	r.mu.Lock()
	state, ok := r.pending[mode]
	needsHydration := !ok || len(state.Cards) == 0
	r.mu.Unlock()
	if !needsHydration || r.hub.docs == nil {
		return
	}

	raw, err := r.hub.docs.GetProjectState(ctx, docID(r.pc, mode))
	var hydrated domain.ProjectState
	if err == nil {
		if jsonErr := json.Unmarshal(raw, &hydrated); jsonErr != nil {
			hydrated = domain.ProjectState{}
		}
	}
	hydrated.Mode = mode

	r.mu.Lock()
	if existing, ok := r.pending[mode]; !ok || len(existing.Cards) == 0 {
		r.pending[mode] = hydrated
	}
	r.mu.Unlock()
}

func (r *room) handleCardFocus(ctx context.Context, s *socket, msg ClientMessage) {
	if msg.CardID == "" {
		return
	}
	r.mu.Lock()
	r.cardEditors[msg.CardID] = domain.CardEditor{User: orDefault(msg.UserEmail, "Anonymous")}
	r.mu.Unlock()

	r.broadcastAll(ctx, s, Event{Type: "card_focus", CardID: msg.CardID, Payload: map[string]any{"user_email": msg.UserEmail, "user_name": msg.UserName}, Timestamp: r.timestamp()})
}

func (r *room) handleCardBlur(ctx context.Context, s *socket, msg ClientMessage) {
	if msg.CardID == "" {
		return
	}
	r.mu.Lock()
	delete(r.cardEditors, msg.CardID)
	r.mu.Unlock()

	r.broadcastAll(ctx, s, Event{Type: "card_blur", CardID: msg.CardID, Timestamp: r.timestamp()})
}

// scheduleSave cancels any pending debounced save for mode and schedules a
// new one debounce (default 1s) from now — a cluster of updates within the
// idle window collapses into a single write (§4.11, §8.8).
func (r *room) scheduleSave(mode domain.Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if timer, ok := r.saveTimers[mode]; ok {
		timer.Stop()
	}
	r.saveTimers[mode] = time.AfterFunc(r.hub.debounce, func() {
		r.persist(mode)
	})
}

// persist writes the latest pending state for mode, clearing it on success.
// A failed write is logged and left in pending so the next update's
// reschedule retries it (§4.11, §7 "Save").
func (r *room) persist(mode domain.Mode) {
	r.mu.Lock()
	delete(r.saveTimers, mode)
	state, ok := r.pending[mode]
	r.mu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()
	body, err := json.Marshal(state)
	if err != nil {
		slog.ErrorContext(ctx, "sync hub: encode project state failed", "project_key", r.key, "mode", mode, "error", err)
		return
	}

	if err := r.hub.docs.PutProjectState(ctx, docID(r.pc, mode), body); err != nil {
		slog.ErrorContext(ctx, "sync hub: persist project state failed", "project_key", r.key, "mode", mode, "error", err)
		return
	}

	r.mu.Lock()
	if _, stillPending := r.saveTimers[mode]; !stillPending {
		delete(r.pending, mode)
	}
	r.mu.Unlock()
}

// broadcast sends ev to every socket in mode except the sender (§4.11, §8.7
// mode isolation).
func (r *room) broadcast(ctx context.Context, sender *socket, mode domain.Mode, ev Event) {
	for _, target := range r.snapshotSockets() {
		if target.id == sender.id {
			continue
		}
		target.mu.Lock()
		targetMode := target.mode
		target.mu.Unlock()
		if targetMode != mode {
			continue
		}
		target.send(ctx, ev)
	}
}

// broadcastAll sends ev to every socket except the sender, unfiltered by
// mode (card_focus/card_blur are not mode-scoped per the original handler).
func (r *room) broadcastAll(ctx context.Context, sender *socket, ev Event) {
	for _, target := range r.snapshotSockets() {
		if target.id == sender.id {
			continue
		}
		target.send(ctx, ev)
	}
}

func (r *room) broadcastUserList(ctx context.Context) {
	r.mu.Lock()
	users := make([]userInfo, 0, len(r.sockets))
	for _, s := range r.sockets {
		s.mu.Lock()
		users = append(users, s.user)
		s.mu.Unlock()
	}
	targets := r.snapshotSocketsLocked()
	r.mu.Unlock()

	ev := Event{Type: "user_list_update", Payload: map[string]any{"users": users, "count": len(users)}, Timestamp: r.timestamp()}
	for _, target := range targets {
		target.send(ctx, ev)
	}
}

func (r *room) snapshotSockets() []*socket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotSocketsLocked()
}

func (r *room) snapshotSocketsLocked() []*socket {
	out := make([]*socket, 0, len(r.sockets))
	for _, s := range r.sockets {
		out = append(out, s)
	}
	return out
}

func docID(pc domain.ProjectContext, mode domain.Mode) string {
	return fmt.Sprintf("%s/%s/%s/%s", pc.Client, pc.App, pc.Project, mode)
}

func decodeMode(payload json.RawMessage) domain.Mode {
	if len(payload) == 0 {
		return domain.ModeLaboratory
	}
	var v struct {
		Mode domain.Mode `json:"mode"`
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return domain.ModeLaboratory
	}
	return normalizeMode(v.Mode)
}

func normalizeMode(mode domain.Mode) domain.Mode {
	switch mode {
	case domain.ModeLaboratory, domain.ModeLaboratoryDashboard:
		return mode
	default:
		return domain.ModeLaboratory
	}
}

func decodeStatePayload(raw json.RawMessage) (statePayload, bool) {
	var payload statePayload
	if len(raw) == 0 {
		return payload, true
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, false
	}
	return payload, true
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func (r *room) timestamp() string {
	return r.hub.clock.Now().UTC().Format(time.RFC3339)
}
