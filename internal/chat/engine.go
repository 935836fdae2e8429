package chat

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arcadenet/realtime-relay/internal/identity"
	"github.com/arcadenet/realtime-relay/internal/metrics"
)

var (
	ErrUnknownRoom = errors.New("chat: unknown room")
	ErrBadInvite   = errors.New("chat: invalid or spent invite")
)

// Sender delivers one outbound envelope over a duplex connection. Writes must
// be safe for concurrent use; implementations serialize internally.
type Sender interface {
	WriteEnvelope(env Envelope) error
}

// Client is the engine's handle for one connected duplex channel. A user may
// hold several clients at once; fan-out reaches each of them.
//
// Identity fields are guarded by the owning Engine's lock.
type Client struct {
	sender Sender

	userID uuid.UUID
	authed bool
}

// UserID returns the identity bound by AUTHENTICATE, or the zero UUID.
func (c *Client) UserID() uuid.UUID { return c.userID }

// Engine relays chat envelopes between the connected members of persistent
// chat rooms.
//
// All room and connection state is mutated only under the engine lock, but
// the lock is never held across a fan-out: targets are snapshotted first and
// written to afterwards, so a slow peer cannot block delivery to the rest.
type Engine struct {
	store    Store
	resolver identity.Resolver
	metrics  *metrics.Metrics
	log      *slog.Logger

	mu      sync.Mutex
	rooms   map[uuid.UUID]*Room
	conns   map[*Client]struct{}
	byUser  map[uuid.UUID]map[*Client]struct{}
	invites map[uuid.UUID]uuid.UUID
}

func NewEngine(store Store, resolver identity.Resolver, m *metrics.Metrics, logger *slog.Logger) (*Engine, error) {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	loaded, err := store.Load()
	if err != nil {
		return nil, err
	}
	rooms := make(map[uuid.UUID]*Room, len(loaded))
	for _, r := range loaded {
		if r.muted == nil {
			r.muted = make(map[uuid.UUID]struct{})
		}
		rooms[r.ID] = r
	}

	return &Engine{
		store:    store,
		resolver: resolver,
		metrics:  m,
		log:      logger,
		rooms:    rooms,
		conns:    make(map[*Client]struct{}),
		byUser:   make(map[uuid.UUID]map[*Client]struct{}),
		invites:  make(map[uuid.UUID]uuid.UUID),
	}, nil
}

// Attach registers a new, not yet authenticated connection.
func (e *Engine) Attach(s Sender) *Client {
	c := &Client{sender: s}
	e.mu.Lock()
	e.conns[c] = struct{}{}
	e.mu.Unlock()
	e.metrics.Inc(metrics.ChatConnections)
	return c
}

// Detach removes a connection and its user association. Persisted room
// membership is untouched; other connections of the same user are unaffected.
func (e *Engine) Detach(c *Client) {
	e.mu.Lock()
	delete(e.conns, c)
	e.unbindLocked(c)
	e.mu.Unlock()
}

func (e *Engine) unbindLocked(c *Client) {
	if !c.authed {
		return
	}
	if set, ok := e.byUser[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(e.byUser, c.userID)
		}
	}
	c.authed = false
	c.userID = uuid.UUID{}
}

// HandleEnvelope processes one inbound envelope from c. Failures never
// propagate: a malformed or unrecognized envelope earns the sender a single
// SEND_ERROR reply and nothing else.
func (e *Engine) HandleEnvelope(c *Client, raw []byte) {
	e.metrics.Inc(metrics.ChatEnvelopesIn)

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		e.metrics.Inc(metrics.ChatDroppedMalformed)
		e.log.Debug("chat_envelope_malformed", "err", err)
		e.sendError(c, "malformed envelope")
		return
	}

	action := ParseAction(env.Type)

	if action == ActionAuthenticate {
		e.handleAuthenticate(c, env)
		return
	}

	e.mu.Lock()
	authed := c.authed
	e.mu.Unlock()
	if !authed {
		e.sendError(c, "not authenticated")
		return
	}

	switch action {
	case ActionLeave:
		e.handleLeave(c)
	case ActionSendMessage:
		e.handleSendMessage(c, env)
	case ActionUserList:
		e.handleUserList(c, env)
	case ActionCreateChat:
		e.handleCreateChat(c, env)
	case ActionAddUser:
		e.handleAddUser(c, env)
	case ActionKickUser:
		e.handleKickUser(c, env)
	case ActionMuteUser:
		e.handleSetMuted(c, env, true)
	case ActionUnmuteUser:
		e.handleSetMuted(c, env, false)
	case ActionJoinWithInvite:
		e.handleJoinWithInvite(c, env)
	case ActionSystem, ActionMessage, ActionSendError:
		// Server-originated types may not be injected by clients.
		e.sendError(c, "reserved envelope type: "+env.Type)
	default:
		e.sendError(c, "unknown action: "+env.Type)
	}
}

func (e *Engine) handleAuthenticate(c *Client, env Envelope) {
	if env.Sender == nil {
		e.sendError(c, "missing sender")
		return
	}
	userID, err := uuid.Parse(env.Sender.UUID)
	if err != nil {
		e.sendError(c, "bad sender id")
		return
	}

	e.mu.Lock()
	e.unbindLocked(c)
	c.userID = userID
	c.authed = true
	set, ok := e.byUser[userID]
	if !ok {
		set = make(map[*Client]struct{})
		e.byUser[userID] = set
	}
	set[c] = struct{}{}
	e.mu.Unlock()

	e.log.Info("chat_authenticated", "user_id", userID)
	e.send(c, Envelope{
		Type:      string(ActionSystem),
		Message:   "authenticated",
		Timestamp: epochMillis(time.Now()),
	})
}

func (e *Engine) handleLeave(c *Client) {
	e.mu.Lock()
	userID := c.userID
	e.unbindLocked(c)
	e.mu.Unlock()

	e.log.Info("chat_leave", "user_id", userID)
}

func (e *Engine) handleSendMessage(c *Client, env Envelope) {
	roomID, err := uuid.Parse(env.Chat)
	if err != nil {
		e.sendError(c, "bad chat id")
		return
	}

	e.mu.Lock()
	room, ok := e.rooms[roomID]
	if !ok {
		e.mu.Unlock()
		e.sendError(c, "unknown chat")
		return
	}
	if room.isMuted(c.userID) {
		e.mu.Unlock()
		e.sendError(c, "muted")
		return
	}
	// No membership check on the sender: a non-member post still fans out.
	// This mirrors the platform's historical behavior and is relied upon by
	// server-side bots that post without joining.
	senderID := c.userID
	targets := e.memberClientsLocked(room, senderID)
	e.mu.Unlock()

	out := Envelope{
		Type: string(ActionMessage),
		Sender: &WireUser{
			UUID:     senderID.String(),
			Username: e.resolver.Resolve(senderID),
		},
		Message:   env.Message,
		Chat:      roomID.String(),
		Timestamp: epochMillis(time.Now()),
	}

	// User-to-user messages are not appended to the room log; only SYSTEM
	// messages are persisted.
	e.fanOut(targets, out)
}

func (e *Engine) handleUserList(c *Client, env Envelope) {
	roomID, err := uuid.Parse(env.Chat)
	if err != nil {
		e.sendError(c, "bad chat id")
		return
	}

	e.mu.Lock()
	room, ok := e.rooms[roomID]
	if !ok {
		e.mu.Unlock()
		e.sendError(c, "unknown chat")
		return
	}
	members := make([]uuid.UUID, len(room.Members))
	copy(members, room.Members)
	e.mu.Unlock()

	users := make([]WireUser, 0, len(members))
	for _, m := range members {
		users = append(users, WireUser{
			UUID:     m.String(),
			Username: e.resolver.Resolve(m),
		})
	}

	e.send(c, Envelope{
		Type:  string(ActionUserList),
		Chat:  roomID.String(),
		Users: users,
	})
}

func (e *Engine) handleCreateChat(c *Client, env Envelope) {
	room := &Room{
		ID:      uuid.New(),
		Name:    env.Name,
		Members: []uuid.UUID{c.userID},
		muted:   make(map[uuid.UUID]struct{}),
	}

	e.mu.Lock()
	e.rooms[room.ID] = room
	e.saveLocked()
	e.mu.Unlock()

	e.log.Info("chat_created", "room_id", room.ID, "name", room.Name, "creator", c.userID)
	_ = e.System(room.ID, "chat created")
}

func (e *Engine) handleAddUser(c *Client, env Envelope) {
	roomID, userID, ok := e.parseRoomAndUser(c, env)
	if !ok {
		return
	}

	e.mu.Lock()
	room, found := e.rooms[roomID]
	if !found {
		e.mu.Unlock()
		e.sendError(c, "unknown chat")
		return
	}
	if !room.isMember(userID) {
		room.Members = append(room.Members, userID)
		e.saveLocked()
	}
	e.mu.Unlock()

	_ = e.System(roomID, e.resolver.Resolve(userID)+" was added")
}

func (e *Engine) handleKickUser(c *Client, env Envelope) {
	roomID, userID, ok := e.parseRoomAndUser(c, env)
	if !ok {
		return
	}

	e.mu.Lock()
	room, found := e.rooms[roomID]
	if !found {
		e.mu.Unlock()
		e.sendError(c, "unknown chat")
		return
	}
	room.removeMember(userID)
	delete(room.muted, userID)
	e.saveLocked()
	e.mu.Unlock()

	_ = e.System(roomID, e.resolver.Resolve(userID)+" was kicked")
}

func (e *Engine) handleSetMuted(c *Client, env Envelope, muted bool) {
	roomID, userID, ok := e.parseRoomAndUser(c, env)
	if !ok {
		return
	}

	e.mu.Lock()
	room, found := e.rooms[roomID]
	if !found {
		e.mu.Unlock()
		e.sendError(c, "unknown chat")
		return
	}
	if muted {
		room.muted[userID] = struct{}{}
	} else {
		delete(room.muted, userID)
	}
	e.saveLocked()
	e.mu.Unlock()

	verb := " was muted"
	if !muted {
		verb = " was unmuted"
	}
	_ = e.System(roomID, e.resolver.Resolve(userID)+verb)
}

func (e *Engine) handleJoinWithInvite(c *Client, env Envelope) {
	token, err := uuid.Parse(env.Invite)
	if err != nil {
		e.sendError(c, "bad invite")
		return
	}

	e.mu.Lock()
	roomID, ok := e.invites[token]
	if !ok {
		e.mu.Unlock()
		e.sendError(c, "invalid or spent invite")
		return
	}
	delete(e.invites, token)
	room, found := e.rooms[roomID]
	if !found {
		e.mu.Unlock()
		e.sendError(c, "unknown chat")
		return
	}
	if !room.isMember(c.userID) {
		room.Members = append(room.Members, c.userID)
		e.saveLocked()
	}
	userID := c.userID
	e.mu.Unlock()

	_ = e.System(roomID, e.resolver.Resolve(userID)+" joined")
}

func (e *Engine) parseRoomAndUser(c *Client, env Envelope) (uuid.UUID, uuid.UUID, bool) {
	roomID, err := uuid.Parse(env.Chat)
	if err != nil {
		e.sendError(c, "bad chat id")
		return uuid.UUID{}, uuid.UUID{}, false
	}
	userID, err := uuid.Parse(env.User)
	if err != nil {
		e.sendError(c, "bad user id")
		return uuid.UUID{}, uuid.UUID{}, false
	}
	return roomID, userID, true
}

// System broadcasts an engine-originated message to every current member of
// the room, including whoever triggered it, and appends it to the room's
// persisted log. This is the only path that writes to the log.
func (e *Engine) System(roomID uuid.UUID, text string) error {
	now := time.Now()

	e.mu.Lock()
	room, ok := e.rooms[roomID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownRoom
	}
	room.Log = append(room.Log, Message{
		ID:        uuid.New(),
		Sender:    SystemSender,
		Content:   text,
		CreatedAt: now,
	})
	e.saveLocked()
	targets := e.memberClientsLocked(room, uuid.UUID{})
	e.mu.Unlock()

	e.fanOut(targets, Envelope{
		Type:      string(ActionSystem),
		Message:   text,
		Chat:      roomID.String(),
		Timestamp: epochMillis(now),
	})
	return nil
}

// CreateRoom registers (and persists) a new room with the given members. It
// is the construction path used by collaborators outside the relay.
func (e *Engine) CreateRoom(name string, members ...uuid.UUID) *Room {
	room := &Room{
		ID:      uuid.New(),
		Name:    name,
		Members: members,
		muted:   make(map[uuid.UUID]struct{}),
	}

	e.mu.Lock()
	e.rooms[room.ID] = room
	e.saveLocked()
	e.mu.Unlock()

	return room
}

// CreateInvite mints a one-time invite token for room.
func (e *Engine) CreateInvite(roomID uuid.UUID) (uuid.UUID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.rooms[roomID]; !ok {
		return uuid.UUID{}, ErrUnknownRoom
	}
	token := uuid.New()
	e.invites[token] = roomID
	return token, nil
}

// RoomLog returns a copy of the room's persisted message log.
func (e *Engine) RoomLog(roomID uuid.UUID) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	room, ok := e.rooms[roomID]
	if !ok {
		return nil
	}
	log := make([]Message, len(room.Log))
	copy(log, room.Log)
	return log
}

// RoomMembers returns a copy of the room's membership list.
func (e *Engine) RoomMembers(roomID uuid.UUID) []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()

	room, ok := e.rooms[roomID]
	if !ok {
		return nil
	}
	members := make([]uuid.UUID, len(room.Members))
	copy(members, room.Members)
	return members
}

// memberClientsLocked snapshots the live connections of every room member
// except the excluded user. Members without a connection are skipped; there
// is no offline queuing.
func (e *Engine) memberClientsLocked(room *Room, except uuid.UUID) []*Client {
	var targets []*Client
	for _, member := range room.Members {
		if member == except {
			continue
		}
		for c := range e.byUser[member] {
			targets = append(targets, c)
		}
	}
	return targets
}

func (e *Engine) saveLocked() {
	rooms := make([]*Room, 0, len(e.rooms))
	for _, r := range e.rooms {
		rooms = append(rooms, r)
	}
	if err := e.store.Save(rooms); err != nil {
		// Persistence is best-effort from the relay's point of view; the
		// in-memory state stays authoritative for connected users.
		e.log.Error("chat_store_save_failed", "err", err)
	}
}

// fanOut writes env to each target independently. A failed write skips that
// connection only; teardown of broken connections is the transport's job.
func (e *Engine) fanOut(targets []*Client, env Envelope) {
	for _, c := range targets {
		e.send(c, env)
	}
}

func (e *Engine) send(c *Client, env Envelope) {
	if err := c.sender.WriteEnvelope(env); err != nil {
		e.metrics.Inc(metrics.ChatDeliveryFailures)
		e.log.Debug("chat_send_failed", "err", err)
		return
	}
	e.metrics.Inc(metrics.ChatEnvelopesOut)
}

func (e *Engine) sendError(c *Client, message string) {
	e.metrics.Inc(metrics.ChatSendErrors)
	e.send(c, errorEnvelope(message))
}

func epochMillis(t time.Time) int64 {
	return t.UnixMilli()
}
