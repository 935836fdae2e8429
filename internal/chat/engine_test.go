package chat_test

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcadenet/realtime-relay/internal/chat"
	"github.com/arcadenet/realtime-relay/internal/identity"
)

// recorder captures everything the engine writes to one connection.
type recorder struct {
	mu   sync.Mutex
	envs []chat.Envelope
	fail bool
}

func (r *recorder) WriteEnvelope(env chat.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("connection gone")
	}
	r.envs = append(r.envs, env)
	return nil
}

func (r *recorder) take() []chat.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.envs
	r.envs = nil
	return out
}

type fixture struct {
	t        *testing.T
	engine   *chat.Engine
	resolver *identity.StaticResolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	resolver := identity.NewStaticResolver()
	engine, err := chat.NewEngine(chat.NewMemoryStore(), resolver, nil, nil)
	require.NoError(t, err)
	return &fixture{t: t, engine: engine, resolver: resolver}
}

// connect attaches and authenticates a connection for userID.
func (f *fixture) connect(userID uuid.UUID) (*chat.Client, *recorder) {
	f.t.Helper()
	rec := &recorder{}
	client := f.engine.Attach(rec)
	f.send(client, chat.Envelope{
		Type:   string(chat.ActionAuthenticate),
		Sender: &chat.WireUser{UUID: userID.String()},
	})

	envs := rec.take()
	require.Len(f.t, envs, 1)
	require.Equal(f.t, string(chat.ActionSystem), envs[0].Type)
	return client, rec
}

func (f *fixture) send(c *chat.Client, env chat.Envelope) {
	f.t.Helper()
	raw, err := json.Marshal(env)
	require.NoError(f.t, err)
	f.engine.HandleEnvelope(c, raw)
}

func TestSendMessageFansOutToOtherConnectedMembers(t *testing.T) {
	f := newFixture(t)

	u1 := uuid.New()
	u2 := uuid.New()
	f.resolver.Set(u1, "alice")

	room := f.engine.CreateRoom("general", u1, u2)

	c1, rec1 := f.connect(u1)
	_, rec2 := f.connect(u2)

	f.send(c1, chat.Envelope{
		Type:    string(chat.ActionSendMessage),
		Message: "hi",
		Chat:    room.ID.String(),
	})

	got := rec2.take()
	require.Len(t, got, 1)
	assert.Equal(t, string(chat.ActionMessage), got[0].Type)
	assert.Equal(t, "hi", got[0].Message)
	assert.Equal(t, room.ID.String(), got[0].Chat)
	require.NotNil(t, got[0].Sender)
	assert.Equal(t, u1.String(), got[0].Sender.UUID)
	assert.Equal(t, "alice", got[0].Sender.Username)
	assert.NotZero(t, got[0].Timestamp)

	// The sender hears nothing back.
	assert.Empty(t, rec1.take())

	// User-to-user messages are never persisted.
	assert.Empty(t, f.engine.RoomLog(room.ID))
}

func TestSendMessageResolvesUnknownSender(t *testing.T) {
	f := newFixture(t)

	u1 := uuid.New() // never registered with the resolver
	u2 := uuid.New()
	room := f.engine.CreateRoom("general", u1, u2)

	c1, _ := f.connect(u1)
	_, rec2 := f.connect(u2)

	f.send(c1, chat.Envelope{
		Type:    string(chat.ActionSendMessage),
		Message: "hi",
		Chat:    room.ID.String(),
	})

	got := rec2.take()
	require.Len(t, got, 1)
	assert.Equal(t, identity.UnknownName, got[0].Sender.Username)
}

func TestSendMessageSkipsOfflineMembers(t *testing.T) {
	f := newFixture(t)

	u1 := uuid.New()
	offline := uuid.New()
	room := f.engine.CreateRoom("general", u1, offline)

	c1, rec1 := f.connect(u1)
	f.send(c1, chat.Envelope{
		Type:    string(chat.ActionSendMessage),
		Message: "anyone?",
		Chat:    room.ID.String(),
	})

	// No error, no queuing: the offline member is simply skipped.
	assert.Empty(t, rec1.take())
}

func TestSendMessageDeliversToAllConnectionsOfAUser(t *testing.T) {
	f := newFixture(t)

	u1 := uuid.New()
	u2 := uuid.New()
	room := f.engine.CreateRoom("general", u1, u2)

	c1, _ := f.connect(u1)
	_, recA := f.connect(u2)
	_, recB := f.connect(u2) // second simultaneous connection

	f.send(c1, chat.Envelope{
		Type:    string(chat.ActionSendMessage),
		Message: "hi",
		Chat:    room.ID.String(),
	})

	require.Len(t, recA.take(), 1)
	require.Len(t, recB.take(), 1)
}

func TestNonMemberPostStillFansOut(t *testing.T) {
	// Membership is intentionally not checked on the send path; see the
	// handler comment.
	f := newFixture(t)

	member := uuid.New()
	outsider := uuid.New()
	room := f.engine.CreateRoom("general", member)

	_, recMember := f.connect(member)
	cOutsider, _ := f.connect(outsider)

	f.send(cOutsider, chat.Envelope{
		Type:    string(chat.ActionSendMessage),
		Message: "crashing the party",
		Chat:    room.ID.String(),
	})

	require.Len(t, recMember.take(), 1)
}

func TestUnknownActionRepliesSendErrorToSenderOnly(t *testing.T) {
	f := newFixture(t)

	u1 := uuid.New()
	u2 := uuid.New()
	f.engine.CreateRoom("general", u1, u2)

	c1, rec1 := f.connect(u1)
	_, rec2 := f.connect(u2)

	f.send(c1, chat.Envelope{Type: "TELEPORT"})

	got := rec1.take()
	require.Len(t, got, 1)
	assert.Equal(t, string(chat.ActionSendError), got[0].Type)
	assert.Empty(t, rec2.take())
}

func TestMalformedEnvelopeRepliesSendError(t *testing.T) {
	f := newFixture(t)

	c, rec := f.connect(uuid.New())
	f.engine.HandleEnvelope(c, []byte("{not json"))

	got := rec.take()
	require.Len(t, got, 1)
	assert.Equal(t, string(chat.ActionSendError), got[0].Type)
}

func TestClientCannotInjectServerOriginatedTypes(t *testing.T) {
	f := newFixture(t)

	u1 := uuid.New()
	u2 := uuid.New()
	room := f.engine.CreateRoom("general", u1, u2)

	c1, rec1 := f.connect(u1)
	_, rec2 := f.connect(u2)

	f.send(c1, chat.Envelope{
		Type:    string(chat.ActionSystem),
		Message: "fake system notice",
		Chat:    room.ID.String(),
	})

	got := rec1.take()
	require.Len(t, got, 1)
	assert.Equal(t, string(chat.ActionSendError), got[0].Type)
	assert.Empty(t, rec2.take())
	assert.Empty(t, f.engine.RoomLog(room.ID))
}

func TestUnauthenticatedActionsRejected(t *testing.T) {
	f := newFixture(t)

	rec := &recorder{}
	c := f.engine.Attach(rec)

	f.send(c, chat.Envelope{Type: string(chat.ActionSendMessage), Message: "hi", Chat: uuid.New().String()})

	got := rec.take()
	require.Len(t, got, 1)
	assert.Equal(t, string(chat.ActionSendError), got[0].Type)
}

func TestSystemBroadcastsToEveryMemberAndPersists(t *testing.T) {
	f := newFixture(t)

	u1 := uuid.New()
	u2 := uuid.New()
	room := f.engine.CreateRoom("general", u1, u2)

	_, rec1 := f.connect(u1)
	_, rec2 := f.connect(u2)

	require.NoError(t, f.engine.System(room.ID, "maintenance in 5 minutes"))

	for _, rec := range []*recorder{rec1, rec2} {
		got := rec.take()
		require.Len(t, got, 1)
		assert.Equal(t, string(chat.ActionSystem), got[0].Type)
		assert.Equal(t, "maintenance in 5 minutes", got[0].Message)
		assert.Equal(t, room.ID.String(), got[0].Chat)
		assert.NotZero(t, got[0].Timestamp)
	}

	log := f.engine.RoomLog(room.ID)
	require.Len(t, log, 1)
	assert.Equal(t, chat.SystemSender, log[0].Sender)
	assert.Equal(t, "maintenance in 5 minutes", log[0].Content)
	assert.False(t, log[0].CreatedAt.IsZero())
}

func TestSystemUnknownRoom(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.engine.System(uuid.New(), "hello?"), chat.ErrUnknownRoom)
}

func TestLeaveRemovesConnectionAssociationOnly(t *testing.T) {
	f := newFixture(t)

	u1 := uuid.New()
	u2 := uuid.New()
	room := f.engine.CreateRoom("general", u1, u2)

	c1, _ := f.connect(u1)
	c2, rec2 := f.connect(u2)

	f.send(c2, chat.Envelope{Type: string(chat.ActionLeave)})

	f.send(c1, chat.Envelope{
		Type:    string(chat.ActionSendMessage),
		Message: "hi",
		Chat:    room.ID.String(),
	})

	// U2's connection is no longer associated, so nothing is delivered...
	assert.Empty(t, rec2.take())
	// ...but persisted membership is untouched.
	assert.Contains(t, f.engine.RoomMembers(room.ID), u2)
}

func TestDetachIsolatedToOneConnection(t *testing.T) {
	f := newFixture(t)

	u1 := uuid.New()
	u2 := uuid.New()
	room := f.engine.CreateRoom("general", u1, u2)

	c1, _ := f.connect(u1)
	cA, recA := f.connect(u2)
	_, recB := f.connect(u2)

	f.engine.Detach(cA)

	f.send(c1, chat.Envelope{
		Type:    string(chat.ActionSendMessage),
		Message: "hi",
		Chat:    room.ID.String(),
	})

	assert.Empty(t, recA.take())
	require.Len(t, recB.take(), 1)
}

func TestFailedDeliverySkipsThatConnectionOnly(t *testing.T) {
	f := newFixture(t)

	u1 := uuid.New()
	u2 := uuid.New()
	u3 := uuid.New()
	room := f.engine.CreateRoom("general", u1, u2, u3)

	c1, _ := f.connect(u1)
	_, recBroken := f.connect(u2)
	_, recOK := f.connect(u3)
	recBroken.fail = true

	f.send(c1, chat.Envelope{
		Type:    string(chat.ActionSendMessage),
		Message: "hi",
		Chat:    room.ID.String(),
	})

	require.Len(t, recOK.take(), 1)
}

func TestUserListRepliesToSender(t *testing.T) {
	f := newFixture(t)

	u1 := uuid.New()
	u2 := uuid.New()
	f.resolver.Set(u1, "alice")
	f.resolver.Set(u2, "bob")
	room := f.engine.CreateRoom("general", u1, u2)

	c1, rec1 := f.connect(u1)
	f.send(c1, chat.Envelope{Type: string(chat.ActionUserList), Chat: room.ID.String()})

	got := rec1.take()
	require.Len(t, got, 1)
	assert.Equal(t, string(chat.ActionUserList), got[0].Type)
	assert.ElementsMatch(t, []chat.WireUser{
		{UUID: u1.String(), Username: "alice"},
		{UUID: u2.String(), Username: "bob"},
	}, got[0].Users)
}

func TestCreateChatPersistsAndNotifiesCreator(t *testing.T) {
	f := newFixture(t)

	u1 := uuid.New()
	c1, rec1 := f.connect(u1)

	f.send(c1, chat.Envelope{Type: string(chat.ActionCreateChat), Name: "raid-night"})

	got := rec1.take()
	require.Len(t, got, 1)
	assert.Equal(t, string(chat.ActionSystem), got[0].Type)
	require.NotEmpty(t, got[0].Chat)

	roomID := uuid.MustParse(got[0].Chat)
	assert.Equal(t, []uuid.UUID{u1}, f.engine.RoomMembers(roomID))
	require.Len(t, f.engine.RoomLog(roomID), 1)
}

func TestAddAndKickUser(t *testing.T) {
	f := newFixture(t)

	u1 := uuid.New()
	u2 := uuid.New()
	room := f.engine.CreateRoom("general", u1)

	c1, _ := f.connect(u1)

	f.send(c1, chat.Envelope{Type: string(chat.ActionAddUser), Chat: room.ID.String(), User: u2.String()})
	assert.Contains(t, f.engine.RoomMembers(room.ID), u2)

	f.send(c1, chat.Envelope{Type: string(chat.ActionKickUser), Chat: room.ID.String(), User: u2.String()})
	assert.NotContains(t, f.engine.RoomMembers(room.ID), u2)

	// Both membership changes were journaled as SYSTEM messages.
	assert.Len(t, f.engine.RoomLog(room.ID), 2)
}

func TestMutedUserCannotPost(t *testing.T) {
	f := newFixture(t)

	u1 := uuid.New()
	u2 := uuid.New()
	room := f.engine.CreateRoom("general", u1, u2)

	c1, rec1 := f.connect(u1)
	c2, rec2 := f.connect(u2)

	f.send(c2, chat.Envelope{Type: string(chat.ActionMuteUser), Chat: room.ID.String(), User: u1.String()})
	rec1.take() // SYSTEM "muted" notice
	rec2.take()

	f.send(c1, chat.Envelope{
		Type:    string(chat.ActionSendMessage),
		Message: "let me speak",
		Chat:    room.ID.String(),
	})

	got := rec1.take()
	require.Len(t, got, 1)
	assert.Equal(t, string(chat.ActionSendError), got[0].Type)
	assert.Empty(t, rec2.take())

	f.send(c2, chat.Envelope{Type: string(chat.ActionUnmuteUser), Chat: room.ID.String(), User: u1.String()})
	rec1.take()
	rec2.take()

	f.send(c1, chat.Envelope{
		Type:    string(chat.ActionSendMessage),
		Message: "thanks",
		Chat:    room.ID.String(),
	})
	require.Len(t, rec2.take(), 1)
}

func TestJoinWithInviteIsOneTime(t *testing.T) {
	f := newFixture(t)

	owner := uuid.New()
	guest := uuid.New()
	room := f.engine.CreateRoom("general", owner)

	token, err := f.engine.CreateInvite(room.ID)
	require.NoError(t, err)

	cGuest, recGuest := f.connect(guest)
	f.send(cGuest, chat.Envelope{Type: string(chat.ActionJoinWithInvite), Invite: token.String()})

	assert.Contains(t, f.engine.RoomMembers(room.ID), guest)
	got := recGuest.take()
	require.Len(t, got, 1)
	assert.Equal(t, string(chat.ActionSystem), got[0].Type)

	// The token is spent.
	other, recOther := f.connect(uuid.New())
	f.send(other, chat.Envelope{Type: string(chat.ActionJoinWithInvite), Invite: token.String()})
	errs := recOther.take()
	require.Len(t, errs, 1)
	assert.Equal(t, string(chat.ActionSendError), errs[0].Type)
}

func TestCreateInviteUnknownRoom(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.CreateInvite(uuid.New())
	assert.ErrorIs(t, err, chat.ErrUnknownRoom)
}

func TestRoomsSurviveStoreReload(t *testing.T) {
	store := chat.NewMemoryStore()
	resolver := identity.NewStaticResolver()

	engine1, err := chat.NewEngine(store, resolver, nil, nil)
	require.NoError(t, err)
	room := engine1.CreateRoom("general", uuid.New())
	require.NoError(t, engine1.System(room.ID, "welcome"))

	engine2, err := chat.NewEngine(store, resolver, nil, nil)
	require.NoError(t, err)
	require.Len(t, engine2.RoomLog(room.ID), 1)
	assert.Equal(t, chat.SystemSender, engine2.RoomLog(room.ID)[0].Sender)
}
