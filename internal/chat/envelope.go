package chat

// Action is the envelope type discriminator. Dispatch is a static switch on
// the parsed value; unrecognized strings collapse to ActionUnknown.
type Action string

const (
	// Client-originated actions.
	ActionAuthenticate   Action = "AUTHENTICATE"
	ActionLeave          Action = "LEAVE"
	ActionSendMessage    Action = "SEND_MESSAGE"
	ActionUserList       Action = "USER_LIST"
	ActionCreateChat     Action = "CREATE_CHAT"
	ActionAddUser        Action = "ADD_USER"
	ActionKickUser       Action = "KICK_USER"
	ActionMuteUser       Action = "MUTE_USER"
	ActionUnmuteUser     Action = "UNMUTE_USER"
	ActionJoinWithInvite Action = "JOIN_WITH_INVITE"

	// Server-originated only.
	ActionSystem    Action = "SYSTEM"
	ActionMessage   Action = "MESSAGE"
	ActionSendError Action = "SEND_ERROR"

	// Fallback for anything unparseable or unrecognized.
	ActionUnknown Action = "UNKNOWN"
)

// ParseAction maps a wire type string to an Action.
func ParseAction(s string) Action {
	switch Action(s) {
	case ActionAuthenticate, ActionLeave, ActionSendMessage, ActionUserList,
		ActionCreateChat, ActionAddUser, ActionKickUser, ActionMuteUser,
		ActionUnmuteUser, ActionJoinWithInvite,
		ActionSystem, ActionMessage, ActionSendError:
		return Action(s)
	default:
		return ActionUnknown
	}
}

// WireUser is the sender object embedded in envelopes. Username is only set
// on outbound envelopes, resolved via the identity resolver.
type WireUser struct {
	UUID     string `json:"uuid"`
	Username string `json:"username,omitempty"`
}

// Envelope is the structured message exchanged over a chat connection, one
// JSON object per WebSocket text message. Fields beyond Type are
// action-specific; unused ones are omitted on the wire.
type Envelope struct {
	Type      string     `json:"type"`
	Sender    *WireUser  `json:"sender,omitempty"`
	Message   string     `json:"message,omitempty"`
	Chat      string     `json:"chat,omitempty"`
	Name      string     `json:"name,omitempty"`
	User      string     `json:"user,omitempty"`
	Invite    string     `json:"invite,omitempty"`
	Users     []WireUser `json:"users,omitempty"`
	Timestamp int64      `json:"timestamp,omitempty"`
}

func errorEnvelope(message string) Envelope {
	return Envelope{
		Type:    string(ActionSendError),
		Message: message,
	}
}
