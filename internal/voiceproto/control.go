package voiceproto

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// DefaultBitrateKbps is assumed when a join omits the bitrate field.
const DefaultBitrateKbps = 32

var ErrBadControl = errors.New("voiceproto: malformed control payload")

// ControlAction is the verb of a control payload.
type ControlAction string

const (
	ActionJoin  ControlAction = "join"
	ActionLeave ControlAction = "leave"
)

// Control is a parsed control payload.
//
// The grammar is "<action>:<roomUUID>[:<userUUID>[:<bitrate>]]". A missing
// user UUID is replaced by a freshly generated one, so every parsed Control
// carries a usable identity.
type Control struct {
	Action      ControlAction
	RoomID      uuid.UUID
	UserID      uuid.UUID
	BitrateKbps int
}

// ParseControl parses the UTF-8 payload of a CONTROL packet, assuming
// DefaultBitrateKbps when the bitrate field is omitted.
func ParseControl(payload []byte) (Control, error) {
	return ParseControlDefault(payload, DefaultBitrateKbps)
}

// ParseControlDefault is ParseControl with a caller-chosen fallback bitrate
// for joins that omit the field.
func ParseControlDefault(payload []byte, defaultBitrateKbps int) (Control, error) {
	fields := strings.Split(string(payload), ":")
	if len(fields) < 2 || len(fields) > 4 {
		return Control{}, fmt.Errorf("%w: want 2-4 fields, got %d", ErrBadControl, len(fields))
	}

	var action ControlAction
	switch fields[0] {
	case string(ActionJoin):
		action = ActionJoin
	case string(ActionLeave):
		action = ActionLeave
	default:
		return Control{}, fmt.Errorf("%w: unknown action %q", ErrBadControl, fields[0])
	}

	roomID, err := uuid.Parse(fields[1])
	if err != nil {
		return Control{}, fmt.Errorf("%w: bad room id %q: %v", ErrBadControl, fields[1], err)
	}

	userID := uuid.New()
	if len(fields) >= 3 && fields[2] != "" {
		userID, err = uuid.Parse(fields[2])
		if err != nil {
			return Control{}, fmt.Errorf("%w: bad user id %q: %v", ErrBadControl, fields[2], err)
		}
	}

	bitrate := defaultBitrateKbps
	if len(fields) == 4 && fields[3] != "" {
		bitrate, err = strconv.Atoi(fields[3])
		if err != nil || bitrate <= 0 {
			return Control{}, fmt.Errorf("%w: bad bitrate %q", ErrBadControl, fields[3])
		}
	}

	return Control{
		Action:      action,
		RoomID:      roomID,
		UserID:      userID,
		BitrateKbps: bitrate,
	}, nil
}
