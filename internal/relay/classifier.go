package relay

import "encoding/json"

// Role identifies what a connection is for. A connection is classified
// exactly once, on its first message, and never changes role afterwards.
type Role int

const (
	RoleUnassigned Role = iota
	RoleBot
	RoleMeeting
)

// String returns a human-readable role name
func (r Role) String() string {
	switch r {
	case RoleBot:
		return "bot"
	case RoleMeeting:
		return "meeting"
	default:
		return "unassigned"
	}
}

// registerMessage is the handshake the bot sends as its first message
type registerMessage struct {
	Type   string `json:"type"`
	Client string `json:"client"`
}

// ClassifyFirstMessage decides a connection's role from its first message.
// Only a well-formed {"type":"register","client":"bot"} selects the bot
// role; everything else, including payloads that fail to parse, degrades
// to the meeting role. Classification never errors and never blocks. The
// first message is consumed by classification either way.
func ClassifyFirstMessage(data []byte) Role {
	var msg registerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return RoleMeeting
	}

	if msg.Type == "register" && msg.Client == "bot" {
		return RoleBot
	}

	return RoleMeeting
}
