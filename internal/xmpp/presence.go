package xmpp

import (
	"fmt"
	"strings"
)

// Show is the coarse presence intent. ShowNone means "be offline".
type Show int

const (
	ShowNone Show = iota
	ShowChat
	ShowOnline
	ShowAway
	ShowXA
	ShowDND
)

var showNames = map[Show]string{
	ShowNone:   "offline",
	ShowChat:   "chat",
	ShowOnline: "online",
	ShowAway:   "away",
	ShowXA:     "xa",
	ShowDND:    "dnd",
}

func (s Show) String() string {
	if n, ok := showNames[s]; ok {
		return n
	}
	return fmt.Sprintf("show(%d)", int(s))
}

// ParseShow accepts the names printed by String plus a few aliases.
func ParseShow(s string) (Show, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "offline", "none", "unavailable":
		return ShowNone, nil
	case "chat":
		return ShowChat, nil
	case "online", "available":
		return ShowOnline, nil
	case "away":
		return ShowAway, nil
	case "xa", "extended-away":
		return ShowXA, nil
	case "dnd":
		return ShowDND, nil
	}
	return ShowNone, fmt.Errorf("unknown show %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Show) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Show) UnmarshalText(b []byte) error {
	v, err := ParseShow(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// State is the lifecycle state of a client connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Identity is a service-discovery identity record.
type Identity struct {
	Category string `json:"category" yaml:"category"`
	Type     string `json:"type" yaml:"type"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
}
