package session

import "github.com/gezibash/arc-session/internal/xmpp"

// Status is the desired global presence. Show == ShowNone means stay
// disconnected everywhere.
type Status struct {
	Show    xmpp.Show `json:"show" yaml:"show"`
	Message string    `json:"message,omitempty" yaml:"message,omitempty"`
}

// Offline is the zero Status.
var Offline = Status{}

// Active reports whether the status asks to be connected.
func (s Status) Active() bool {
	return s.Show != xmpp.ShowNone
}

// WithShow returns a copy with show replaced.
func (s Status) WithShow(show xmpp.Show) Status {
	s.Show = show
	return s
}

// Equal reports whether both show and message match.
func (s Status) Equal(o Status) bool {
	return s.Show == o.Show && s.Message == o.Message
}

func (s Status) String() string {
	if s.Message == "" {
		return s.Show.String()
	}
	return s.Show.String() + " (" + s.Message + ")"
}

// StatusStore persists the last status chosen by the user.
type StatusStore interface {
	LoadStatus() (Status, bool, error)
	SaveStatus(Status) error
}
