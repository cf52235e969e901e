package session

import (
	"context"

	"github.com/gezibash/arc-session/internal/eventbus"
	"github.com/gezibash/arc-session/internal/xmpp"
)

// Observer is attached to the event bus of every registered client for
// the kinds it names, and detached when the client is unregistered.
type Observer interface {
	eventbus.Handler[xmpp.Event]
	Name() string
	Kinds() []xmpp.EventKind
}

// Purger removes per-account local state (roster, open chats, history)
// once an account has been deleted.
type Purger interface {
	Purge(ctx context.Context, account xmpp.JID) error
}

// ChatStates clears transient per-account chat state such as typing
// notifications. It is called from the orchestrator queue and must not
// block.
type ChatStates interface {
	ResetChatStates(account xmpp.JID)
}
