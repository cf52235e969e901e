package session

import (
	"slices"

	"k8s.io/utils/clock"

	"github.com/gezibash/arc-session/internal/xmpp"
)

// entry is one registered client. generation identifies this particular
// registration; deferred work captures it and does nothing once the
// entry has been replaced or removed.
type entry struct {
	client     Client
	generation uint64
	retry      int
	timer      clock.Timer
	handler    *clientHandler
}

func (e *entry) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// registry is the account to client map. It is only touched from jobs on
// the orchestrator queue.
type registry struct {
	entries map[xmpp.JID]*entry
	nextGen uint64
}

func newRegistry() *registry {
	return &registry{entries: make(map[xmpp.JID]*entry)}
}

func (r *registry) add(jid xmpp.JID, c Client) *entry {
	r.nextGen++
	e := &entry{client: c, generation: r.nextGen}
	r.entries[jid] = e
	return e
}

// lookup returns the entry for jid if it is still the registration
// identified by gen. gen == 0 matches any registration.
func (r *registry) lookup(jid xmpp.JID, gen uint64) *entry {
	e, ok := r.entries[jid]
	if !ok || (gen != 0 && e.generation != gen) {
		return nil
	}
	return e
}

func (r *registry) remove(jid xmpp.JID) (*entry, bool) {
	e, ok := r.entries[jid]
	if ok {
		delete(r.entries, jid)
	}
	return e, ok
}

// sorted returns entries ordered by account so fan-out is deterministic.
func (r *registry) sorted() []*entry {
	jids := make([]xmpp.JID, 0, len(r.entries))
	for j := range r.entries {
		jids = append(jids, j)
	}
	slices.Sort(jids)
	out := make([]*entry, 0, len(jids))
	for _, j := range jids {
		out = append(out, r.entries[j])
	}
	return out
}

func (r *registry) anyConnected() bool {
	for _, e := range r.entries {
		if e.client.State() == xmpp.StateConnected {
			return true
		}
	}
	return false
}

func (r *registry) len() int {
	return len(r.entries)
}

// clientHandler forwards one registration's events to the orchestrator.
type clientHandler struct {
	o   *Orchestrator
	gen uint64
}

func (h *clientHandler) HandleEvent(e xmpp.Event) {
	h.o.handle(e, h.gen)
}
