// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package roster implements contact list and presence tracking.
//
// A Manager keeps an in-memory copy of the roster of a session, rebuilt from
// the server every time the session connects, along with the last presence
// received from each contact resource.
package roster // import "github.com/forketyfork/xmpp/roster"

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/forketyfork/xmpp"
	"github.com/forketyfork/xmpp/jid"
	"github.com/forketyfork/xmpp/stanza"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger of the manager.
func WithLogger(logger kitlog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// OnSubscriptionRequest registers f for incoming presence stanzas of the
// subscription management types (subscribe, subscribed, unsubscribe and
// unsubscribed).
func OnSubscriptionRequest(f func(stanza.Presence)) Option {
	return func(m *Manager) {
		m.onSub = f
	}
}

// Entry is a roster item along with the presence known for the contact.
type Entry struct {
	Item

	// Presence holds the last presence received from each resource of the
	// contact keyed by resourcepart.
	Presence map[string]stanza.Presence
}

// Available reports whether any resource of the contact is available.
func (e Entry) Available() bool {
	for _, p := range e.Presence {
		if p.Type == stanza.AvailablePresence {
			return true
		}
	}
	return false
}

// Manager tracks the roster and presence of a session.
// Its methods are safe for concurrent use.
type Manager struct {
	session *xmpp.Session
	logger  kitlog.Logger
	onSub   func(stanza.Presence)
	subs    []*xmpp.Subscription

	mu       sync.RWMutex
	items    map[jid.JID]Item
	presence map[jid.JID]map[string]stanza.Presence
	requests map[jid.JID]stanza.Presence
	local    stanza.Presence
	hasLocal bool
	ver      string

	// Pushes handled while a fetch is in flight, laid over its result.
	fetching  int
	pushed    map[jid.JID]Item
	pushedVer string
}

// New returns a manager for s.
// The roster is fetched whenever s becomes Connected, including immediately
// if it already is.
func New(s *xmpp.Session, opts ...Option) *Manager {
	m := &Manager{
		session:  s,
		logger:   kitlog.NewNopLogger(),
		items:    make(map[jid.JID]Item),
		presence: make(map[jid.JID]map[string]stanza.Presence),
		requests: make(map[jid.JID]stanza.Presence),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = kitlog.With(m.logger, "component", "roster")

	m.subs = append(m.subs,
		s.Subscribe(xmpp.Filter{
			Kind:      stanza.KindIQ,
			Namespace: NS,
			Type:      string(stanza.SetIQ),
			Match:     m.fromServer,
		}, xmpp.HandlerFunc(m.handlePush)),
		s.Subscribe(xmpp.Filter{
			Kind: stanza.KindPresence,
		}, xmpp.HandlerFunc(m.handlePresence)),
		s.Events(m.handleEvent),
	)
	if s.State() == xmpp.Connected {
		go m.refresh()
	}
	return m
}

// Close stops tracking the session.
func (m *Manager) Close() {
	for _, sub := range m.subs {
		sub.Cancel()
	}
}

// fromServer reports whether a roster push comes from an address allowed to
// send one: the server itself or the account.
func (m *Manager) fromServer(st stanza.Stanza) bool {
	from := st.Head().From
	if from.IsZero() {
		return true
	}
	local := m.session.LocalAddr()
	return from.Equal(local.Bare()) || from.Equal(local.Domain())
}

func (m *Manager) handleEvent(e xmpp.Event) {
	switch e.To {
	case xmpp.Connected:
		m.refresh()
	case xmpp.Failed, xmpp.Disconnected:
		m.mu.Lock()
		m.presence = make(map[jid.JID]map[string]stanza.Presence)
		m.mu.Unlock()
	}
}

func (m *Manager) refresh() {
	if err := m.fetch(context.Background(), true); err != nil {
		level.Warn(m.logger).Log("msg", "failed to fetch roster", "err", err)
	}
}

// Fetch requests the roster from the server and replaces the cached items.
// Pushes received while the request is in flight take precedence over the
// result.
func (m *Manager) Fetch(ctx context.Context) error {
	return m.fetch(ctx, false)
}

// fetch is Fetch; if reset is set the cache is cleared first.
func (m *Manager) fetch(ctx context.Context, reset bool) error {
	p, err := payload()
	if err != nil {
		return err
	}
	m.beginFetch(reset)
	resp, err := m.session.Request(ctx, stanza.NewIQ(stanza.GetIQ, p))
	if err != nil {
		m.endFetch(nil)
		return fmt.Errorf("roster: fetching: %w", err)
	}
	q, err := decodeQuery(resp.Payload)
	if err != nil {
		m.endFetch(nil)
		return fmt.Errorf("roster: decoding result: %w", err)
	}
	n := m.endFetch(&q)
	level.Debug(m.logger).Log("msg", "fetched roster", "items", n)
	return nil
}

func (m *Manager) beginFetch(reset bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reset {
		m.items = make(map[jid.JID]Item)
		m.presence = make(map[jid.JID]map[string]stanza.Presence)
		m.ver = ""
	}
	if m.fetching == 0 {
		m.pushed = make(map[jid.JID]Item)
		m.pushedVer = ""
	}
	m.fetching++
}

// endFetch finishes a fetch started with beginFetch. A non-nil q replaces the
// cached items, with pushes recorded since beginFetch applied on top.
// It returns the number of cached items.
func (m *Manager) endFetch(q *query) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q != nil {
		items := make(map[jid.JID]Item, len(q.Items))
		for _, item := range q.Items {
			if item.JID.IsZero() || item.Subscription == SubscriptionRemove {
				continue
			}
			items[item.JID.Bare()] = item
		}
		for bare, item := range m.pushed {
			if item.Subscription == SubscriptionRemove {
				delete(items, bare)
				continue
			}
			items[bare] = item
		}
		m.items = items
		m.ver = q.Ver
		if m.pushedVer != "" {
			m.ver = m.pushedVer
		}
	}
	m.fetching--
	if m.fetching == 0 {
		m.pushed = nil
		m.pushedVer = ""
	}
	return len(m.items)
}

// applyPush updates the cache with the items of a roster push.
func (m *Manager) applyPush(q query) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range q.Items {
		if item.JID.IsZero() {
			continue
		}
		bare := item.JID.Bare()
		if m.fetching > 0 {
			m.pushed[bare] = item
		}
		if item.Subscription == SubscriptionRemove {
			delete(m.items, bare)
			continue
		}
		m.items[bare] = item
	}
	if q.Ver != "" {
		m.ver = q.Ver
		if m.fetching > 0 {
			m.pushedVer = q.Ver
		}
	}
}

func (m *Manager) handlePush(st stanza.Stanza) error {
	iq := st.(stanza.IQ)
	q, err := decodeQuery(iq.Payload)
	if err != nil {
		_ = m.session.Send(iq.ErrorReply(stanza.Error{Type: stanza.Modify, Condition: stanza.BadRequest}))
		return fmt.Errorf("roster: decoding push: %w", err)
	}
	m.applyPush(q)
	return m.session.Send(iq.Result(nil))
}

func (m *Manager) handlePresence(st stanza.Stanza) error {
	p := st.(stanza.Presence)
	from := p.From
	if from.IsZero() || from.Equal(m.session.LocalAddr()) {
		return nil
	}
	bare := from.Bare()

	switch {
	case p.Type.IsSubscription():
		m.mu.Lock()
		if p.Type == stanza.SubscribePresence {
			m.requests[bare] = p
		} else {
			delete(m.requests, bare)
		}
		m.mu.Unlock()
		if m.onSub != nil {
			m.onSub(p)
		}
	case p.Type == stanza.AvailablePresence, p.Type == stanza.UnavailablePresence:
		m.mu.Lock()
		res := m.presence[bare]
		if res == nil {
			res = make(map[string]stanza.Presence)
			m.presence[bare] = res
		}
		res[from.Resourcepart()] = p
		m.mu.Unlock()
	default:
		level.Debug(m.logger).Log("msg", "ignoring presence", "type", p.Type, "from", from)
	}
	return nil
}

// Entries returns a snapshot of the roster ordered by address.
func (m *Manager) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]Entry, 0, len(m.items))
	for bare, item := range m.items {
		entries = append(entries, m.entryLocked(bare, item))
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].JID.String() < entries[j].JID.String()
	})
	return entries
}

// Entry returns the roster entry for the bare address of j.
func (m *Manager) Entry(j jid.JID) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bare := j.Bare()
	item, ok := m.items[bare]
	if !ok {
		return Entry{}, false
	}
	return m.entryLocked(bare, item), true
}

func (m *Manager) entryLocked(bare jid.JID, item Item) Entry {
	e := Entry{Item: item}
	e.Groups = append([]string(nil), item.Groups...)
	if res := m.presence[bare]; len(res) > 0 {
		e.Presence = make(map[string]stanza.Presence, len(res))
		for k, v := range res {
			e.Presence[k] = v
		}
	}
	return e
}

// Presence returns the last presence received from j.
// For a bare address the available resource with the highest priority is
// chosen, or an unavailable one if none is available.
// Contacts that are not in the roster are tracked as well.
func (m *Manager) Presence(j jid.JID) (stanza.Presence, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := m.presence[j.Bare()]
	if !j.IsBare() {
		p, ok := res[j.Resourcepart()]
		return p, ok
	}
	var (
		best  stanza.Presence
		found bool
	)
	for _, p := range res {
		switch {
		case !found:
		case best.Type != stanza.AvailablePresence && p.Type == stanza.AvailablePresence:
		case best.Type == p.Type && p.Priority > best.Priority:
		default:
			continue
		}
		best, found = p, true
	}
	return best, found
}

// Requests returns the pending subscription requests.
func (m *Manager) Requests() []stanza.Presence {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]stanza.Presence, 0, len(m.requests))
	for _, p := range m.requests {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].From.String() < out[j].From.String()
	})
	return out
}

// Version returns the roster version announced by the server, if any.
func (m *Manager) Version() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ver
}

// Local returns the last broadcast presence set with SetLocalPresence.
func (m *Manager) Local() (stanza.Presence, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.local, m.hasLocal
}

// SetLocalPresence sends p and, if it is a broadcast presence, remembers it
// as the local presence.
// It does not wait for any reply.
func (m *Manager) SetLocalPresence(ctx context.Context, p stanza.Presence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.To.IsZero() {
		m.mu.Lock()
		m.local, m.hasLocal = p, true
		m.mu.Unlock()
	}
	return m.session.Send(p)
}

// RestorePresence sends the last local presence again.
// It does nothing if no local presence was ever set.
func (m *Manager) RestorePresence(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, ok := m.Local()
	if !ok {
		return nil
	}
	return m.session.Send(p)
}

// Subscribe asks j for a presence subscription.
func (m *Manager) Subscribe(ctx context.Context, j jid.JID) error {
	return m.sendSubscription(ctx, j, stanza.SubscribePresence)
}

// Approve allows j to receive the presence of the account.
func (m *Manager) Approve(ctx context.Context, j jid.JID) error {
	return m.sendSubscription(ctx, j, stanza.SubscribedPresence)
}

// Deny rejects a subscription request from j or revokes an existing one.
func (m *Manager) Deny(ctx context.Context, j jid.JID) error {
	return m.sendSubscription(ctx, j, stanza.UnsubscribedPresence)
}

func (m *Manager) sendSubscription(ctx context.Context, j jid.JID, typ stanza.PresenceType) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j.IsZero() {
		return errors.New("roster: empty address")
	}
	bare := j.Bare()
	if err := m.session.Send(stanza.NewPresence(bare, typ)); err != nil {
		return err
	}
	if typ != stanza.SubscribePresence {
		m.mu.Lock()
		delete(m.requests, bare)
		m.mu.Unlock()
	}
	return nil
}

// Set adds or updates an item on the server.
// The cached roster changes when the server pushes the update.
func (m *Manager) Set(ctx context.Context, item Item) error {
	if item.JID.IsZero() {
		return errors.New("roster: item has no address")
	}
	item.JID = item.JID.Bare()
	item.Subscription = ""
	item.Ask = ""
	return m.set(ctx, item)
}

// Remove deletes j from the roster on the server.
func (m *Manager) Remove(ctx context.Context, j jid.JID) error {
	if j.IsZero() {
		return errors.New("roster: empty address")
	}
	return m.set(ctx, Item{JID: j.Bare(), Subscription: SubscriptionRemove})
}

func (m *Manager) set(ctx context.Context, item Item) error {
	p, err := payload(item)
	if err != nil {
		return err
	}
	if _, err := m.session.Request(ctx, stanza.NewIQ(stanza.SetIQ, p)); err != nil {
		return fmt.Errorf("roster: updating %s: %w", item.JID, err)
	}
	return nil
}
