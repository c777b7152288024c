package chat

import (
	"slices"
	"sync"
	"time"

	"github.com/capitalize-ai/inbox/internal/model"
	"github.com/capitalize-ai/inbox/pkg/metrics"
)

// DefaultMatchWindow is how far apart a placeholder and its confirmation may be
// timestamped and still be treated as the same send.
const DefaultMatchWindow = 5 * time.Second

// ChangeKind describes a Store mutation.
type ChangeKind string

const (
	ChangeLoaded     ChangeKind = "loaded"
	ChangeInserted   ChangeKind = "inserted"
	ChangeReconciled ChangeKind = "reconciled"
	ChangeUpdated    ChangeKind = "updated"
	ChangeMerged     ChangeKind = "merged"
	ChangeCleared    ChangeKind = "cleared"
)

// Change is delivered to observers after every Store mutation.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	// Message is the entry affected by single-entry changes.
	Message model.Entry
	// Len is the number of entries after the change.
	Len     int
	Version uint64
}

// Observer receives Store changes. Observers run on the mutating goroutine
// after the Store lock is released; they must not call Subscription.Select or
// Subscription.Close.
type Observer func(Change)

// Outcome reports what a Store operation did with a message.
type Outcome int

const (
	// OutcomeIgnored means the message did not belong to the displayed conversation.
	OutcomeIgnored Outcome = iota
	// OutcomeInserted means a new entry was added.
	OutcomeInserted
	// OutcomeReconciled means a placeholder was replaced by its confirmation.
	OutcomeReconciled
	// OutcomeDuplicate means an entry with the same id was replaced in place.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeReconciled:
		return "reconciled"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "ignored"
	}
}

// matchKey identifies a logical send independently of its identifier.
type matchKey struct {
	sender       string
	conversation string
	content      string
}

func keyOf(m *model.Message) matchKey {
	return matchKey{sender: m.SenderID, conversation: m.ConversationID, content: m.Content}
}

type pendingSend struct {
	id       string
	clientID string
	key      matchKey
	at       time.Time
}

func newPending(m *model.Message, at time.Time) pendingSend {
	return pendingSend{id: m.ID, clientID: model.ClientID(m.ID), key: keyOf(m), at: at}
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithMatchWindow sets the placeholder matching window.
func WithMatchWindow(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithObserver registers an observer at construction.
func WithObserver(o Observer) StoreOption {
	return func(s *Store) {
		s.observers = append(s.observers, o)
	}
}

// WithClock overrides the clock used to stamp retried sends.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// Store holds the ordered entries of the displayed conversation.
//
// Entries are sorted by creation time, ties broken by id, and no two entries
// share an id. Optimistic entries are tracked until a confirmation arrives,
// either as the insert acknowledgement (Confirm) or as the live feed echo
// (ReconcileOrInsert). An arrival carrying a placeholder's client id replaces
// that placeholder. Otherwise echo matching compares sender, conversation and
// content within the match window; it is a heuristic, not proof of identity,
// and repeated identical sends are consumed oldest first.
type Store struct {
	window time.Duration
	now    func() time.Time

	mu             sync.Mutex
	conversationID string
	entries        []model.Entry
	pending        []pendingSend
	version        uint64

	obsMu     sync.RWMutex
	observers []Observer
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		window: DefaultMatchWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Observe registers an observer.
func (s *Store) Observe(o Observer) {
	s.obsMu.Lock()
	s.observers = append(s.observers, o)
	s.obsMu.Unlock()
}

// MatchWindow returns the placeholder matching window.
func (s *Store) MatchWindow() time.Duration {
	return s.window
}

// ConversationID returns the conversation the store displays.
func (s *Store) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Load replaces the entries with history and resets pending bookkeeping.
// Rows of other conversations are dropped and repeated ids keep the last row.
func (s *Store) Load(conversationID string, history []model.Message) {
	entries := make([]model.Entry, 0, len(history))
	seen := make(map[string]int, len(history))
	for _, m := range history {
		if m.ConversationID != conversationID || m.ID == "" {
			continue
		}
		if i, ok := seen[m.ID]; ok {
			entries[i] = confirmed(m)
			continue
		}
		seen[m.ID] = len(entries)
		entries = append(entries, confirmed(m))
	}
	slices.SortFunc(entries, compareEntries)

	s.mu.Lock()
	s.conversationID = conversationID
	s.entries = entries
	s.pending = nil
	ch := s.changeLocked(ChangeLoaded, model.Entry{})
	s.mu.Unlock()

	s.notify(ch)
}

// Append inserts candidate in order. Optimistic candidates are marked pending
// and registered for reconciliation.
func (s *Store) Append(candidate model.Message, optimistic bool) Outcome {
	s.mu.Lock()
	if candidate.ID == "" || s.conversationID == "" || candidate.ConversationID != s.conversationID {
		s.mu.Unlock()
		return OutcomeIgnored
	}

	if i := s.indexLocked(candidate.ID); i >= 0 {
		if optimistic {
			s.mu.Unlock()
			return OutcomeIgnored
		}
		s.dropPendingLocked(candidate.ID)
		e := s.replaceLocked(i, confirmed(candidate))
		ch := s.changeLocked(ChangeUpdated, e)
		s.mu.Unlock()
		s.notify(ch)
		return OutcomeDuplicate
	}

	e := confirmed(candidate)
	if optimistic {
		e.State = model.DeliveryPending
		s.pending = append(s.pending, newPending(&candidate, candidate.CreatedAt))
	}
	s.insertLocked(e)
	ch := s.changeLocked(ChangeInserted, e)
	s.mu.Unlock()

	s.notify(ch)
	return OutcomeInserted
}

// ReconcileOrInsert applies a message arriving from the live feed. A message
// whose id is already displayed replaces that entry; one matching an
// outstanding placeholder replaces the placeholder; anything else is inserted.
func (s *Store) ReconcileOrInsert(incoming model.Message) Outcome {
	s.mu.Lock()
	out, e := s.reconcileLocked(incoming)
	var ch Change
	switch out {
	case OutcomeIgnored:
		s.mu.Unlock()
		return out
	case OutcomeReconciled:
		metrics.ReconciliationsTotal.WithLabelValues("echo").Inc()
		ch = s.changeLocked(ChangeReconciled, e)
	case OutcomeDuplicate:
		ch = s.changeLocked(ChangeUpdated, e)
	default:
		ch = s.changeLocked(ChangeInserted, e)
	}
	s.mu.Unlock()

	s.notify(ch)
	return out
}

// Confirm reconciles the placeholder placeholderID with the acknowledged
// message. If the echo already reconciled it, the acknowledgement is applied
// like any other arrival.
func (s *Store) Confirm(placeholderID string, ack model.Message) Outcome {
	s.mu.Lock()
	if ack.ConversationID != s.conversationID {
		s.mu.Unlock()
		return OutcomeIgnored
	}
	if !s.dropPendingLocked(placeholderID) {
		s.mu.Unlock()
		return s.ReconcileOrInsert(ack)
	}
	if i := s.indexLocked(placeholderID); i >= 0 {
		s.entries = slices.Delete(s.entries, i, i+1)
	}

	e := confirmed(ack)
	if i := s.indexLocked(ack.ID); i >= 0 {
		s.replaceLocked(i, e)
	} else {
		s.insertLocked(e)
	}
	metrics.ReconciliationsTotal.WithLabelValues("ack").Inc()
	ch := s.changeLocked(ChangeReconciled, e)
	s.mu.Unlock()

	s.notify(ch)
	return OutcomeReconciled
}

// MarkFailed flags a placeholder whose write failed. The placeholder stays
// matchable so a late confirmation still reconciles it.
func (s *Store) MarkFailed(placeholderID string, cause error) bool {
	return s.setState(placeholderID, model.DeliveryFailed, cause)
}

// MarkRetrying flips a failed placeholder back to pending and returns its
// message for resending.
func (s *Store) MarkRetrying(placeholderID string) (model.Message, bool) {
	s.mu.Lock()
	i := s.indexLocked(placeholderID)
	if i < 0 || s.entries[i].State != model.DeliveryFailed {
		s.mu.Unlock()
		return model.Message{}, false
	}
	s.entries[i].State = model.DeliveryPending
	s.entries[i].Error = ""
	e := s.entries[i]
	if p := slices.IndexFunc(s.pending, func(p pendingSend) bool { return p.id == placeholderID }); p >= 0 {
		s.pending[p].at = s.now()
	} else {
		s.pending = append(s.pending, newPending(&e.Message, s.now()))
	}
	ch := s.changeLocked(ChangeUpdated, e)
	s.mu.Unlock()

	s.notify(ch)
	return e.Message, true
}

// Merge reconciles a fresh snapshot into the entries without dropping
// outstanding placeholders.
func (s *Store) Merge(history []model.Message) int {
	s.mu.Lock()
	applied := 0
	for _, m := range history {
		if out, _ := s.reconcileLocked(m); out == OutcomeInserted || out == OutcomeReconciled {
			applied++
		}
	}
	ch := s.changeLocked(ChangeMerged, model.Entry{})
	s.mu.Unlock()

	s.notify(ch)
	return applied
}

// Clear empties the store and points it at conversationID.
func (s *Store) Clear(conversationID string) {
	s.mu.Lock()
	s.conversationID = conversationID
	s.entries = nil
	s.pending = nil
	ch := s.changeLocked(ChangeCleared, model.Entry{})
	s.mu.Unlock()

	s.notify(ch)
}

// View returns a copy of the ordered entries.
func (s *Store) View() []model.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entries)
}

// Get returns the entry with id.
func (s *Store) Get(id string) (model.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.entries[i], true
	}
	return model.Entry{}, false
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Pending returns the number of unconfirmed placeholders.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Version returns a counter incremented by every mutation.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Store) reconcileLocked(incoming model.Message) (Outcome, model.Entry) {
	if incoming.ID == "" || model.IsPlaceholderID(incoming.ID) || incoming.ConversationID != s.conversationID || s.conversationID == "" {
		return OutcomeIgnored, model.Entry{}
	}

	e := confirmed(incoming)
	if i := s.indexLocked(incoming.ID); i >= 0 {
		return OutcomeDuplicate, s.replaceLocked(i, e)
	}

	if p := s.matchLocked(&incoming); p >= 0 {
		placeholder := s.pending[p].id
		s.pending = slices.Delete(s.pending, p, p+1)
		if i := s.indexLocked(placeholder); i >= 0 {
			s.entries = slices.Delete(s.entries, i, i+1)
		}
		s.insertLocked(e)
		return OutcomeReconciled, e
	}

	s.insertLocked(e)
	return OutcomeInserted, e
}

// matchLocked returns the placeholder written under m's id, or else the
// oldest outstanding placeholder for the same send.
func (s *Store) matchLocked(m *model.Message) int {
	if i := slices.IndexFunc(s.pending, func(p pendingSend) bool { return p.clientID == m.ID }); i >= 0 {
		return i
	}
	key := keyOf(m)
	for i, p := range s.pending {
		if p.key != key {
			continue
		}
		if d := m.CreatedAt.Sub(p.at); d <= s.window && d >= -s.window {
			return i
		}
	}
	return -1
}

func (s *Store) setState(id string, state model.DeliveryState, cause error) bool {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 || s.entries[i].State == model.DeliveryConfirmed {
		s.mu.Unlock()
		return false
	}
	s.entries[i].State = state
	if cause != nil {
		s.entries[i].Error = cause.Error()
	}
	ch := s.changeLocked(ChangeUpdated, s.entries[i])
	s.mu.Unlock()

	s.notify(ch)
	return true
}

func (s *Store) dropPendingLocked(id string) bool {
	p := slices.IndexFunc(s.pending, func(p pendingSend) bool { return p.id == id })
	if p < 0 {
		return false
	}
	s.pending = slices.Delete(s.pending, p, p+1)
	return true
}

func (s *Store) indexLocked(id string) int {
	return slices.IndexFunc(s.entries, func(e model.Entry) bool { return e.ID == id })
}

func (s *Store) insertLocked(e model.Entry) {
	i, _ := slices.BinarySearchFunc(s.entries, e, compareEntries)
	s.entries = slices.Insert(s.entries, i, e)
}

// replaceLocked swaps the entry at i and restores order, since the
// replacement may carry a different timestamp.
func (s *Store) replaceLocked(i int, e model.Entry) model.Entry {
	s.entries = slices.Delete(s.entries, i, i+1)
	s.insertLocked(e)
	return e
}

func (s *Store) changeLocked(kind ChangeKind, e model.Entry) Change {
	s.version++
	return Change{
		Kind:           kind,
		ConversationID: s.conversationID,
		Message:        e,
		Len:            len(s.entries),
		Version:        s.version,
	}
}

func (s *Store) notify(ch Change) {
	s.obsMu.RLock()
	observers := slices.Clone(s.observers)
	s.obsMu.RUnlock()
	for _, o := range observers {
		o(ch)
	}
}

func confirmed(m model.Message) model.Entry {
	return model.Entry{Message: m, State: model.DeliveryConfirmed}
}

func compareEntries(a, b model.Entry) int {
	return model.CompareMessages(&a.Message, &b.Message)
}
