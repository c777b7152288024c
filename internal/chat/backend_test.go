package chat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/capitalize-ai/inbox/internal/model"
)

// fakeBackend is an in-memory Backend with hooks for failure injection. Like
// the service it keeps client ids, assigns ids to placeholders, and returns
// the stored row when an id is written again.
type fakeBackend struct {
	mu           sync.Mutex
	history      map[string][]model.Message
	historyErr   map[string][]error
	gates        map[string]chan struct{}
	participants map[string][]model.Participant
	subscribeErr []error
	insertErr    []error
	lostReplies  []error
	feeds        []*fakeFeed
	inserted     []model.Message
	historyCalls atomic.Int32
	insertCalls  atomic.Int32
	seq          int
	insertDelay  time.Duration
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		history:      make(map[string][]model.Message),
		historyErr:   make(map[string][]error),
		gates:        make(map[string]chan struct{}),
		participants: make(map[string][]model.Participant),
	}
}

func (b *fakeBackend) setHistory(id string, msgs ...model.Message) {
	b.mu.Lock()
	b.history[id] = msgs
	b.mu.Unlock()
}

// failHistory queues errors returned by the next FetchHistory calls for id.
func (b *fakeBackend) failHistory(id string, errs ...error) {
	b.mu.Lock()
	b.historyErr[id] = append(b.historyErr[id], errs...)
	b.mu.Unlock()
}

// gate blocks FetchHistory for id until the returned func is called.
func (b *fakeBackend) gate(id string) func() {
	ch := make(chan struct{})
	b.mu.Lock()
	b.gates[id] = ch
	b.mu.Unlock()
	return func() { close(ch) }
}

func (b *fakeBackend) FetchHistory(ctx context.Context, id string) ([]model.Message, error) {
	b.historyCalls.Add(1)
	b.mu.Lock()
	gate := b.gates[id]
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if errs := b.historyErr[id]; len(errs) > 0 {
		b.historyErr[id] = errs[1:]
		return nil, errs[0]
	}
	return append([]model.Message(nil), b.history[id]...), nil
}

func (b *fakeBackend) InsertMessage(ctx context.Context, m model.Message) (model.Message, error) {
	b.insertCalls.Add(1)
	if b.insertDelay > 0 {
		select {
		case <-time.After(b.insertDelay):
		case <-ctx.Done():
			return model.Message{}, ctx.Err()
		}
	}

	b.mu.Lock()
	if len(b.insertErr) > 0 {
		err := b.insertErr[0]
		b.insertErr = b.insertErr[1:]
		b.mu.Unlock()
		return model.Message{}, err
	}
	for _, stored := range b.inserted {
		if stored.ID == m.ID {
			b.mu.Unlock()
			return stored, nil
		}
	}
	b.seq++
	if m.ID == "" || model.IsPlaceholderID(m.ID) {
		m.ID = fmt.Sprintf("srv-%d", b.seq)
	}
	m.Sender = nil
	b.inserted = append(b.inserted, m)
	b.history[m.ConversationID] = append(b.history[m.ConversationID], m)

	// a lost reply: the row is stored and echoed but the caller sees an error
	var lost error
	var echo []*fakeFeed
	if len(b.lostReplies) > 0 {
		lost = b.lostReplies[0]
		b.lostReplies = b.lostReplies[1:]
		for _, f := range b.feeds {
			if f.conversationID == m.ConversationID {
				echo = append(echo, f)
			}
		}
	}
	b.mu.Unlock()

	if lost != nil {
		for _, f := range echo {
			f.emit(m)
		}
		return model.Message{}, lost
	}
	return m, nil
}

func (b *fakeBackend) insertedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inserted)
}

func (b *fakeBackend) SubscribeInserts(ctx context.Context, id string, onEvent func(model.Message), onLost func(error)) (Feed, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subscribeErr) > 0 {
		err := b.subscribeErr[0]
		b.subscribeErr = b.subscribeErr[1:]
		return nil, err
	}
	f := &fakeFeed{conversationID: id, onEvent: onEvent, onLost: onLost}
	b.feeds = append(b.feeds, f)
	return f, nil
}

func (b *fakeBackend) FetchParticipants(ctx context.Context, id string) ([]model.Participant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.participants[id], nil
}

func (b *fakeBackend) FetchConversation(ctx context.Context, id string) (*model.Conversation, error) {
	return &model.Conversation{ID: id, Name: "conversation " + id, Kind: model.ConversationGroup}, nil
}

func (b *fakeBackend) feed(i int) *fakeFeed {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 {
		i += len(b.feeds)
	}
	if i < 0 || i >= len(b.feeds) {
		return nil
	}
	return b.feeds[i]
}

func (b *fakeBackend) feedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.feeds)
}

type fakeFeed struct {
	conversationID string
	onEvent        func(model.Message)
	onLost         func(error)
	closed         atomic.Bool
}

func (f *fakeFeed) Unsubscribe() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeFeed) emit(m model.Message) {
	if !f.closed.Load() {
		f.onEvent(m)
	}
}

func (f *fakeFeed) lose(err error) {
	if !f.closed.Load() {
		f.onLost(err)
	}
}

func instantBackOff() backoff.BackOff {
	return &backoff.ZeroBackOff{}
}
