// Package memlog is an in-process message log for development and tests. It
// keeps the same contract as the JetStream log: ordered history by sequence,
// dedup by message id, and live feeds that only see messages appended after
// they start.
package memlog

import (
	"context"
	"fmt"
	"sync"

	"github.com/capitalize-ai/inbox/internal/model"
)

// feedBuffer is how many undelivered messages a feed may lag before it is dropped.
const feedBuffer = 256

// Log is an in-memory message log.
type Log struct {
	mu            sync.RWMutex
	seq           uint64
	conversations map[string][]model.Message
	byID          map[string]model.Message
	feeds         map[string]map[*Feed]struct{}
}

// New creates an empty log.
func New() *Log {
	return &Log{
		conversations: make(map[string][]model.Message),
		byID:          make(map[string]model.Message),
		feeds:         make(map[string]map[*Feed]struct{}),
	}
}

// Append stores msg, sets its sequence and fans it out to live feeds.
// Appending an id already stored stores nothing, replaces *msg with the
// stored row and reports a duplicate.
func (l *Log) Append(ctx context.Context, msg *model.Message) (bool, error) {
	if msg.ConversationID == "" {
		return false, fmt.Errorf("%w: conversation id is required", model.ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	if stored, ok := l.byID[msg.ID]; ok && msg.ID != "" {
		l.mu.Unlock()
		*msg = stored
		return true, nil
	}
	l.seq++
	msg.Sequence = l.seq
	stored := *msg
	l.conversations[msg.ConversationID] = append(l.conversations[msg.ConversationID], stored)
	if msg.ID != "" {
		l.byID[msg.ID] = stored
	}
	var lagging []*Feed
	for f := range l.feeds[msg.ConversationID] {
		if !f.offer(stored) {
			lagging = append(lagging, f)
		}
	}
	l.mu.Unlock()

	for _, f := range lagging {
		f.lose(fmt.Errorf("%w: feed fell behind", model.ErrSubscriptionLost))
	}
	return false, nil
}

// History returns up to limit messages of a conversation after afterSequence,
// the last sequence returned and whether more remain. A limit of zero or less
// returns everything.
func (l *Log) History(ctx context.Context, conversationID string, afterSequence uint64, limit int) ([]model.Message, uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, afterSequence, false, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	all := l.conversations[conversationID]
	start := 0
	for start < len(all) && all[start].Sequence <= afterSequence {
		start++
	}
	end := len(all)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	if start == end {
		return nil, afterSequence, false, nil
	}

	out := make([]model.Message, end-start)
	copy(out, all[start:end])
	return out, out[len(out)-1].Sequence, end < len(all), nil
}

// Subscribe starts a live feed of messages appended to conversationID.
func (l *Log) Subscribe(ctx context.Context, conversationID string, onEvent func(model.Message), onLost func(error)) (*Feed, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", model.ErrValidation)
	}
	f := &Feed{
		log:            l,
		conversationID: conversationID,
		queue:          make(chan model.Message, feedBuffer),
		stop:           make(chan struct{}),
		onEvent:        onEvent,
		onLost:         onLost,
	}

	l.mu.Lock()
	set := l.feeds[conversationID]
	if set == nil {
		set = make(map[*Feed]struct{})
		l.feeds[conversationID] = set
	}
	set[f] = struct{}{}
	l.mu.Unlock()

	go f.run()
	return f, nil
}

// Len returns the number of stored messages.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}

func (l *Log) remove(f *Feed) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if set := l.feeds[f.conversationID]; set != nil {
		delete(set, f)
		if len(set) == 0 {
			delete(l.feeds, f.conversationID)
		}
	}
}

// Feed is a live subscription to one conversation of a Log.
type Feed struct {
	log            *Log
	conversationID string
	queue          chan model.Message
	stop           chan struct{}
	once           sync.Once
	onEvent        func(model.Message)
	onLost         func(error)
}

// Unsubscribe stops delivery without waiting for a callback in progress.
func (f *Feed) Unsubscribe() error {
	f.once.Do(func() {
		close(f.stop)
		f.log.remove(f)
	})
	return nil
}

func (f *Feed) offer(m model.Message) bool {
	select {
	case f.queue <- m:
		return true
	default:
		return false
	}
}

func (f *Feed) lose(err error) {
	f.once.Do(func() {
		close(f.stop)
		f.log.remove(f)
		if f.onLost != nil {
			f.onLost(err)
		}
	})
}

func (f *Feed) run() {
	for {
		select {
		case <-f.stop:
			return
		case m := <-f.queue:
			select {
			case <-f.stop:
				return
			default:
			}
			f.onEvent(m)
		}
	}
}
