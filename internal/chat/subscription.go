package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/inbox/internal/model"
	"github.com/capitalize-ai/inbox/pkg/logger"
	"github.com/capitalize-ai/inbox/pkg/metrics"
)

// State is the lifecycle of a Subscription.
type State int32

const (
	StateIdle State = iota
	StateBinding
	StateLive
	StateUnbinding
)

func (s State) String() string {
	switch s {
	case StateBinding:
		return "binding"
	case StateLive:
		return "live"
	case StateUnbinding:
		return "unbinding"
	default:
		return "idle"
	}
}

// SubscriptionOption configures a Subscription.
type SubscriptionOption func(*Subscription)

// WithSubscriptionLogger sets the logger.
func WithSubscriptionLogger(l *logger.Logger) SubscriptionOption {
	return func(s *Subscription) {
		s.log = l
	}
}

// WithHistoryRetries sets how many times a transient history failure is retried.
func WithHistoryRetries(n uint64) SubscriptionOption {
	return func(s *Subscription) {
		s.historyRetries = n
	}
}

// WithBackOff overrides the schedule used for history retries and feed
// resubscription.
func WithBackOff(f func() backoff.BackOff) SubscriptionOption {
	return func(s *Subscription) {
		s.newBackOff = f
	}
}

// Subscription binds a Session's Store to one conversation at a time: it
// loads the history, keeps a live insert feed open and tears the feed down
// before binding the next conversation.
//
// Every selection bumps a generation; history results, feed events and loss
// notices that belong to an older generation are discarded.
type Subscription struct {
	sess           *Session
	backend        Backend
	log            *logger.Logger
	historyRetries uint64
	newBackOff     func() backoff.BackOff

	state    atomic.Int32
	degraded atomic.Bool

	mu             sync.Mutex
	binding        uint64 // bumped per bound conversation; guards feed callbacks
	attempt        uint64 // bumped per Select; guards history results
	conversationID string
	feed           Feed
	buffered       []model.Message
	bindCtx        context.Context
	cancel         context.CancelFunc
}

// NewSubscription creates an idle subscription for sess.
func NewSubscription(sess *Session, backend Backend, opts ...SubscriptionOption) *Subscription {
	s := &Subscription{
		sess:           sess,
		backend:        backend,
		log:            logger.Global(),
		historyRetries: 3,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 2 * time.Minute
			return b
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("subscription")
	return s
}

// State returns the current lifecycle state.
func (s *Subscription) State() State {
	return State(s.state.Load())
}

// Degraded reports whether the bound conversation has no live feed.
func (s *Subscription) Degraded() bool {
	return s.degraded.Load()
}

// ConversationID returns the conversation being bound or displayed.
func (s *Subscription) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Select binds conversationID. The previous feed is released before the new
// one is requested. Selecting the conversation that is still binding retries
// its history without resubscribing.
//
// A transient history failure leaves the subscription Binding and the
// previously displayed entries untouched; a NotFound clears the view and
// returns to Idle. If the feed cannot be established the conversation still
// goes Live, in degraded mode.
func (s *Subscription) Select(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: conversation id is required", model.ErrValidation)
	}
	start := time.Now()
	log := s.log.WithConversation(conversationID)

	s.mu.Lock()
	var old Feed
	if s.conversationID != conversationID || s.State() != StateBinding {
		old = s.unbindLocked()
		s.binding++
		s.conversationID = conversationID
		s.bindCtx, s.cancel = context.WithCancel(context.Background())
	}
	s.attempt++
	binding, attempt := s.binding, s.attempt
	s.setState(StateBinding)
	needFeed := s.feed == nil
	s.mu.Unlock()

	if old != nil {
		if err := old.Unsubscribe(); err != nil {
			log.Debug("releasing previous feed", zap.Error(err))
		}
	}
	s.sess.setSelected(conversationID)
	log.Debug("binding conversation")

	if needFeed {
		feed, err := s.backend.SubscribeInserts(ctx, conversationID, s.deliverFunc(binding), s.lostFunc(binding))

		s.mu.Lock()
		if s.binding != binding {
			s.mu.Unlock()
			if feed != nil {
				feed.Unsubscribe()
			}
			return ErrSuperseded
		}
		if err != nil {
			s.degraded.Store(true)
			log.Warn("live feed unavailable, continuing without live updates", zap.Error(err))
		} else {
			s.feed = feed
			s.degraded.Store(false)
		}
		s.mu.Unlock()
	}

	history, conv, participants, err := s.fetch(ctx, conversationID)

	s.mu.Lock()
	if s.attempt != attempt {
		s.mu.Unlock()
		log.Debug("discarding superseded history")
		return ErrSuperseded
	}
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			old := s.unbindLocked()
			s.conversationID = ""
			s.mu.Unlock()
			if old != nil {
				old.Unsubscribe()
			}
			s.sess.setSelected("")
			s.sess.setMetadata(nil, nil)
			s.sess.Store().Clear("")
			metrics.BindDuration.WithLabelValues("not_found").Observe(time.Since(start).Seconds())
			log.Info("conversation not accessible")
			return fmt.Errorf("select conversation %s: %w", conversationID, err)
		}
		s.mu.Unlock()
		metrics.BindDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		log.Warn("history fetch failed", zap.Error(err))
		return fmt.Errorf("select conversation %s: %w", conversationID, err)
	}

	s.sess.setMetadata(conv, participants)
	store := s.sess.Store()
	store.Load(conversationID, history)
	for _, m := range s.buffered {
		store.ReconcileOrInsert(m)
	}
	buffered := len(s.buffered)
	s.buffered = nil
	s.setState(StateLive)
	s.mu.Unlock()

	metrics.BindDuration.WithLabelValues("live").Observe(time.Since(start).Seconds())
	log.Info("conversation live",
		zap.Int("history", len(history)),
		zap.Int("buffered", buffered),
		zap.Bool("degraded", s.Degraded()),
	)
	return nil
}

// Refresh merges a fresh history snapshot into the store. It is the manual
// catch-up path while degraded; on a conversation still binding it retries
// the selection.
func (s *Subscription) Refresh(ctx context.Context) error {
	s.mu.Lock()
	conversationID, binding, state := s.conversationID, s.binding, s.State()
	s.mu.Unlock()

	switch state {
	case StateIdle, StateUnbinding:
		return ErrNoConversation
	case StateBinding:
		return s.Select(ctx, conversationID)
	}

	history, err := s.backend.FetchHistory(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("refresh conversation %s: %w", conversationID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binding != binding {
		return ErrSuperseded
	}
	applied := s.sess.Store().Merge(history)
	s.log.WithConversation(conversationID).Debug("refreshed", zap.Int("applied", applied))
	return nil
}

// Close releases the feed, clears the view and returns to Idle.
func (s *Subscription) Close() error {
	s.mu.Lock()
	old := s.unbindLocked()
	s.conversationID = ""
	s.mu.Unlock()

	s.sess.setSelected("")
	s.sess.setMetadata(nil, nil)
	s.sess.Store().Clear("")
	if old != nil {
		return old.Unsubscribe()
	}
	return nil
}

// unbindLocked walks Live→Unbinding→Idle and hands back the feed so the
// caller can release it without holding the lock.
func (s *Subscription) unbindLocked() Feed {
	s.setState(StateUnbinding)
	s.binding++
	s.attempt++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	feed := s.feed
	s.feed = nil
	s.buffered = nil
	s.degraded.Store(false)
	s.setState(StateIdle)
	return feed
}

func (s *Subscription) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Subscription) fetch(ctx context.Context, conversationID string) ([]model.Message, *model.Conversation, []model.Participant, error) {
	var (
		history      []model.Message
		conv         *model.Conversation
		participants []model.Participant
	)
	log := s.log.WithConversation(conversationID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		op := func() error {
			h, err := s.backend.FetchHistory(gctx, conversationID)
			if err != nil {
				if !model.IsRetryable(err) {
					return backoff.Permanent(err)
				}
				return err
			}
			history = h
			return nil
		}
		return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), s.historyRetries), gctx))
	})
	g.Go(func() error {
		c, err := s.backend.FetchConversation(gctx, conversationID)
		if err != nil {
			log.Debug("conversation metadata unavailable", zap.Error(err))
			return nil
		}
		conv = c
		return nil
	})
	g.Go(func() error {
		p, err := s.backend.FetchParticipants(gctx, conversationID)
		if err != nil {
			log.Debug("participants unavailable", zap.Error(err))
			return nil
		}
		participants = p
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}
	return history, conv, participants, nil
}

func (s *Subscription) deliverFunc(binding uint64) func(model.Message) {
	return func(m model.Message) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.binding != binding || m.ConversationID != s.conversationID {
			return
		}
		switch s.State() {
		case StateBinding:
			s.buffered = append(s.buffered, m)
		case StateLive:
			s.sess.Store().ReconcileOrInsert(m)
		}
	}
}

func (s *Subscription) lostFunc(binding uint64) func(error) {
	return func(cause error) {
		s.mu.Lock()
		if s.binding != binding {
			s.mu.Unlock()
			return
		}
		s.feed = nil
		s.degraded.Store(true)
		conversationID, ctx := s.conversationID, s.bindCtx
		s.mu.Unlock()

		metrics.FeedLossTotal.Inc()
		s.log.WithConversation(conversationID).Warn("live feed lost, degrading to manual refresh", zap.Error(cause))
		go s.resubscribe(ctx, binding, conversationID)
	}
}

// resubscribe re-establishes a lost feed with backoff until it succeeds or
// the binding ends, then merges history to close the gap.
func (s *Subscription) resubscribe(ctx context.Context, binding uint64, conversationID string) {
	log := s.log.WithConversation(conversationID)

	var feed Feed
	op := func() error {
		f, err := s.backend.SubscribeInserts(ctx, conversationID, s.deliverFunc(binding), s.lostFunc(binding))
		if err != nil {
			return err
		}
		feed = f
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(s.newBackOff(), ctx)); err != nil {
		log.Info("giving up on live feed", zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.binding != binding {
		s.mu.Unlock()
		feed.Unsubscribe()
		return
	}
	s.feed = feed
	s.degraded.Store(false)
	s.mu.Unlock()

	log.Info("live feed recovered")
	if err := s.Refresh(ctx); err != nil && !errors.Is(err, ErrSuperseded) {
		log.Warn("catch-up refresh failed", zap.Error(err))
	}
}
