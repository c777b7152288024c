package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox/internal/model"
	"github.com/capitalize-ai/inbox/pkg/metrics"
)

const (
	// StreamName is the name of the chat message stream.
	StreamName = "CHAT"

	// SubjectPrefix is the prefix for all chat subjects.
	SubjectPrefix = "chat"
)

// StreamOptions sizes the message stream.
type StreamOptions struct {
	MaxAge   time.Duration
	MaxBytes int64
	Replicas int
	// DuplicateWindow is how long a message id is remembered for dedup.
	DuplicateWindow time.Duration
	// Memory keeps the stream in memory instead of on disk.
	Memory bool
}

// DefaultStreamOptions keeps a year of messages up to 100GB on disk.
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		MaxAge:   365 * 24 * time.Hour,
		MaxBytes:        100 * 1024 * 1024 * 1024,
		Replicas:        1,
		DuplicateWindow: 10 * time.Minute,
	}
}

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
	opts   StreamOptions
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client, opts StreamOptions) *StreamManager {
	if opts.Replicas < 1 {
		opts.Replicas = 1
	}
	return &StreamManager{client: client, opts: opts}
}

// EnsureStream ensures the chat stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	storage := jetstream.FileStorage
	if m.opts.Memory {
		storage = jetstream.MemoryStorage
	}
	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      m.opts.MaxAge,
		MaxBytes:    m.opts.MaxBytes,
		Duplicates:  m.opts.DuplicateWindow,
		Storage:     storage,
		Replicas:    m.opts.Replicas,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Chat messages by conversation",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	m.client.logger.Info("created stream", zap.String("stream", StreamName))
	return nil
}

// MessageSubject returns the subject messages of a conversation are published on.
func MessageSubject(conversationID string) string {
	return fmt.Sprintf("%s.%s.msg", SubjectPrefix, conversationID)
}

// validToken reports whether id can be used as a single subject token.
func validToken(id string) bool {
	return id != "" && !strings.ContainsAny(id, ".*> \t\r\n")
}

// Append publishes msg and sets its stream sequence. When the id was already
// published within the duplicate window, *msg is replaced with the stored
// row and a duplicate is reported.
func (m *StreamManager) Append(ctx context.Context, msg *model.Message) (bool, error) {
	if !validToken(msg.ConversationID) {
		return false, fmt.Errorf("%w: invalid conversation id %q", model.ErrValidation, msg.ConversationID)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("failed to marshal message: %w", err)
	}

	// the message id doubles as the JetStream dedup id so a retried insert is stored once
	js := m.client.JetStream()
	ack, err := js.Publish(ctx, MessageSubject(msg.ConversationID), data, jetstream.WithMsgID(msg.ID))
	if err != nil {
		return false, fmt.Errorf("failed to publish message: %w: %w", model.ErrTransient, err)
	}
	if !ack.Duplicate {
		msg.Sequence = ack.Sequence
		return false, nil
	}

	stream, err := js.Stream(ctx, StreamName)
	if err != nil {
		return true, fmt.Errorf("failed to look up stream: %w: %w", model.ErrTransient, err)
	}
	raw, err := stream.GetMsg(ctx, ack.Sequence)
	if err != nil {
		return true, fmt.Errorf("failed to load stored message %d: %w: %w", ack.Sequence, model.ErrTransient, err)
	}
	var stored model.Message
	if err := json.Unmarshal(raw.Data, &stored); err != nil {
		return true, fmt.Errorf("failed to unmarshal stored message %d: %w", ack.Sequence, err)
	}
	stored.Sequence = raw.Sequence
	*msg = stored
	return true, nil
}

// History returns up to limit messages of a conversation stored after
// afterSequence, in stream order, with the last sequence read and whether
// more remain.
func (m *StreamManager) History(ctx context.Context, conversationID string, afterSequence uint64, limit int) ([]model.Message, uint64, bool, error) {
	if !validToken(conversationID) {
		return nil, afterSequence, false, fmt.Errorf("%w: invalid conversation id %q", model.ErrValidation, conversationID)
	}
	js := m.client.JetStream()

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject:     MessageSubject(conversationID),
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: time.Minute,
		MemoryStorage:     true,
	}
	if afterSequence > 0 {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = afterSequence + 1
	}

	consumer, err := js.CreateConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return nil, afterSequence, false, fmt.Errorf("failed to create consumer: %w: %w", model.ErrTransient, err)
	}
	name := consumer.CachedInfo().Name
	defer func() {
		if err := js.DeleteConsumer(context.WithoutCancel(ctx), StreamName, name); err != nil {
			m.client.logger.Debug("failed to delete history consumer", zap.String("consumer", name), zap.Error(err))
		}
	}()

	pending := int(consumer.CachedInfo().NumPending)
	if pending == 0 {
		return nil, afterSequence, false, nil
	}
	want := pending
	if limit > 0 && limit < want {
		want = limit
	}

	messages := make([]model.Message, 0, want)
	lastSequence := afterSequence

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

fetch:
	for len(messages) < want {
		batch, err := consumer.Fetch(want-len(messages), jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, afterSequence, false, fmt.Errorf("failed to fetch messages: %w: %w", model.ErrTransient, err)
		}

		received := 0
		for msg := range batch.Messages() {
			received++
			meta, err := msg.Metadata()
			if err != nil {
				continue
			}
			lastSequence = meta.Sequence.Stream

			var message model.Message
			if err := json.Unmarshal(msg.Data(), &message); err != nil {
				m.client.logger.Warn("skipping undecodable message", zap.Uint64("sequence", lastSequence), zap.Error(err))
				continue
			}
			message.Sequence = lastSequence
			messages = append(messages, message)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, nats.ErrTimeout) {
			return nil, afterSequence, false, fmt.Errorf("batch error: %w: %w", model.ErrTransient, err)
		}

		select {
		case <-fetchCtx.Done():
			break fetch
		default:
		}
		if received == 0 {
			break
		}
	}

	return messages, lastSequence, pending > len(messages), nil
}

// Subscribe delivers messages published to a conversation after the call, in
// stream order, until the returned feed is stopped. onLost is called at most
// once if the connection to the server is closed.
func (m *StreamManager) Subscribe(ctx context.Context, conversationID string, onEvent func(model.Message), onLost func(error)) (*Feed, error) {
	if !validToken(conversationID) {
		return nil, fmt.Errorf("%w: invalid conversation id %q", model.ErrValidation, conversationID)
	}

	consumer, err := m.client.JetStream().OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{MessageSubject(conversationID)},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ordered consumer: %w: %w", model.ErrTransient, err)
	}

	f := &Feed{}
	log := m.client.logger.With(zap.String("conversation_id", conversationID))

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if f.stopped() {
			return
		}
		var message model.Message
		if err := json.Unmarshal(msg.Data(), &message); err != nil {
			log.Warn("skipping undecodable message", zap.Error(err))
			return
		}
		if meta, err := msg.Metadata(); err == nil {
			message.Sequence = meta.Sequence.Stream
		}
		onEvent(message)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, jetstream.ErrConsumerDeleted) {
			f.lose(fmt.Errorf("%w: %w", model.ErrSubscriptionLost, err), onLost)
			return
		}
		log.Debug("consume error", zap.Error(err))
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w: %w", model.ErrTransient, err)
	}

	f.mu.Lock()
	f.cc = cc
	stopped := f.done
	f.mu.Unlock()
	if stopped {
		cc.Stop()
	}
	return f, nil
}

// ReportStats publishes the stream's size to the metrics registry.
func (m *StreamManager) ReportStats(ctx context.Context) error {
	stream, err := m.client.JetStream().Stream(ctx, StreamName)
	if err != nil {
		return fmt.Errorf("failed to get stream: %w", err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	metrics.RecordStream(StreamName, info.State.Msgs, info.State.Bytes)
	return nil
}

// Feed is a live subscription to one conversation.
type Feed struct {
	mu   sync.Mutex
	cc   jetstream.ConsumeContext
	done bool
}

// Unsubscribe stops delivery. It does not wait for a callback in progress.
func (f *Feed) Unsubscribe() error {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return nil
	}
	f.done = true
	cc := f.cc
	f.mu.Unlock()

	if cc != nil {
		cc.Stop()
	}
	return nil
}

func (f *Feed) stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

func (f *Feed) lose(err error, onLost func(error)) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.done = true
	cc := f.cc
	f.mu.Unlock()

	if cc != nil {
		cc.Stop()
	}
	if onLost != nil {
		onLost(err)
	}
}
