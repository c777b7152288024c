package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox/internal/model"
	"github.com/capitalize-ai/inbox/pkg/logger"
	"github.com/capitalize-ai/inbox/pkg/metrics"
)

// DefaultWriteTimeout bounds one remote write including its retries.
const DefaultWriteTimeout = 15 * time.Second

// Attachment describes a file already uploaded by an external collaborator.
type Attachment struct {
	Name string
	Size int64
	URL  string
}

// AttachmentLabel is the human-readable content of an attachment message.
func AttachmentLabel(kind model.MessageKind, a Attachment) string {
	label := fmt.Sprintf("📎 Shared %s: %s", kind, a.Name)
	if a.Size > 0 {
		label += " (" + humanize.Bytes(uint64(a.Size)) + ")"
	}
	return label
}

// VoiceLabel is the human-readable content of a voice note.
func VoiceLabel(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("🎤 Voice message (%d:%02d)", secs/60, secs%60)
}

// Receipt tracks one submitted message until its write settles.
type Receipt struct {
	// Placeholder is the optimistic message appended to the store.
	Placeholder model.Message

	done      chan struct{}
	confirmed model.Message
	err       error
}

func newReceipt(m model.Message) *Receipt {
	return &Receipt{Placeholder: m, done: make(chan struct{})}
}

func (r *Receipt) finish(m model.Message, err error) {
	r.confirmed = m
	r.err = err
	close(r.done)
}

// Done is closed when the write has succeeded or failed.
func (r *Receipt) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the write settles and returns the confirmed message.
func (r *Receipt) Wait(ctx context.Context) (model.Message, error) {
	select {
	case <-r.done:
		return r.confirmed, r.err
	case <-ctx.Done():
		return model.Message{}, ctx.Err()
	}
}

// ComposerOption configures a Composer.
type ComposerOption func(*Composer)

// WithWriteTimeout bounds each remote write.
func WithWriteTimeout(d time.Duration) ComposerOption {
	return func(c *Composer) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithSendRetries sets how many times a transient write failure is retried.
func WithSendRetries(n uint64) ComposerOption {
	return func(c *Composer) {
		c.retries = n
	}
}

// WithSendBackOff overrides the retry schedule for writes.
func WithSendBackOff(f func() backoff.BackOff) ComposerOption {
	return func(c *Composer) {
		c.newBackOff = f
	}
}

// WithComposerLogger sets the logger.
func WithComposerLogger(l *logger.Logger) ComposerOption {
	return func(c *Composer) {
		c.log = l
	}
}

// WithComposerClock overrides the clock used to stamp placeholders.
func WithComposerClock(now func() time.Time) ComposerOption {
	return func(c *Composer) {
		c.now = now
	}
}

// Composer holds the outgoing draft and turns submissions into optimistic
// entries followed by asynchronous writes.
type Composer struct {
	sess         *Session
	backend      Backend
	log          *logger.Logger
	writeTimeout time.Duration
	retries      uint64
	newBackOff   func() backoff.BackOff
	now          func() time.Time

	mu    sync.Mutex
	draft string

	wg sync.WaitGroup
}

// NewComposer creates a composer writing through backend.
func NewComposer(sess *Session, backend Backend, opts ...ComposerOption) *Composer {
	c := &Composer{
		sess:         sess,
		backend:      backend,
		log:          logger.Global(),
		writeTimeout: DefaultWriteTimeout,
		retries:      2,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("composer")
	return c
}

// SetDraft replaces the in-progress text.
func (c *Composer) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()
}

// Draft returns the in-progress text.
func (c *Composer) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// SubmitDraft submits the in-progress text.
func (c *Composer) SubmitDraft(ctx context.Context) (*Receipt, error) {
	return c.SubmitText(ctx, c.Draft())
}

// SubmitText sends a text message. Whitespace-only text is rejected before
// anything is appended or written. The draft is cleared at once and restored
// if the write fails while the draft is still empty.
func (c *Composer) SubmitText(ctx context.Context, text string) (*Receipt, error) {
	content := strings.TrimSpace(text)
	if content == "" {
		return nil, fmt.Errorf("%w: message is empty", model.ErrValidation)
	}
	return c.submit(ctx, model.KindText, content, "", text)
}

// SubmitAttachment sends a message announcing an uploaded attachment.
func (c *Composer) SubmitAttachment(ctx context.Context, a Attachment, kind model.MessageKind) (*Receipt, error) {
	if !kind.IsAttachment() {
		return nil, fmt.Errorf("%w: %q is not an attachment kind", model.ErrValidation, kind)
	}
	if strings.TrimSpace(a.Name) == "" {
		return nil, fmt.Errorf("%w: attachment has no name", model.ErrValidation)
	}
	return c.submit(ctx, kind, AttachmentLabel(kind, a), a.URL, "")
}

// SubmitVoiceNote sends a message announcing a recorded voice note. The
// audio itself is handed to the upload collaborator, not to the store.
func (c *Composer) SubmitVoiceNote(ctx context.Context, audio []byte, duration time.Duration) (*Receipt, error) {
	if len(audio) == 0 || duration <= 0 {
		return nil, fmt.Errorf("%w: empty voice note", model.ErrValidation)
	}
	return c.submit(ctx, model.KindVoice, VoiceLabel(duration), "", "")
}

// Retry resends a failed entry.
func (c *Composer) Retry(ctx context.Context, placeholderID string) (*Receipt, error) {
	msg, ok := c.sess.Store().MarkRetrying(placeholderID)
	if !ok {
		return nil, fmt.Errorf("%w: no failed message %s", model.ErrNotFound, placeholderID)
	}
	r := newReceipt(msg)
	c.write(ctx, r, "")
	return r, nil
}

// Wait blocks until every in-flight write has settled.
func (c *Composer) Wait() {
	c.wg.Wait()
}

func (c *Composer) submit(ctx context.Context, kind model.MessageKind, content, attachmentURL, draft string) (*Receipt, error) {
	store := c.sess.Store()
	conversationID := store.ConversationID()
	if conversationID == "" {
		return nil, ErrNoConversation
	}

	now := c.now()
	self := c.sess.Self()
	placeholder := model.Message{
		ID:             model.PlaceholderPrefix + uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		SenderID:       self.ID,
		Kind:           kind,
		Content:        content,
		AttachmentURL:  attachmentURL,
		CreatedAt:      now,
		UpdatedAt:      now,
		Sender:         &self,
	}
	if store.Append(placeholder, true) != OutcomeInserted {
		return nil, ErrNoConversation
	}
	if draft != "" {
		c.SetDraft("")
	}

	r := newReceipt(placeholder)
	c.write(ctx, r, draft)
	return r, nil
}

func (c *Composer) write(ctx context.Context, r *Receipt, draft string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.writeTimeout)
		defer cancel()

		// Every attempt is written under the same client id, so an attempt
		// that committed but lost its reply is not stored twice.
		out := r.Placeholder
		out.ID = model.ClientID(r.Placeholder.ID)

		var ack model.Message
		op := func() error {
			m, err := c.backend.InsertMessage(wctx, out)
			if err != nil {
				if !model.IsRetryable(err) {
					return backoff.Permanent(err)
				}
				return err
			}
			ack = m
			return nil
		}
		err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.retries), wctx))

		store := c.sess.Store()
		if err != nil {
			// The reply was lost but the feed already delivered the row.
			if e, ok := store.Get(out.ID); ok && e.State == model.DeliveryConfirmed {
				metrics.SendsTotal.WithLabelValues("confirmed").Inc()
				c.log.Debug("send confirmed by the live feed", zap.String("message_id", out.ID), zap.Error(err))
				r.finish(e.Message, nil)
				return
			}
			store.MarkFailed(r.Placeholder.ID, err)
			if draft != "" {
				c.mu.Lock()
				if c.draft == "" {
					c.draft = draft
				}
				c.mu.Unlock()
			}
			metrics.SendsTotal.WithLabelValues("failed").Inc()
			c.log.Warn("send failed",
				zap.String("conversation_id", r.Placeholder.ConversationID),
				zap.String("placeholder_id", r.Placeholder.ID),
				zap.Error(err),
			)
			r.finish(model.Message{}, err)
			return
		}

		store.Confirm(r.Placeholder.ID, ack)
		metrics.SendsTotal.WithLabelValues("confirmed").Inc()
		r.finish(ack, nil)
	}()
}
