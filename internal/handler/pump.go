package handler

import (
	"context"
	"fmt"
	"sync"

	"github.com/capitalize-ai/inbox/internal/model"
	"github.com/capitalize-ai/inbox/internal/service"
)

// pumpBuffer bounds the events queued for one client. A client that falls
// further behind is disconnected and expected to resume with after_sequence.
const pumpBuffer = 256

// livePump hands messages from a log subscription to the single goroutine
// that writes to the client. Its callbacks never block the log.
type livePump struct {
	events chan model.Message
	lost   chan struct{}
	once   sync.Once
	err    error
}

func newLivePump() *livePump {
	return &livePump{
		events: make(chan model.Message, pumpBuffer),
		lost:   make(chan struct{}),
	}
}

func (p *livePump) onEvent(m model.Message) {
	select {
	case p.events <- m:
	default:
		p.onLost(fmt.Errorf("%w: client too slow", model.ErrSubscriptionLost))
	}
}

func (p *livePump) onLost(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.lost)
	})
}

// replayHistory emits every message after afterSequence, page by page, and
// returns the last sequence emitted.
func replayHistory(ctx context.Context, svc *service.MessageService, userID, conversationID string, afterSequence uint64, emit func(model.Message) error) (uint64, int, error) {
	last := afterSequence
	total := 0
	for {
		resp, err := svc.History(ctx, userID, conversationID, last, 100)
		if err != nil {
			return last, total, err
		}
		for _, msg := range resp.Messages {
			if err := emit(msg); err != nil {
				return last, total, err
			}
			last = msg.Sequence
			total++
		}
		if !resp.HasMore || len(resp.Messages) == 0 {
			return last, total, nil
		}
	}
}
