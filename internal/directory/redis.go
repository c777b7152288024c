package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/capitalize-ai/inbox/internal/model"
)

// Redis keys:
//
//	conv:<id>               conversation row (JSON)
//	conv:<id>:last          last message (JSON)
//	conv:<id>:count         message count
//	conv:<id>:participants  hash user id -> participant (JSON)
//	user:<id>               profile (JSON)
//	user:<id>:convs         sorted set of conversation ids by activity (unix ms)
func convKey(id string) string         { return "conv:" + id }
func lastKey(id string) string         { return "conv:" + id + ":last" }
func countKey(id string) string        { return "conv:" + id + ":count" }
func participantsKey(id string) string { return "conv:" + id + ":participants" }
func userKey(id string) string         { return "user:" + id }
func inboxKey(userID string) string    { return "user:" + userID + ":convs" }

// Redis is a Directory backed by Redis.
type Redis struct {
	rdb *redis.Client
}

// NewRedis wraps a connected client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Redis{rdb: rdb}, nil
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close closes the connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) CreateConversation(ctx context.Context, conv *model.Conversation, participants []model.Participant) error {
	row := *conv
	row.LastMessage = nil
	row.MessageCount = 0
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	ok, err := r.rdb.SetNX(ctx, convKey(conv.ID), data, 0).Result()
	if err != nil {
		return transient(err)
	}
	if !ok {
		return fmt.Errorf("%w: conversation %s already exists", model.ErrValidation, conv.ID)
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range participants {
			pdata, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("failed to marshal participant: %w", err)
			}
			pipe.HSet(ctx, participantsKey(conv.ID), p.UserID, pdata)
			pipe.ZAdd(ctx, inboxKey(p.UserID), redis.Z{Score: float64(conv.UpdatedAt.UnixMilli()), Member: conv.ID})
		}
		return nil
	})
	if err != nil {
		return transient(err)
	}
	return nil
}

func (r *Redis) Conversation(ctx context.Context, id string) (*model.Conversation, error) {
	convs, err := r.load(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return nil, fmt.Errorf("conversation %s: %w", id, model.ErrNotFound)
	}
	return &convs[0], nil
}

func (r *Redis) ConversationsFor(ctx context.Context, userID string) ([]model.Conversation, error) {
	ids, err := r.rdb.ZRevRange(ctx, inboxKey(userID), 0, -1).Result()
	if err != nil {
		return nil, transient(err)
	}
	convs, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortByActivity(convs)
	return convs, nil
}

// load reads the rows, last messages and counts of ids in one round trip and
// skips ids with no row.
func (r *Redis) load(ctx context.Context, ids []string) ([]model.Conversation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	type reads struct {
		row   *redis.StringCmd
		last  *redis.StringCmd
		count *redis.StringCmd
	}
	cmds := make([]reads, len(ids))
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = reads{
				row:   pipe.Get(ctx, convKey(id)),
				last:  pipe.Get(ctx, lastKey(id)),
				count: pipe.Get(ctx, countKey(id)),
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, transient(err)
	}

	convs := make([]model.Conversation, 0, len(ids))
	for _, c := range cmds {
		data, err := c.row.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, transient(err)
		}
		var conv model.Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		if last, err := c.last.Bytes(); err == nil {
			var m model.Message
			if json.Unmarshal(last, &m) == nil {
				conv.LastMessage = &m
				if m.CreatedAt.After(conv.UpdatedAt) {
					conv.UpdatedAt = m.CreatedAt
				}
			}
		}
		if n, err := c.count.Int(); err == nil {
			conv.MessageCount = n
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

func (r *Redis) Participants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	raw, err := r.rdb.HGetAll(ctx, participantsKey(conversationID)).Result()
	if err != nil {
		return nil, transient(err)
	}
	if len(raw) == 0 {
		exists, err := r.rdb.Exists(ctx, convKey(conversationID)).Result()
		if err != nil {
			return nil, transient(err)
		}
		if exists == 0 {
			return nil, fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
		}
	}

	parts := make([]model.Participant, 0, len(raw))
	for _, data := range raw {
		var p model.Participant
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal participant: %w", err)
		}
		parts = append(parts, p)
	}
	sortByJoin(parts)
	return parts, nil
}

func (r *Redis) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	ok, err := r.rdb.HExists(ctx, participantsKey(conversationID), userID).Result()
	if err != nil {
		return false, transient(err)
	}
	return ok, nil
}

func (r *Redis) RecordMessage(ctx context.Context, msg *model.Message) error {
	members, err := r.rdb.HKeys(ctx, participantsKey(msg.ConversationID)).Result()
	if err != nil {
		return transient(err)
	}
	if len(members) == 0 {
		return fmt.Errorf("conversation %s: %w", msg.ConversationID, model.ErrNotFound)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	score := float64(msg.CreatedAt.UnixMilli())
	key := lastKey(msg.ConversationID)
	record := func(tx *redis.Tx) error {
		newer, err := newerThanStored(ctx, tx, key, msg)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if newer {
				pipe.Set(ctx, key, data, 0)
			}
			pipe.Incr(ctx, countKey(msg.ConversationID))
			for _, userID := range members {
				pipe.ZAddGT(ctx, inboxKey(userID), redis.Z{Score: score, Member: msg.ConversationID})
			}
			return nil
		})
		return err
	}

	for range maxWatchAttempts {
		err = r.rdb.Watch(ctx, record, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return transient(err)
	}
	return nil
}

// maxWatchAttempts bounds optimistic retries when writers race on a key.
const maxWatchAttempts = 5

// newerThanStored reports whether msg sorts after the last message kept at key.
func newerThanStored(ctx context.Context, tx *redis.Tx, key string, msg *model.Message) (bool, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	var stored model.Message
	if err := json.Unmarshal(raw, &stored); err != nil {
		return true, nil
	}
	return model.CompareMessages(msg, &stored) > 0, nil
}

func (r *Redis) UpsertUser(ctx context.Context, u *model.User) error {
	row := *u
	if row.CreatedAt.IsZero() {
		if existing, err := r.User(ctx, u.ID); err == nil {
			row.CreatedAt = existing.CreatedAt
		}
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	if err := r.rdb.Set(ctx, userKey(u.ID), data, 0).Err(); err != nil {
		return transient(err)
	}
	return nil
}

func (r *Redis) User(ctx context.Context, id string) (*model.User, error) {
	data, err := r.rdb.Get(ctx, userKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("user %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, transient(err)
	}
	var u model.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &u, nil
}

func transient(err error) error {
	return fmt.Errorf("%w: redis: %w", model.ErrTransient, err)
}
