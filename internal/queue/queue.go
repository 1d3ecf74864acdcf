// Package queue announces finished transcripts on a Redis stream for
// downstream scoring consumers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sbenjam1n/tutorsim/internal/sim"
)

const (
	// StreamTranscripts is the Redis stream finished runs are pushed to.
	StreamTranscripts = "transcripts"
	// GroupScorers is the consumer group for scoring workers.
	GroupScorers = "scorer_pool"

	// EventTranscriptReady is the only event type on the stream.
	EventTranscriptReady = "transcript_ready"
)

// TranscriptMessage is the payload pushed to the transcripts stream.
type TranscriptMessage struct {
	Event          string    `json:"event"`
	RunID          string    `json:"run_id"`
	CaseID         string    `json:"case_id"`
	Rounds         int       `json:"rounds"`
	FallbackRounds int       `json:"fallback_rounds"`
	Location       string    `json:"location,omitempty"`
	FinishedAt     time.Time `json:"finished_at"`
}

// NewTranscriptMessage builds the announcement for t. location points at the
// exported files or is empty.
func NewTranscriptMessage(t *sim.Transcript, location string) TranscriptMessage {
	return TranscriptMessage{
		Event:          EventTranscriptReady,
		RunID:          t.RunID,
		CaseID:         t.Case.ID,
		Rounds:         t.Rounds,
		FallbackRounds: t.FallbackRounds(),
		Location:       location,
		FinishedAt:     t.FinishedAt,
	}
}

func (m TranscriptMessage) values() map[string]any {
	return map[string]any{
		"event":           m.Event,
		"run_id":          m.RunID,
		"case_id":         m.CaseID,
		"rounds":          strconv.Itoa(m.Rounds),
		"fallback_rounds": strconv.Itoa(m.FallbackRounds),
		"location":        m.Location,
		"finished_at":     m.FinishedAt.UTC().Format(time.RFC3339Nano),
	}
}

func messageFromValues(values map[string]any) (TranscriptMessage, error) {
	m := TranscriptMessage{
		Event:    getString(values, "event"),
		RunID:    getString(values, "run_id"),
		CaseID:   getString(values, "case_id"),
		Location: getString(values, "location"),
	}
	if m.RunID == "" {
		return m, errors.New("message has no run_id")
	}
	var err error
	if m.Rounds, err = getInt(values, "rounds"); err != nil {
		return m, err
	}
	if m.FallbackRounds, err = getInt(values, "fallback_rounds"); err != nil {
		return m, err
	}
	if s := getString(values, "finished_at"); s != "" {
		if m.FinishedAt, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return m, fmt.Errorf("parse finished_at: %w", err)
		}
	}
	return m, nil
}

// Queue manages the transcripts stream.
type Queue struct {
	client *redis.Client
}

// New creates a Queue from a Redis client.
func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// ConnectRedis creates a Redis client from a URL.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// EnsureStream creates the scorer consumer group if it doesn't exist.
func (q *Queue) EnsureStream(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, StreamTranscripts, GroupScorers, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", GroupScorers, StreamTranscripts, err)
	}
	return nil
}

// Publish adds a transcript_ready message to the stream.
func (q *Queue) Publish(ctx context.Context, msg TranscriptMessage) (string, error) {
	if msg.Event == "" {
		msg.Event = EventTranscriptReady
	}
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamTranscripts,
		Values: msg.values(),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish transcript %s: %w", msg.RunID, err)
	}
	return id, nil
}

// Read reads one message for consumer, blocking up to block (zero blocks
// forever).
func (q *Queue) Read(ctx context.Context, consumer string, block time.Duration) (*TranscriptMessage, string, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    GroupScorers,
		Consumer: consumer,
		Streams:  []string{StreamTranscripts, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		return nil, "", fmt.Errorf("read transcript: %w", err)
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			m, err := messageFromValues(msg.Values)
			if err != nil {
				return nil, msg.ID, fmt.Errorf("decode message %s: %w", msg.ID, err)
			}
			return &m, msg.ID, nil
		}
	}
	return nil, "", redis.Nil
}

// Ack acknowledges a message.
func (q *Queue) Ack(ctx context.Context, msgID string) error {
	return q.client.XAck(ctx, StreamTranscripts, GroupScorers, msgID).Err()
}

// Handler processes one announced transcript.
type Handler func(ctx context.Context, msg TranscriptMessage) error

// Consume reads messages until ctx is done. Messages are acknowledged after
// handle returns, whatever its result; undecodable messages are acknowledged
// and skipped.
func (q *Queue) Consume(ctx context.Context, consumer string, handle Handler, onError func(error)) error {
	if err := q.EnsureStream(ctx); err != nil {
		return err
	}
	if onError == nil {
		onError = func(error) {}
	}
	for {
		msg, msgID, err := q.Read(ctx, consumer, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			onError(err)
			if msgID != "" {
				_ = q.Ack(ctx, msgID)
			}
			continue
		}

		if err := handle(ctx, *msg); err != nil {
			onError(fmt.Errorf("handle %s: %w", msg.RunID, err))
		}
		if err := q.Ack(ctx, msgID); err != nil {
			onError(fmt.Errorf("ack %s: %w", msgID, err))
		}
	}
}

// Status returns the stream length and the group's pending count.
func (q *Queue) Status(ctx context.Context) (length, pending int64, err error) {
	length, err = q.client.XLen(ctx, StreamTranscripts).Result()
	if err != nil {
		return 0, 0, err
	}
	p, err := q.client.XPending(ctx, StreamTranscripts, GroupScorers).Result()
	if err != nil {
		if strings.HasPrefix(err.Error(), "NOGROUP") {
			return length, 0, nil
		}
		return 0, 0, err
	}
	return length, p.Count, nil
}

// Close closes the underlying client.
func (q *Queue) Close() error {
	return q.client.Close()
}

func getString(values map[string]any, key string) string {
	if v, ok := values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getInt(values map[string]any, key string) (int, error) {
	s := getString(values, key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}
