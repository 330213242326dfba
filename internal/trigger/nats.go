package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"missionproof/internal/domain"
)

const (
	completionStream     = "MISSION_COMPLETIONS"
	defaultSubjectPrefix = "missions.completion"
)

// Publisher publishes one message with a deduplication id.
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// JetStreamPublisher publishes with Nats-Msg-Id set so redelivered writes are
// dropped by the stream's duplicate window.
type JetStreamPublisher struct {
	JS nats.JetStreamContext
}

func (p JetStreamPublisher) Publish(subject string, payload []byte, msgID string) error {
	_, err := p.JS.Publish(subject, payload, nats.MsgId(msgID))
	return err
}

// NATSClient owns a connection and its JetStream context.
type NATSClient struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
}

// ConnectJetStream dials url and makes sure the completion stream exists for
// subjects under prefix.
func ConnectJetStream(url, prefix string) (*NATSClient, error) {
	conn, err := nats.Connect(url, nats.Name("missionproof"))
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	if err := ensureStream(js, subjectPrefix(prefix)); err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	return &NATSClient{Conn: conn, JS: js}, nil
}

// ConnectJetStreamWithRetry keeps dialing until timeout elapses.
func ConnectJetStreamWithRetry(url, prefix string, timeout time.Duration) (*NATSClient, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := ConnectJetStream(url, prefix)
		if err == nil {
			return client, nil
		}
		lastErr = err
		time.Sleep(500 * time.Millisecond)
	}
	return nil, fmt.Errorf("connect jetstream timeout after %s: %w", timeout, lastErr)
}

func (c *NATSClient) Close() {
	if c == nil || c.Conn == nil {
		return
	}
	_ = c.Conn.Drain()
	c.Conn.Close()
}

func ensureStream(js nats.JetStreamContext, prefix string) error {
	_, err := js.StreamInfo(completionStream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       completionStream,
		Subjects:   []string{prefix + ".>"},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		Replicas:   1,
		Duplicates: 10 * time.Minute,
	})
	return err
}

func subjectPrefix(p string) string {
	p = strings.Trim(strings.TrimSpace(p), ".")
	if p == "" {
		return defaultSubjectPrefix
	}
	return p
}

// StreamMessage is the published form of a completion write.
type StreamMessage struct {
	WriteID      int64                   `json:"write_id"`
	CompletionID string                  `json:"completion_id"`
	MissionID    string                  `json:"mission_id"`
	TaskID       string                  `json:"task_id"`
	UserID       string                  `json:"user_id"`
	From         domain.CompletionStatus `json:"from,omitempty"`
	To           domain.CompletionStatus `json:"to"`
	TS           string                  `json:"ts"`
	Write        domain.CompletionWrite  `json:"write"`
}

// StreamSink forwards completion writes to a message stream. Subjects are
// <prefix>.<mission>.<status>.
type StreamSink struct {
	Publisher Publisher
	Prefix    string
}

func (s StreamSink) HandleWrite(ctx context.Context, w domain.CompletionWrite) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := StreamMessage{
		WriteID:      w.ID,
		CompletionID: w.CompletionID,
		MissionID:    w.After.MissionID,
		TaskID:       w.After.TaskID,
		UserID:       w.After.UserID,
		To:           w.After.Status,
		TS:           w.TS,
		Write:        w,
	}
	if w.Before != nil {
		msg.From = w.Before.Status
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	subject := Subject(s.Prefix, w.After.MissionID, w.After.Status)
	if err := s.Publisher.Publish(subject, payload, "completion-write-"+strconv.FormatInt(w.ID, 10)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subject builds the subject for a mission and status. Subject tokens cannot
// contain dots or wildcards, so those are replaced.
func Subject(prefix, missionID string, status domain.CompletionStatus) string {
	return subjectPrefix(prefix) + "." + token(missionID) + "." + token(string(status))
}

func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
