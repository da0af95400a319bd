// Package events publishes run progress to a Redis channel so dashboards
// can follow a run live.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gitopslab/e2e/internal/runner"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Message is the JSON payload published per finished step.
type Message struct {
	RunID      string  `json:"runId"`
	Step       string  `json:"step"`
	Policy     string  `json:"policy"`
	Outcome    string  `json:"outcome"`
	DurationMS int64   `json:"durationMs"`
	Error      *string `json:"error,omitempty"`
	Timestamp  string  `json:"timestamp"`
}

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type Publisher struct {
	client  publisher
	channel string
	runID   string
	log     logrus.FieldLogger
	now     func() time.Time
}

// Connect opens a client and checks the connection.
func Connect(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func NewPublisher(log logrus.FieldLogger, client *redis.Client, channel, runID string) *Publisher {
	return newPublisher(log, client, channel, runID)
}

func newPublisher(log logrus.FieldLogger, client publisher, channel, runID string) *Publisher {
	return &Publisher{client: client, channel: channel, runID: runID, log: log, now: time.Now}
}

func (p *Publisher) message(ev runner.Event) Message {
	m := Message{
		RunID:      p.runID,
		Step:       ev.Step,
		Policy:     ev.Policy.String(),
		Outcome:    ev.Outcome,
		DurationMS: ev.Duration.Milliseconds(),
		Timestamp:  p.now().UTC().Format(time.RFC3339),
	}
	if ev.Err != nil {
		msg := ev.Err.Error()
		m.Error = &msg
	}
	return m
}

// StepFinished publishes ev. Publishing never fails the run.
func (p *Publisher) StepFinished(ctx context.Context, ev runner.Event) {
	payload, err := json.Marshal(p.message(ev))
	if err != nil {
		p.log.Warnf("Failed to marshal event: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.log.Debugf("Failed to publish %s event: %v", ev.Step, err)
	}
}
