package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gitopslab/e2e/internal/logging"
	"github.com/gitopslab/e2e/internal/runner"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	channel string
	payload []byte
}

type fakeRedis struct {
	sent []published
	err  error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.sent = append(f.sent, published{channel: channel, payload: message.([]byte)})
	cmd.SetVal(1)
	return cmd
}

func TestPublisherSendsStepEvents(t *testing.T) {
	fake := &fakeRedis{}
	p := newPublisher(logging.Discard(), fake, "e2e:events", "run-1")
	p.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	p.StepFinished(context.Background(), runner.Event{Step: runner.StepSecrets, Policy: runner.BestEffort, Outcome: runner.OutcomeWarn, Duration: 1500 * time.Millisecond, Err: errors.New("409")})

	require.Len(t, fake.sent, 1)
	assert.Equal(t, "e2e:events", fake.sent[0].channel)

	var m Message
	require.NoError(t, json.Unmarshal(fake.sent[0].payload, &m))
	assert.Equal(t, "run-1", m.RunID)
	assert.Equal(t, "best-effort", m.Policy)
	assert.Equal(t, int64(1500), m.DurationMS)
	require.NotNil(t, m.Error)
	assert.Equal(t, "409", *m.Error)
	assert.Equal(t, "2024-01-02T03:04:05Z", m.Timestamp)
}

func TestPublisherSwallowsErrors(t *testing.T) {
	fake := &fakeRedis{err: errors.New("connection refused")}
	p := newPublisher(logging.Discard(), fake, "e2e:events", "run-1")
	p.StepFinished(context.Background(), runner.Event{Step: runner.StepTrain, Outcome: runner.OutcomeOK})
	assert.Empty(t, fake.sent)
}
