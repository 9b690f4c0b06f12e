package monitoring

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	mu       sync.Mutex
	channels []string
	payloads []any
}

func (c *capturePublisher) PublishPubSub(_ context.Context, channel string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels = append(c.channels, channel)
	c.payloads = append(c.payloads, payload)
	return nil
}

func (c *capturePublisher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func (c *capturePublisher) last() (string, LogEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[len(c.channels)-1], c.payloads[len(c.payloads)-1].(LogEvent)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBusHookPublishesAboveThreshold(t *testing.T) {
	pub := &capturePublisher{}
	hook := NewBusHook(pub, "system_log", logrus.WarnLevel)
	defer hook.Close()

	logger := NewLogger("debug")
	logger.AddHook(hook)
	logger.SetOutput(discard{})

	logger.WithField("component", "persister").
		WithField("correlation_id", "abcd1234").
		Warn("db write retried")

	waitFor(t, func() bool { return pub.count() == 1 })

	channel, ev := pub.last()
	assert.Equal(t, "system_log", channel)
	assert.Equal(t, "warning", ev.Level)
	assert.Equal(t, "db write retried", ev.Message)
	assert.Equal(t, "persister", ev.Component)
	assert.Equal(t, "abcd1234", ev.CorrelationID)
}

func TestBusHookIgnoresBelowThreshold(t *testing.T) {
	pub := &capturePublisher{}
	hook := NewBusHook(pub, "system_log", logrus.WarnLevel)
	defer hook.Close()

	logger := NewLogger("debug")
	logger.AddHook(hook)
	logger.SetOutput(discard{})

	logger.Info("routine message")
	logger.Debug("noise")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, pub.count())
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, logrus.DebugLevel, ParseLevel("debug"))
	require.Equal(t, logrus.WarnLevel, ParseLevel("warn"))
	require.Equal(t, logrus.ErrorLevel, ParseLevel("error"))
	require.Equal(t, logrus.InfoLevel, ParseLevel(""))
	require.Equal(t, logrus.InfoLevel, ParseLevel("bogus"))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
