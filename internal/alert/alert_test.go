package alert

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WithoutDSNLogsOnly(t *testing.T) {
	var buf bytes.Buffer
	a, err := New(Config{}, zerolog.New(&buf))
	require.NoError(t, err)
	require.IsType(t, &LogAlerter{}, a)

	a.Critical(context.Background(), "spam complaint rate 1.00%", map[string]string{"campaign_day": "12"})
	assert.Contains(t, buf.String(), "CAMPAIGN HALTED: spam complaint rate 1.00%")
	assert.Contains(t, buf.String(), `"campaign_day":"12"`)
	assert.Contains(t, buf.String(), `"level":"error"`)
}

func TestSentryAlerter_CapturesFatalMessage(t *testing.T) {
	var (
		mu     sync.Mutex
		events []*sentry.Event
	)
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn: "https://public@o0.ingest.sentry.io/0",
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	a := NewSentry(sentry.NewHub(client, sentry.NewScope()), zerolog.New(&buf))
	a.Critical(context.Background(), "CRITICAL: spam complaint rate", map[string]string{"campaign_day": "3"})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, "campaign halted: CRITICAL: spam complaint rate", events[0].Message)
	assert.Equal(t, sentry.LevelFatal, events[0].Level)
	assert.Equal(t, "3", events[0].Tags["campaign_day"])
	assert.Contains(t, buf.String(), "CAMPAIGN HALTED")
}

func TestNew_InvalidDSN(t *testing.T) {
	_, err := New(Config{SentryDSN: "not a dsn"}, zerolog.Nop())
	assert.Error(t, err)
}
