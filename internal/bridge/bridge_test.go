package bridge

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/ephys2osc/internal/errors"
	"github.com/tphakala/ephys2osc/internal/events"
	"github.com/tphakala/ephys2osc/internal/zmqlink"
)

func ramp(start float32, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = start + float32(i)
	}
	return out
}

func TestNewRequiresSettings(t *testing.T) {
	t.Parallel()
	_, err := New(nil, nil)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	t.Parallel()
	s := testSettings()
	s.OSC.Format = "bundle"
	_, err := New(s, nil, WithTransmitter(&fakeTransmitter{}))
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestNewRejectsInvalidProcessing(t *testing.T) {
	t.Parallel()
	s := testSettings()
	s.OSC.Processing.DownsamplingFactor = 0
	_, err := New(s, nil, WithTransmitter(&fakeTransmitter{}))
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestFramesFlowToOSC(t *testing.T) {
	t.Parallel()
	b, factory, tx := newTestBridge(t, testSettings())

	require.NoError(t, b.Start(t.Context()))
	t.Cleanup(func() { _ = b.Stop() })

	sockets := factory.await(t)
	sockets.data <- dataFrame(t, 1, 0, ramp(0, 10))
	sockets.data <- dataFrame(t, 2, 1, ramp(100, 10))
	sockets.data <- dataFrame(t, 3, 0, ramp(10, 10))

	require.Eventually(t, func() bool { return len(tx.messages()) > 0 }, 2*time.Second, 5*time.Millisecond)

	msg := tx.messages()[0]
	assert.Equal(t, "/data/batch/10", msg.Address)
	require.Len(t, msg.Arguments, 21)
	assert.Equal(t, int32(2), msg.Arguments[0])
	assert.Equal(t, float32(10), msg.Arguments[1], "newest block of channel 0")
	assert.Equal(t, float32(100), msg.Arguments[11])
}

func TestStopDeliversPartialBatch(t *testing.T) {
	t.Parallel()
	settings := testSettings()
	settings.OSC.Processing.BatchTimeout = time.Hour
	b, factory, tx := newTestBridge(t, settings)

	processed := make(chan struct{}, 8)
	b.Bus().Subscribe(events.DataProcessed, func(events.Event) error {
		processed <- struct{}{}
		return nil
	})

	require.NoError(t, b.Start(t.Context()))
	t.Cleanup(func() { _ = b.Stop() })

	sockets := factory.await(t)
	sockets.data <- dataFrame(t, 1, 0, ramp(0, 10))
	sockets.data <- dataFrame(t, 2, 1, ramp(100, 10))
	sockets.data <- dataFrame(t, 3, 0, ramp(10, 10))
	sockets.data <- dataFrame(t, 4, 1, ramp(110, 4))
	for range 2 {
		select {
		case <-processed:
		case <-time.After(2 * time.Second):
			t.Fatal("data was not processed")
		}
	}

	require.NoError(t, b.Stop())

	msgs := tx.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "/data/batch/10", msgs[0].Address)
	assert.Equal(t, "/data/batch/4", msgs[1].Address, "the under-full batch is flushed on stop")
	require.Len(t, msgs[1].Arguments, 9)
	assert.Equal(t, float32(6), msgs[1].Arguments[1])
	assert.Equal(t, float32(110), msgs[1].Arguments[5])
}

func TestManualReinitRequestIsForwarded(t *testing.T) {
	t.Parallel()
	b, factory, _ := newTestBridge(t, testSettings())

	completed := make(chan events.ReinitPayload, 1)
	b.Bus().Subscribe(events.ManualReinitCompleted, func(e events.Event) error {
		completed <- e.Payload.(events.ReinitPayload)
		return nil
	})

	require.NoError(t, b.Start(t.Context()))
	t.Cleanup(func() { _ = b.Stop() })
	factory.await(t)

	b.Bus().PublishEvent(events.ManualReinitRequested, events.SourceCLI, nil)

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("manual reinit was not executed")
	}
}

func TestRunStopsOnShutdownRequest(t *testing.T) {
	t.Parallel()
	b, factory, tx := newTestBridge(t, testSettings())

	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(t.Context()) }()
	factory.await(t)

	b.Bus().PublishEvent(events.ShutdownRequested, events.SourceCLI, nil)
	b.Bus().PublishEvent(events.ShutdownRequested, events.SourceCLI, nil)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after a shutdown request")
	}
	assert.Equal(t, zmqlink.NotConnected, b.Link().Status())
	assert.Equal(t, 0, b.Bus().HandlerCount(events.BatchReady))
	assert.True(t, tx.closed)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	b, factory, _ := newTestBridge(t, testSettings())

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(ctx) }()
	factory.await(t)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStartTwiceFails(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBridge(t, testSettings())

	require.NoError(t, b.Start(t.Context()))
	t.Cleanup(func() { _ = b.Stop() })

	assert.True(t, errors.IsCategory(b.Start(t.Context()), errors.CategoryState))
	require.NoError(t, b.Stop())
	require.NoError(t, b.Stop())
}

func TestTelemetryAndMQTTServices(t *testing.T) {
	t.Parallel()
	s := testSettings()
	s.Telemetry.Enabled = true
	s.MQTT.Enabled = true
	client := &fakeMQTT{}

	b, factory, _ := newTestBridge(t, s, WithMQTTClient(client))
	require.NoError(t, b.Start(t.Context()))
	t.Cleanup(func() { _ = b.Stop() })
	factory.await(t)

	require.Eventually(t, func() bool { return client.published("ephys2osc/status") }, 2*time.Second, 5*time.Millisecond)

	httpClient := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, "http://"+b.endpoint.Addr()+"/metrics", http.NoBody)
	require.NoError(t, err)
	resp, err := httpClient.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, err)
	assert.Contains(t, string(body), `ephys2osc_link_status{status="connected"} 1`)

	require.NoError(t, b.Stop())
	assert.False(t, client.IsConnected())
}
