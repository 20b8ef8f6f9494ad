package notifier

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0needt0/goodies/rollbar-agent/config"
	"github.com/n0needt0/goodies/rollbar-agent/domain"
	"github.com/n0needt0/goodies/rollbar-agent/events"
	"github.com/n0needt0/goodies/rollbar-agent/queue"
	"github.com/n0needt0/goodies/rollbar-agent/telemetry"
)

type recordedRequest struct {
	token string
	body  []byte
}

type recordingServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(w http.ResponseWriter, r *http.Request)
	srv      *httptest.Server
}

func newRecordingServer(handler func(w http.ResponseWriter, r *http.Request)) *recordingServer {
	rs := &recordingServer{handler: handler}
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rs.mu.Lock()
		rs.requests = append(rs.requests, recordedRequest{
			token: r.Header.Get("X-Rollbar-Access-Token"),
			body:  body,
		})
		rs.mu.Unlock()
		if rs.handler != nil {
			rs.handler(w, r)
			return
		}
		w.Write([]byte(`{"err":0,"result":{}}`))
	}))
	return rs
}

func (rs *recordingServer) count() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.requests)
}

func (rs *recordingServer) request(i int) recordedRequest {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.requests[i]
}

// livePipeline wires a notifier to a running controller posting against srv.
func livePipeline(t *testing.T, srv *recordingServer, mutate func(*config.Rollbar)) (*Notifier, *queue.Controller) {
	t.Helper()

	bus := events.NewBus()
	stats := domain.NewAgentStats()
	ctrl := queue.NewController(queue.ControllerOptions{TickPeriod: 10 * time.Millisecond}, bus, stats)

	cfg := config.Rollbar{
		AccessToken:         "X",
		Environment:         "prod",
		Enabled:             true,
		EndPoint:            srv.srv.URL,
		MaxReportsPerMinute: 60,
		ReportingQueueDepth: 20,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	n, err := New(cfg, ctrl, telemetry.NewRecorder(10), bus, stats)
	require.NoError(t, err)
	t.Cleanup(func() {
		n.Close()
		ctrl.Stop()
		srv.srv.Close()
	})
	return n, ctrl
}

func TestEndToEndDelivery(t *testing.T) {
	srv := newRecordingServer(nil)
	n, _ := livePipeline(t, srv, nil)

	n.Log(domain.LevelError, "boom", nil)

	require.Eventually(t, func() bool { return srv.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	req := srv.request(0)
	assert.Equal(t, "X", req.token)

	var decoded struct {
		AccessToken string `json:"access_token"`
		Data        struct {
			Level       string `json:"level"`
			Environment string `json:"environment"`
			Body        struct {
				Message struct {
					Body string `json:"body"`
				} `json:"message"`
			} `json:"body"`
		} `json:"data"`
	}
	require.NoError(t, sonic.Unmarshal(req.body, &decoded))
	assert.Equal(t, "X", decoded.AccessToken)
	assert.Equal(t, "error", decoded.Data.Level)
	assert.Equal(t, "prod", decoded.Data.Environment)
	assert.Equal(t, "boom", decoded.Data.Body.Message.Body)
}

func TestEndToEndTelemetryAttached(t *testing.T) {
	srv := newRecordingServer(nil)

	bus := events.NewBus()
	stats := domain.NewAgentStats()
	ctrl := queue.NewController(queue.ControllerOptions{TickPeriod: 10 * time.Millisecond}, bus, stats)
	recorder := telemetry.NewRecorder(10)
	recorder.CaptureLog(domain.LevelInfo, "breadcrumb one")
	recorder.CaptureLog(domain.LevelInfo, "breadcrumb two")

	n, err := New(config.Rollbar{
		AccessToken:      "X",
		Environment:      "prod",
		Enabled:          true,
		EndPoint:         srv.srv.URL,
		TelemetryEnabled: true,
	}, ctrl, recorder, bus, stats)
	require.NoError(t, err)
	t.Cleanup(func() {
		n.Close()
		ctrl.Stop()
		srv.srv.Close()
	})

	n.Error("with breadcrumbs", nil)

	require.Eventually(t, func() bool { return srv.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	var decoded struct {
		Data struct {
			Telemetry []map[string]interface{} `json:"telemetry"`
		} `json:"data"`
	}
	require.NoError(t, sonic.Unmarshal(srv.request(0).body, &decoded))
	assert.Len(t, decoded.Data.Telemetry, 2)
}

func TestBlockingDelivered(t *testing.T) {
	srv := newRecordingServer(nil)
	n, _ := livePipeline(t, srv, nil)

	b := NewBlocking(n, 5*time.Second)
	outcome := b.Error("blocking boom", nil)

	assert.Equal(t, domain.OutcomeDelivered, outcome)
	assert.Equal(t, 1, srv.count())
}

func TestBlockingApiError(t *testing.T) {
	srv := newRecordingServer(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"err":1,"message":"rejected"}`))
	})
	n, _ := livePipeline(t, srv, nil)

	b := NewBlocking(n, 5*time.Second)
	outcome := b.Error("rejected payload", nil)

	assert.Equal(t, domain.OutcomeAPIError, outcome)
}

func TestBlockingTimesOutWhileServerHangs(t *testing.T) {
	release := make(chan struct{})
	srv := newRecordingServer(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"err":0}`))
	})
	defer close(release)

	n, _ := livePipeline(t, srv, nil)

	b := NewBlocking(n, 300*time.Millisecond)

	start := time.Now()
	outcome := b.Error("slow server", nil)
	elapsed := time.Since(start)

	assert.Equal(t, domain.OutcomeTimedOut, outcome)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second, "the wait is bounded by the wrapper timeout")
}

func TestLevelGateProducesNoHTTP(t *testing.T) {
	srv := newRecordingServer(nil)
	n, _ := livePipeline(t, srv, func(cfg *config.Rollbar) {
		cfg.LogLevel = "warning"
	})

	n.Info("below the gate", nil)
	n.Debug("further below", nil)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, srv.count())
}
