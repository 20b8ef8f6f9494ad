package notifier

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0needt0/goodies/rollbar-agent/config"
	"github.com/n0needt0/goodies/rollbar-agent/domain"
	"github.com/n0needt0/goodies/rollbar-agent/events"
	"github.com/n0needt0/goodies/rollbar-agent/queue"
	"github.com/n0needt0/goodies/rollbar-agent/telemetry"
)

type eventSink struct {
	mu     sync.Mutex
	events []events.Event
}

func newEventSink(bus *events.Bus) *eventSink {
	s := &eventSink{}
	bus.Subscribe(func(e events.Event) {
		s.mu.Lock()
		s.events = append(s.events, e)
		s.mu.Unlock()
	})
	return s
}

func (s *eventSink) count(kind events.InternalErrorKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if ie, ok := e.(events.InternalError); ok && ie.Kind == kind {
			n++
		}
	}
	return n
}

type testEnv struct {
	bus      *events.Bus
	sink     *eventSink
	stats    *domain.AgentStats
	recorder *telemetry.Recorder
	ctrl     *queue.Controller
}

// newTestEnv wires pipeline singletons with an effectively-idle controller
// so tests can inspect the queue without the tick racing them.
func newTestEnv() *testEnv {
	bus := events.NewBus()
	stats := domain.NewAgentStats()
	return &testEnv{
		bus:      bus,
		sink:     newEventSink(bus),
		stats:    stats,
		recorder: telemetry.NewRecorder(10),
		ctrl:     queue.NewController(queue.ControllerOptions{TickPeriod: time.Hour}, bus, stats),
	}
}

func (e *testEnv) notifier(t *testing.T, mutate func(*config.Rollbar)) *Notifier {
	t.Helper()
	cfg := config.Rollbar{
		AccessToken: "test-token",
		Environment: "test",
		Enabled:     true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	n, err := New(cfg, e.ctrl, e.recorder, e.bus, e.stats)
	require.NoError(t, err)
	t.Cleanup(func() {
		n.Close()
		e.ctrl.Stop()
	})
	return n
}

func waitQueueLen(t *testing.T, n *Notifier, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return n.Queue().Len() == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNewRejectsBlankAccessToken(t *testing.T) {
	env := newTestEnv()
	_, err := New(config.Rollbar{Enabled: true}, env.ctrl, env.recorder, env.bus, env.stats)
	assert.Error(t, err)
}

func TestNewRejectsBadEndpoint(t *testing.T) {
	env := newTestEnv()
	_, err := New(config.Rollbar{
		Enabled:     true,
		AccessToken: "tok",
		EndPoint:    "ftp://files.example.com/",
	}, env.ctrl, env.recorder, env.bus, env.stats)
	assert.Error(t, err)
}

func TestLogEnqueuesPayload(t *testing.T) {
	env := newTestEnv()
	n := env.notifier(t, nil)

	n.Log(domain.LevelError, "boom", map[string]interface{}{"k": "v"})

	waitQueueLen(t, n, 1)
	p := n.Queue().Peek()
	assert.Equal(t, "test-token", p.AccessToken)
	assert.Equal(t, "boom", p.Data.Body.Message.Body)
	assert.Equal(t, "v", p.Data.Custom["k"])
}

func TestLogLevelGate(t *testing.T) {
	env := newTestEnv()
	n := env.notifier(t, func(cfg *config.Rollbar) {
		cfg.LogLevel = "warning"
	})

	n.Info("quiet", nil)
	n.Debug("quieter", nil)

	assert.Equal(t, int64(2), env.stats.EventsReceived.Load())
	assert.Equal(t, int64(0), env.stats.PayloadsEnqueued.Load())
	assert.Equal(t, 0, n.Queue().Len())

	n.Warning("loud enough", nil)
	waitQueueLen(t, n, 1)
}

func TestLogIsNonBlocking(t *testing.T) {
	env := newTestEnv()
	n := env.notifier(t, nil)

	start := time.Now()
	for i := 0; i < 1000; i++ {
		n.Error("burst", nil)
	}
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second, "submission must not wait on the pipeline")
}

func TestDisabledNotifierDropsEverything(t *testing.T) {
	env := newTestEnv()
	n := env.notifier(t, func(cfg *config.Rollbar) {
		cfg.Enabled = false
	})

	n.Critical("ignored", nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, n.Queue().Len())
}

func TestCheckIgnoreDropsPayload(t *testing.T) {
	env := newTestEnv()
	n := env.notifier(t, func(cfg *config.Rollbar) {
		cfg.CheckIgnore = func(*domain.Payload) bool { return true }
	})

	n.Error("ignored", nil)

	require.Eventually(t, func() bool {
		return env.stats.PayloadsDropped.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, n.Queue().Len())
}

func TestCheckIgnorePanicMeansNotIgnored(t *testing.T) {
	env := newTestEnv()
	n := env.notifier(t, func(cfg *config.Rollbar) {
		cfg.CheckIgnore = func(*domain.Payload) bool { panic("bad predicate") }
	})

	n.Error("survives", nil)

	waitQueueLen(t, n, 1)
	assert.Equal(t, 1, env.sink.count(events.ErrKindCallbackPanic))
}

func TestTransformIsApplied(t *testing.T) {
	env := newTestEnv()
	n := env.notifier(t, func(cfg *config.Rollbar) {
		cfg.Transform = func(d *domain.Data) { d.Fingerprint = "custom-fp" }
	})

	n.Error("shaped", nil)

	waitQueueLen(t, n, 1)
	assert.Equal(t, "custom-fp", n.Queue().Peek().Data.Fingerprint)
}

func TestTransformPanicIsIdentity(t *testing.T) {
	env := newTestEnv()
	n := env.notifier(t, func(cfg *config.Rollbar) {
		cfg.Transform = func(*domain.Data) { panic("bad transform") }
	})

	n.Error("unchanged", nil)

	waitQueueLen(t, n, 1)
	assert.Equal(t, "unchanged", n.Queue().Peek().Data.Body.Message.Body)
	assert.Equal(t, 1, env.sink.count(events.ErrKindCallbackPanic))
}

func TestCapturePanic(t *testing.T) {
	env := newTestEnv()
	n := env.notifier(t, func(cfg *config.Rollbar) {
		cfg.CaptureUncaughtExceptions = true
	})

	func() {
		defer func() {
			if r := recover(); r != nil {
				n.CapturePanic(r)
			}
		}()
		panic("kaboom")
	}()

	waitQueueLen(t, n, 1)
	p := n.Queue().Peek()
	assert.Equal(t, "critical", p.Data.Level)
	assert.Equal(t, true, p.Data.Custom["uncaught"])
}

func TestCloseAbortsSubsequentSubmissions(t *testing.T) {
	env := newTestEnv()
	cfg := config.Rollbar{AccessToken: "tok", Environment: "test", Enabled: true}
	n, err := New(cfg, env.ctrl, env.recorder, env.bus, env.stats)
	require.NoError(t, err)
	defer env.ctrl.Stop()

	n.Close()
	n.Error("after close", nil)

	assert.Equal(t, 0, n.Queue().Len())
}

func TestReconfigureFlushesQueue(t *testing.T) {
	env := newTestEnv()
	n := env.notifier(t, nil)

	n.Error("stale", nil)
	waitQueueLen(t, n, 1)
	stale := n.Queue().Peek()
	stale.Signal = domain.NewSignal()

	require.NoError(t, n.Reconfigure(config.Rollbar{
		AccessToken: "new-token",
		Environment: "staging",
		Enabled:     true,
	}))

	assert.Equal(t, 0, n.Queue().Len())
	assert.Equal(t, domain.OutcomeAborted, stale.Signal.Wait(time.Second))
	assert.True(t, n.Queue().NextDequeueTime().IsZero())
}

func TestActionBufferEvictsOldest(t *testing.T) {
	b := newActionBuffer(2)

	first := domain.NewSignal()
	ran := 0
	b.push(pendingAction{fn: func() { ran++ }, signal: first})
	b.push(pendingAction{fn: func() { ran++ }})
	b.push(pendingAction{fn: func() { ran++ }})

	assert.Equal(t, domain.OutcomeAborted, first.Wait(time.Second))

	for {
		a, ok := b.pop()
		if !ok {
			break
		}
		a.fn()
	}
	assert.Equal(t, 2, ran)
}
