// Package notifier is the submission surface of the pipeline: it accepts
// fire-and-forget reports, packages them into payloads and hands them to
// the notifier's queue without ever blocking the caller on network I/O.
package notifier

import (
	"fmt"
	"sync"
	"time"

	"github.com/n0needt0/go-goodies/log"

	"github.com/n0needt0/goodies/rollbar-agent/config"
	"github.com/n0needt0/goodies/rollbar-agent/domain"
	"github.com/n0needt0/goodies/rollbar-agent/events"
	"github.com/n0needt0/goodies/rollbar-agent/queue"
	"github.com/n0needt0/goodies/rollbar-agent/telemetry"
	"github.com/n0needt0/goodies/rollbar-agent/transport"
)

const (
	// workerCount is the fixed per-notifier worker pool size.
	workerCount = 2
	// defaultPendingActions bounds the pending-action buffer; overflow
	// drops the oldest action to bound memory under a burst.
	defaultPendingActions = 100
)

// Notifier owns one payload queue and a small worker pool that drains the
// pending-action buffer into it. Log returns as soon as the action is
// accepted; delivery outcomes surface on the event bus only.
type Notifier struct {
	mu       sync.RWMutex
	cfg      config.Rollbar
	minLevel domain.Level

	controller *queue.Controller
	queue      *queue.PayloadQueue
	client     *transport.HTTPClient
	recorder   *telemetry.Recorder
	bus        *events.Bus
	stats      *domain.AgentStats
	packager   *Packager

	pending *actionBuffer
	quit    chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// New constructs a notifier, registers its queue with the controller and
// starts the worker pool. When the configuration is enabled, a blank access
// token or a non-http(s) endpoint is fatal here, before anything is queued.
func New(cfg config.Rollbar, ctrl *queue.Controller, recorder *telemetry.Recorder, bus *events.Bus, stats *domain.AgentStats) (*Notifier, error) {
	full := config.Config{Rollbar: cfg}
	full.ApplyDefaults()
	cfg = full.Rollbar
	if err := full.Validate(); err != nil {
		return nil, err
	}

	client, err := ctrl.ClientPool().Acquire(clientOptions(&cfg))
	if err != nil {
		return nil, err
	}

	var queueRecorder *telemetry.Recorder
	if cfg.TelemetryEnabled {
		queueRecorder = recorder
	}

	limiter := ctrl.LimiterFor(cfg.AccessToken, cfg.MaxReportsPerMinute)
	q := queue.NewPayloadQueue(cfg.ReportingQueueDepth, client, limiter, queueRecorder, bus)

	n := &Notifier{
		cfg:        cfg,
		minLevel:   cfg.MinLevel(),
		controller: ctrl,
		queue:      q,
		client:     client,
		recorder:   recorder,
		bus:        bus,
		stats:      stats,
		packager:   NewPackager(&cfg),
		pending:    newActionBuffer(defaultPendingActions),
		quit:       make(chan struct{}),
	}

	ctrl.Register(q)

	if recorder != nil && recorder.AcquireAutocapture() {
		log.Debug("Telemetry autocapture started")
	}

	n.wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go n.worker()
	}

	return n, nil
}

func clientOptions(cfg *config.Rollbar) transport.Options {
	return transport.Options{
		Endpoint:      cfg.EndPoint,
		Timeout:       cfg.Timeout(),
		ProxyAddress:  cfg.ProxyAddress,
		ProxyUser:     cfg.ProxyUser,
		ProxyPassword: cfg.ProxyPassword,
		UserAgent:     "rollbar-agent",
	}
}

// Log submits a report asynchronously. It returns once the submission is
// accepted into the pending buffer, irrespective of network state.
func (n *Notifier) Log(level domain.Level, obj interface{}, custom map[string]interface{}) {
	n.submit(level, obj, nil, custom, nil, time.Time{})
}

// LogRequest submits a report with HTTP request context attached.
func (n *Notifier) LogRequest(level domain.Level, obj interface{}, req *domain.RequestInfo, custom map[string]interface{}) {
	n.submit(level, obj, req, custom, nil, time.Time{})
}

// Critical reports at critical severity.
func (n *Notifier) Critical(obj interface{}, custom map[string]interface{}) {
	n.Log(domain.LevelCritical, obj, custom)
}

// Error reports at error severity.
func (n *Notifier) Error(obj interface{}, custom map[string]interface{}) {
	n.Log(domain.LevelError, obj, custom)
}

// Warning reports at warning severity.
func (n *Notifier) Warning(obj interface{}, custom map[string]interface{}) {
	n.Log(domain.LevelWarning, obj, custom)
}

// Info reports at info severity.
func (n *Notifier) Info(obj interface{}, custom map[string]interface{}) {
	n.Log(domain.LevelInfo, obj, custom)
}

// Debug reports at debug severity.
func (n *Notifier) Debug(obj interface{}, custom map[string]interface{}) {
	n.Log(domain.LevelDebug, obj, custom)
}

// CapturePanic reports a recovered panic value when uncaught-exception
// capture is enabled. Use with defer/recover at goroutine boundaries.
func (n *Notifier) CapturePanic(recovered interface{}) {
	n.mu.RLock()
	enabled := n.cfg.CaptureUncaughtExceptions
	n.mu.RUnlock()
	if !enabled || recovered == nil {
		return
	}

	err, ok := recovered.(error)
	if !ok {
		err = fmt.Errorf("panic: %v", recovered)
	}
	n.Log(domain.LevelCritical, err, map[string]interface{}{"uncaught": true})
}

// Queue exposes the notifier's payload queue for tests and the diagnostics
// API.
func (n *Notifier) Queue() *queue.PayloadQueue {
	return n.queue
}

// submit builds the submission closure and appends it to the pending
// buffer. All user callbacks and packaging run on the worker pool, never
// on the caller's goroutine.
func (n *Notifier) submit(level domain.Level, obj interface{}, req *domain.RequestInfo, custom map[string]interface{}, signal *domain.Signal, deadline time.Time) {
	n.mu.RLock()
	cfg := n.cfg
	minLevel := n.minLevel
	closed := n.closed
	pk := n.packager
	n.mu.RUnlock()

	if closed || !cfg.Enabled {
		if signal != nil {
			signal.Release(domain.OutcomeAborted)
		}
		return
	}

	if n.stats != nil {
		n.stats.EventsReceived.Add(1)
		n.stats.Touch()
	}

	// The level gate runs at submission so gated events never cost a
	// packaging pass, let alone an HTTP request.
	if level < minLevel {
		if signal != nil {
			signal.Release(domain.OutcomeAborted)
		}
		return
	}

	n.pending.push(pendingAction{
		signal: signal,
		fn: func() {
			n.process(cfg, pk, level, obj, req, custom, signal, deadline)
		},
	})
}

func (n *Notifier) process(cfg config.Rollbar, pk *Packager, level domain.Level, obj interface{}, req *domain.RequestInfo, custom map[string]interface{}, signal *domain.Signal, deadline time.Time) {
	data := pk.BuildData(level, obj, req, custom)

	p := domain.NewPayload(cfg.AccessToken, data)
	p.Signal = signal
	p.Deadline = deadline

	if n.runCheckIgnore(cfg, p) {
		if n.stats != nil {
			n.stats.PayloadsDropped.Add(1)
		}
		p.ReleaseSignal(domain.OutcomeAborted)
		return
	}

	n.runMutator(cfg.Transform, "transform", data)
	n.runMutator(cfg.Truncate, "truncate", data)

	n.queue.Enqueue(p)
	if n.stats != nil {
		n.stats.PayloadsEnqueued.Add(1)
	}
}

// runCheckIgnore runs the user predicate with panic isolation. A panicking
// predicate counts as "not ignored" and raises an internal error event.
func (n *Notifier) runCheckIgnore(cfg config.Rollbar, p *domain.Payload) (ignored bool) {
	if cfg.CheckIgnore == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ignored = false
			log.Errorf("Recovered from panic in CheckIgnore: %v", r)
			n.bus.Publish(events.InternalError{
				Kind:    events.ErrKindCallbackPanic,
				Payload: p,
				Detail:  fmt.Sprintf("CheckIgnore panicked: %v", r),
			})
		}
	}()
	return cfg.CheckIgnore(p)
}

// runMutator runs Transform or Truncate with panic isolation; a panicking
// mutator is treated as identity.
func (n *Notifier) runMutator(fn func(*domain.Data), name string, data *domain.Data) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Recovered from panic in %s: %v", name, r)
			n.bus.Publish(events.InternalError{
				Kind:   events.ErrKindCallbackPanic,
				Detail: fmt.Sprintf("%s panicked: %v", name, r),
			})
		}
	}()
	fn(data)
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.quit:
			return
		case <-n.pending.wake:
			for {
				action, ok := n.pending.pop()
				if !ok {
					break
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							log.Errorf("Recovered from panic in notifier worker: %v", r)
						}
					}()
					action.fn()
				}()
			}
		}
	}
}

// Reconfigure atomically applies a new client configuration: the queue is
// flushed, the HTTP client handle swapped and the dequeue gate reset.
// In-flight payloads are aborted, not re-sent under the new settings.
func (n *Notifier) Reconfigure(cfg config.Rollbar) error {
	full := config.Config{Rollbar: cfg}
	full.ApplyDefaults()
	cfg = full.Rollbar
	if err := full.Validate(); err != nil {
		return err
	}

	client, err := n.controller.ClientPool().Acquire(clientOptions(&cfg))
	if err != nil {
		return err
	}

	n.mu.Lock()
	old := n.client
	n.client = client
	n.cfg = cfg
	n.minLevel = cfg.MinLevel()
	n.packager = NewPackager(&cfg)
	n.mu.Unlock()

	n.queue.Flush()
	n.queue.UpdateClient(client)
	n.controller.ClientPool().Release(old)

	log.Debug("Notifier reconfigured")
	return nil
}

// Close drains nothing: pending and queued payloads are aborted. The queue
// is deregistered before the HTTP client reference is released.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	close(n.quit)
	n.wg.Wait()

	// Abort pending actions that never made it to the queue so blocking
	// waiters are released rather than left to time out.
	for {
		action, ok := n.pending.pop()
		if !ok {
			break
		}
		if action.signal != nil {
			action.signal.Release(domain.OutcomeAborted)
		}
	}

	n.controller.Deregister(n.queue)
	n.controller.ClientPool().Release(n.client)

	if n.recorder != nil && n.recorder.ReleaseAutocapture() {
		log.Debug("Telemetry autocapture stopped")
	}
}

// pendingAction pairs a submission closure with its blocking signal so the
// signal can be released if the action is evicted before it runs.
type pendingAction struct {
	fn     func()
	signal *domain.Signal
}

// actionBuffer is the bounded pending-action FIFO. Push never blocks: at
// capacity the oldest action is evicted and its signal released.
type actionBuffer struct {
	mu      sync.Mutex
	actions []pendingAction
	cap     int
	wake    chan struct{}
}

func newActionBuffer(capacity int) *actionBuffer {
	return &actionBuffer{cap: capacity, wake: make(chan struct{}, 1)}
}

func (b *actionBuffer) push(a pendingAction) {
	var evicted *pendingAction

	b.mu.Lock()
	if len(b.actions) >= b.cap {
		old := b.actions[0]
		evicted = &old
		b.actions = b.actions[1:]
	}
	b.actions = append(b.actions, a)
	b.mu.Unlock()

	if evicted != nil && evicted.signal != nil {
		evicted.signal.Release(domain.OutcomeAborted)
	}

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *actionBuffer) pop() (pendingAction, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.actions) == 0 {
		return pendingAction{}, false
	}
	a := b.actions[0]
	b.actions = b.actions[1:]
	return a, true
}
