package queue

import (
	"context"
	"sync"
	"time"

	"github.com/n0needt0/go-goodies/log"

	"github.com/n0needt0/goodies/rollbar-agent/domain"
	"github.com/n0needt0/goodies/rollbar-agent/events"
	"github.com/n0needt0/goodies/rollbar-agent/ratelimit"
	"github.com/n0needt0/goodies/rollbar-agent/transport"
)

// DefaultTickPeriod is the controller's scheduling cadence.
const DefaultTickPeriod = 250 * time.Millisecond

// ControllerOptions configure the process-wide controller.
type ControllerOptions struct {
	TickPeriod          time.Duration
	MaxReportsPerMinute int
	// MaxItems caps successful deliveries per process; 0 means unlimited.
	MaxItems int
}

// Controller is the process-wide scheduler of all payload queues. A single
// dedicated goroutine passes over every registered queue once per tick and
// performs the HTTP posts; serializing deliveries on one goroutine is the
// pipeline's backpressure mechanism.
type Controller struct {
	tickPeriod time.Duration
	maxItems   int

	limiters *ratelimit.Registry
	pool     *transport.Pool
	bus      *events.Bus
	stats    *domain.AgentStats
	metrics  *pipelineMetrics

	mu       sync.Mutex
	queues   []*PayloadQueue
	started  bool
	quit     chan struct{}
	wg       sync.WaitGroup

	delivered       int
	maxItemsReached bool
}

// NewController creates a stopped controller. It is started by the first
// queue registration and stopped at process teardown.
func NewController(opts ControllerOptions, bus *events.Bus, stats *domain.AgentStats) *Controller {
	if opts.TickPeriod <= 0 {
		opts.TickPeriod = DefaultTickPeriod
	}
	return &Controller{
		tickPeriod: opts.TickPeriod,
		maxItems:   opts.MaxItems,
		limiters:   ratelimit.NewRegistry(opts.MaxReportsPerMinute),
		pool:       transport.NewPool(),
		bus:        bus,
		stats:      stats,
		metrics:    newPipelineMetrics(),
	}
}

// Bus returns the controller's event bus.
func (c *Controller) Bus() *events.Bus {
	return c.bus
}

// ClientPool returns the shared HTTP client pool.
func (c *Controller) ClientPool() *transport.Pool {
	return c.pool
}

// LimiterFor returns the rate limiter for an access token, creating it with
// the given per-minute cap on first use.
func (c *Controller) LimiterFor(token string, maxPerMinute int) *ratelimit.Limiter {
	return c.limiters.For(token, maxPerMinute)
}

// Register adds a queue to the schedule. Duplicate registrations are
// ignored. The controller starts on the first registration.
func (c *Controller) Register(q *PayloadQueue) {
	c.mu.Lock()
	for _, existing := range c.queues {
		if existing == q {
			c.mu.Unlock()
			return
		}
	}
	c.queues = append(c.queues, q)
	mustStart := !c.started
	if mustStart {
		c.started = true
		c.quit = make(chan struct{})
	}
	c.mu.Unlock()

	if mustStart {
		c.wg.Add(1)
		go c.run()
	}
}

// Deregister removes a queue from the schedule and flushes it. Mandatory on
// notifier disposal, before the notifier releases its HTTP client.
func (c *Controller) Deregister(q *PayloadQueue) {
	c.mu.Lock()
	for i, existing := range c.queues {
		if existing == q {
			c.queues = append(c.queues[:i], c.queues[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	q.Flush()
}

// Stop shuts the tick goroutine down and flushes every registered queue.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	close(c.quit)
	queues := make([]*PayloadQueue, len(c.queues))
	copy(queues, c.queues)
	c.mu.Unlock()

	c.wg.Wait()
	for _, q := range queues {
		q.Flush()
	}
	log.Info("Queue controller stopped")
}

func (c *Controller) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.tickPeriod)
	defer ticker.Stop()

	log.Debugf("Queue controller started, tick period %s", c.tickPeriod)

	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
			c.Tick(time.Now())
		}
	}
}

// Tick runs one pass over every registered queue in registration order. One
// poisoned payload cannot kill the pipeline: failures are contained per
// queue and surfaced on the event bus.
func (c *Controller) Tick(now time.Time) {
	c.mu.Lock()
	queues := make([]*PayloadQueue, len(c.queues))
	copy(queues, c.queues)
	c.mu.Unlock()

	for _, q := range queues {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("Recovered from panic in controller tick: %v", r)
					c.bus.Publish(events.InternalError{
						Kind:   events.ErrKindUnexpected,
						Detail: "panic during queue processing",
					})
				}
			}()
			c.processQueue(q, now)
		}()
	}
}

func (c *Controller) processQueue(q *PayloadQueue, now time.Time) {
	// Readiness gate: deferred queues are skipped wholesale.
	if next := q.NextDequeueTime(); now.Before(next) {
		return
	}

	q.DropExpired(now)

	p := q.Peek()
	if p == nil {
		return
	}

	// Per-process delivery cap.
	if c.maxItems > 0 && c.deliveredCount() >= c.maxItems {
		q.Dequeue()
		p.ReleaseSignal(domain.OutcomeAborted)
		c.noteMaxItems(p)
		return
	}

	limiter := q.Limiter()
	if limiter != nil && !limiter.CanProceed(now) {
		q.Defer(limiter.NextWindow(now))
		return
	}

	q.AttachTelemetry(p)
	body, err := p.WireBody()
	if err != nil {
		// Unserializable payloads are permanent failures.
		q.Dequeue()
		p.ReleaseSignal(domain.OutcomeAborted)
		c.bus.Publish(events.InternalError{
			Kind:    events.ErrKindUnexpected,
			Payload: p,
			Err:     err,
			Detail:  "payload serialization failed",
		})
		return
	}

	client := q.Client()
	if client == nil {
		return
	}

	resp, err := client.PostItem(context.Background(), body, p.AccessToken)
	if err != nil {
		delay := q.Backoff(now)
		c.metrics.retried(1)
		c.bus.Publish(events.CommunicationError{
			Kind:    events.ErrKindTransport,
			Payload: p,
			Err:     err,
			Detail:  "retrying in " + delay.String(),
		})
		return
	}

	switch {
	case resp.Accepted():
		q.Dequeue()
		q.ClearBackoff()
		c.consume(limiter, now)
		c.noteDelivered(len(body))
		p.ReleaseSignal(domain.OutcomeDelivered)
		c.bus.Publish(events.Communication{Payload: p, StatusCode: resp.StatusCode})

	case resp.Rejected():
		q.Dequeue()
		q.ClearBackoff()
		c.consume(limiter, now)
		c.noteDropped()
		p.ReleaseSignal(domain.OutcomeAPIError)
		c.bus.Publish(events.APIError{
			Payload:    p,
			StatusCode: resp.StatusCode,
			Code:       resp.Err,
			Message:    resp.Message,
		})

	case resp.RateLimited():
		q.Defer(now.Add(resp.RetryAfter))
		c.bus.Publish(events.CommunicationError{
			Kind:       events.ErrKindRateLimited,
			Payload:    p,
			StatusCode: resp.StatusCode,
			Detail:     "deferred by " + resp.RetryAfter.String(),
		})

	case resp.Transient():
		delay := q.Backoff(now)
		c.metrics.retried(1)
		c.bus.Publish(events.CommunicationError{
			Kind:       events.ErrKindServer,
			Payload:    p,
			StatusCode: resp.StatusCode,
			Detail:     "retrying in " + delay.String(),
		})

	default:
		// Remaining 4xx: the API will never take this payload.
		q.Dequeue()
		q.ClearBackoff()
		c.consume(limiter, now)
		c.noteDropped()
		p.ReleaseSignal(domain.OutcomeAPIError)
		c.bus.Publish(events.APIError{
			Payload:    p,
			StatusCode: resp.StatusCode,
			Code:       resp.Err,
			Message:    resp.Message,
		})
	}
}

func (c *Controller) consume(l *ratelimit.Limiter, now time.Time) {
	if l != nil {
		l.Register(now)
	}
}

func (c *Controller) deliveredCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delivered
}

func (c *Controller) noteDelivered(bodyBytes int) {
	c.mu.Lock()
	c.delivered++
	c.mu.Unlock()

	c.metrics.delivered(1)
	if c.stats != nil {
		c.stats.ItemsDelivered.Add(1)
		c.stats.BytesPosted.Add(int64(bodyBytes))
		c.stats.Touch()
	}
}

func (c *Controller) noteDropped() {
	c.metrics.dropped(1)
	if c.stats != nil {
		c.stats.DeliveryErrors.Add(1)
		c.stats.Touch()
	}
}

// noteMaxItems emits the MaxItemsReached event exactly once per process.
func (c *Controller) noteMaxItems(p *domain.Payload) {
	c.mu.Lock()
	first := !c.maxItemsReached
	c.maxItemsReached = true
	c.mu.Unlock()

	c.metrics.dropped(1)
	if first {
		log.Warnf("Per-process item cap of %d reached, further payloads are dropped", c.maxItems)
		c.bus.Publish(events.InternalError{
			Kind:    events.ErrKindMaxItemsReached,
			Payload: p,
			Detail:  "per-process item cap reached",
		})
	}
}

// RecommendedTimeout returns the worst-case time to drain every registered
// queue at the configured rate: ceil(sum of depths / reports-per-minute)
// full windows plus one tick.
func (c *Controller) RecommendedTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	totalDepth := 0
	perMinute := 0
	for _, q := range c.queues {
		totalDepth += q.Depth()
		if l := q.Limiter(); l != nil {
			if max := l.Max(); max > 0 && (perMinute == 0 || max < perMinute) {
				perMinute = max
			}
		}
	}
	if perMinute <= 0 || totalDepth == 0 {
		return c.tickPeriod
	}

	windows := (totalDepth + perMinute - 1) / perMinute
	return time.Duration(windows)*ratelimit.WindowLength + c.tickPeriod
}
