package notifier

import (
	"time"

	"github.com/n0needt0/goodies/rollbar-agent/domain"
)

// Blocking wraps a notifier so that Log waits for the payload's terminal
// outcome, up to the wrapper's timeout. The payload also carries the
// timeout as its queue deadline, so an unreachable endpoint cannot pin it
// in the queue forever.
type Blocking struct {
	notifier *Notifier
	timeout  time.Duration
}

// NewBlocking wraps n with the given wait timeout. A zero timeout waits
// forever and leaves payloads without a queue deadline.
func NewBlocking(n *Notifier, timeout time.Duration) *Blocking {
	return &Blocking{notifier: n, timeout: timeout}
}

// Log submits the report and blocks until it reaches a terminal state or
// the timeout elapses. On timeout the payload may still be resident and
// eventually deliver; the signal is simply no longer observed.
func (b *Blocking) Log(level domain.Level, obj interface{}, custom map[string]interface{}) domain.Outcome {
	return b.log(level, obj, nil, custom)
}

// LogRequest is Log with HTTP request context attached.
func (b *Blocking) LogRequest(level domain.Level, obj interface{}, req *domain.RequestInfo, custom map[string]interface{}) domain.Outcome {
	return b.log(level, obj, req, custom)
}

// Critical reports at critical severity and waits.
func (b *Blocking) Critical(obj interface{}, custom map[string]interface{}) domain.Outcome {
	return b.Log(domain.LevelCritical, obj, custom)
}

// Error reports at error severity and waits.
func (b *Blocking) Error(obj interface{}, custom map[string]interface{}) domain.Outcome {
	return b.Log(domain.LevelError, obj, custom)
}

func (b *Blocking) log(level domain.Level, obj interface{}, req *domain.RequestInfo, custom map[string]interface{}) domain.Outcome {
	signal := domain.NewSignal()

	var deadline time.Time
	if b.timeout > 0 {
		deadline = time.Now().Add(b.timeout)
	}

	b.notifier.submit(level, obj, req, custom, signal, deadline)
	return signal.Wait(b.timeout)
}
