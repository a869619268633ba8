package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hervehildenbrand/mptrace/internal/netio"
	"github.com/hervehildenbrand/mptrace/pkg/probe"
)

// ErrInternalInvariant marks a violated engine invariant. It is fatal: the
// loop aborts rather than continue on corrupted state.
var ErrInternalInvariant = errors.New("internal invariant violated")

// Handler receives loop-level events (algorithm termination). It runs on the
// loop goroutine and may call Terminate.
type Handler func(l *Loop, ev *Event)

// pendingProbe is an in-flight probe awaiting its reply or timeout.
type pendingProbe struct {
	p    *probe.Probe
	inst *Instance
}

// Loop is the single-threaded cooperative scheduler: it serialises probe
// dispatch, timer expiry, reply correlation and algorithm advancement.
type Loop struct {
	transport netio.Transport
	handler   Handler
	log       *logrus.Logger
	verbose   bool
	v6        bool

	timeout   time.Duration
	timers    *timerQueue
	queue     []*Event
	instances []*Instance

	pending map[uint64]*pendingProbe
	byKey   map[probe.Key][]*pendingProbe
	nextTag uint64

	terminated bool

	// unmatched counts replies that matched no outstanding probe.
	unmatched uint64
}

// NewLoop creates a loop over the given transport. The per-probe reply timer
// starts at netio.DefaultTimeout; SetTimeout changes it.
func NewLoop(t netio.Transport, handler Handler, log *logrus.Logger) *Loop {
	if log == nil {
		log = logrus.New()
	}
	return &Loop{
		transport: t,
		handler:   handler,
		log:       log,
		v6:        netio.IsIPv6(t.LocalIP()),
		timeout:   netio.DefaultTimeout,
		timers:    newTimerQueue(),
		pending:   make(map[uint64]*pendingProbe),
		byKey:     make(map[probe.Key][]*pendingProbe),
		nextTag:   1,
	}
}

// SetTimeout configures the per-probe reply timer.
func (l *Loop) SetTimeout(d time.Duration) {
	if d > 0 {
		l.timeout = d
	}
}

// SetVerbose enables dispatcher diagnostics.
func (l *Loop) SetVerbose(v bool) {
	l.verbose = v
	if v {
		l.log.SetLevel(logrus.DebugLevel)
	}
}

// Unmatched returns the count of replies dropped for want of a matching
// outstanding probe.
func (l *Loop) Unmatched() uint64 { return l.unmatched }

// AddAlgorithm registers an algorithm instance. maxInFlight caps its
// outstanding probes; probes above the cap are deferred.
func (l *Loop) AddAlgorithm(alg Algorithm, maxInFlight int) *Instance {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	inst := &Instance{alg: alg, loop: l, maxInFlight: maxInFlight}
	l.instances = append(l.instances, inst)
	return inst
}

// Terminate makes Run return after the current iteration completes.
func (l *Loop) Terminate() { l.terminated = true }

// Schedule arms a timer for an outstanding probe tag.
func (l *Loop) Schedule(tag uint64, deadline time.Time) {
	l.timers.schedule(tag, deadline)
}

// Cancel disarms the tag's timer.
func (l *Loop) Cancel(tag uint64) {
	l.timers.cancel(tag)
}

// Run iterates until Terminate is called or no work remains: drain queued
// events, wait for the nearest timer or socket readability, expire timers as
// PROBE_TIMEOUT, correlate replies as PROBE_REPLY. All callbacks execute on
// this goroutine; no work outlives Run.
func (l *Loop) Run() error {
	// Start every registered instance.
	for _, inst := range l.instances {
		if err := inst.alg.Advance(inst); err != nil {
			return err
		}
	}

	for {
		if err := l.drainQueue(); err != nil {
			return err
		}
		if l.terminated {
			return nil
		}
		if len(l.pending) == 0 && l.allDone() {
			// Nothing outstanding and nobody left to feed.
			return nil
		}

		deadline := l.timers.nearest()
		if deadline.IsZero() && len(l.pending) == 0 {
			// A live instance with nothing outstanding and no timer can
			// never be advanced again.
			return fmt.Errorf("%w: idle loop with unfinished instances", ErrInternalInvariant)
		}
		reply, err := l.transport.Recv(deadline)
		switch {
		case err == nil:
			if ev := l.correlate(reply); ev != nil {
				l.enqueue(ev)
			}
		case errors.Is(err, netio.ErrRecvTimeout):
			for _, tag := range l.timers.expire(deadline) {
				l.expireProbe(tag)
			}
		default:
			return fmt.Errorf("receive failed: %w", err)
		}
	}
}

// enqueue appends an event to the FIFO queue. Events for one instance are
// delivered in enqueue order.
func (l *Loop) enqueue(ev *Event) {
	l.queue = append(l.queue, ev)
}

// drainQueue dispatches queued events until empty or terminated.
func (l *Loop) drainQueue() error {
	for len(l.queue) > 0 && !l.terminated {
		ev := l.queue[0]
		l.queue = l.queue[1:]

		switch ev.Type {
		case EventAlgorithmTerminated:
			if l.handler != nil {
				l.handler(l, ev)
			}
		default:
			inst := ev.Instance
			if inst == nil || inst.done {
				continue
			}
			if err := inst.alg.OnEvent(inst, ev); err != nil {
				return err
			}
			// A delivered outcome freed a slot; release deferred probes.
			if err := inst.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

// dispatch transmits a probe for an instance: tag it, send with one retry on
// transient failures, stamp, register, and arm its timer. Irrecoverable send
// failures retire the probe immediately as a timeout with a recorded cause.
func (l *Loop) dispatch(inst *Instance, p *probe.Probe) error {
	p.Tag = l.nextTag
	l.nextTag++

	if _, dup := l.pending[p.Tag]; dup {
		return fmt.Errorf("%w: duplicate probe tag %d", ErrInternalInvariant, p.Tag)
	}

	err := l.transport.Send(p)
	if err != nil {
		var se *netio.SendError
		if errors.As(err, &se) && (se.Kind == netio.SendTransient || se.Kind == netio.SendWouldBlock) {
			if l.verbose {
				l.log.WithField("tag", p.Tag).Debug("transient send failure, retrying")
			}
			err = l.transport.Send(p)
		}
	}
	if err != nil {
		// Retire without a wire round-trip; the algorithm sees a timeout
		// with the cause attached.
		l.enqueue(&Event{Type: EventProbeTimeout, Instance: inst, Probe: p, Cause: err})
		return nil
	}

	pp := &pendingProbe{p: p, inst: inst}
	l.pending[p.Tag] = pp
	key := p.Key()
	l.byKey[key] = append(l.byKey[key], pp)
	inst.inFlight++

	l.Schedule(p.Tag, p.SentAt.Add(l.timeout))
	return nil
}

// expireProbe fires PROBE_TIMEOUT for the tag if it is still outstanding.
func (l *Loop) expireProbe(tag uint64) {
	pp, ok := l.pending[tag]
	if !ok {
		return
	}
	l.retire(pp)
	if l.verbose {
		l.log.WithFields(logrus.Fields{
			"tag": tag,
			"ttl": pp.p.TTL(),
		}).Debug("probe timed out")
	}
	l.enqueue(&Event{Type: EventProbeTimeout, Instance: pp.inst, Probe: pp.p})
}

// retire removes an in-flight probe from every index and disarms its timer.
// After this the probe can produce no further event: reply and timeout are
// mutually exclusive.
func (l *Loop) retire(pp *pendingProbe) {
	delete(l.pending, pp.p.Tag)
	l.Cancel(pp.p.Tag)

	key := pp.p.Key()
	bucket := l.byKey[key]
	for i, cand := range bucket {
		if cand == pp {
			l.byKey[key] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(l.byKey[key]) == 0 {
		delete(l.byKey, key)
	}
	pp.inst.inFlight--
}

// retireInstance drops every outstanding probe and timer of a finished
// instance.
func (l *Loop) retireInstance(inst *Instance) {
	for _, pp := range l.pending {
		if pp.inst == inst {
			l.retire(pp)
		}
	}
	// Drop queued probe events addressed to it as well.
	kept := l.queue[:0]
	for _, ev := range l.queue {
		if ev.Instance == inst && ev.Type != EventAlgorithmTerminated {
			continue
		}
		kept = append(kept, ev)
	}
	l.queue = kept
}

// allDone reports whether every instance has terminated.
func (l *Loop) allDone() bool {
	for _, inst := range l.instances {
		if !inst.done {
			return false
		}
	}
	return true
}
