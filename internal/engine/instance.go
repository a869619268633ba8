package engine

import (
	"github.com/hervehildenbrand/mptrace/pkg/probe"
)

// Algorithm is the capability set both traceroute flavours implement. The
// loop holds instances polymorphic over it.
type Algorithm interface {
	// Name identifies the algorithm ("traceroute", "mda").
	Name() string

	// Advance starts or resumes probing. Called once when the loop starts.
	Advance(inst *Instance) error

	// OnEvent handles a probe outcome delivered to this instance.
	OnEvent(inst *Instance, ev *Event) error

	// Result is the terminated value, read by the loop handler after
	// EventAlgorithmTerminated.
	Result() interface{}
}

// Instance binds a running algorithm to the loop: its outstanding probe
// budget, deferred probes above the cap, and completion state.
type Instance struct {
	alg         Algorithm
	loop        *Loop
	maxInFlight int
	inFlight    int
	deferred    []*probe.Probe
	done        bool
}

// Algorithm returns the algorithm running in this instance.
func (in *Instance) Algorithm() Algorithm { return in.alg }

// Done reports whether the instance has terminated.
func (in *Instance) Done() bool { return in.done }

// SendProbe hands a probe to the dispatcher. Above the in-flight cap the
// probe is parked and transmitted as replies or timeouts free slots; the
// algorithm simply stops being advanced until then (cooperative
// backpressure).
func (in *Instance) SendProbe(p *probe.Probe) error {
	if in.done {
		return nil
	}
	if in.inFlight >= in.maxInFlight {
		in.deferred = append(in.deferred, p)
		return nil
	}
	return in.loop.dispatch(in, p)
}

// Finish marks the instance terminated: every outstanding probe and timer is
// dropped and EventAlgorithmTerminated is queued for the loop handler.
func (in *Instance) Finish() {
	if in.done {
		return
	}
	in.done = true
	in.deferred = nil
	in.loop.retireInstance(in)
	in.loop.enqueue(&Event{Type: EventAlgorithmTerminated, Instance: in})
}

// flush transmits deferred probes while slots are free.
func (in *Instance) flush() error {
	for !in.done && in.inFlight < in.maxInFlight && len(in.deferred) > 0 {
		p := in.deferred[0]
		in.deferred = in.deferred[1:]
		if err := in.loop.dispatch(in, p); err != nil {
			return err
		}
	}
	return nil
}
