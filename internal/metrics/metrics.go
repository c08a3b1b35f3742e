// Package metrics wires the queue, FSM, and event-loop instrumentation
// through a small set of prometheus collectors. No HTTP exporter is started
// here: an embedding application registers Registry() with its own server,
// or not at all.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set is a bundle of collectors shared across a process. Construct one with
// NewSet and register it with whatever prometheus.Registerer the embedder
// uses; Registry() also returns a private registry pre-populated with the
// same collectors for embedders that don't maintain their own.
type Set struct {
	QueueDepth    *prometheus.GaugeVec
	QueueFull     *prometheus.CounterVec
	FsmSteps      *prometheus.CounterVec
	CheckerPass   *prometheus.CounterVec
	CheckerFail   *prometheus.CounterVec
	LoopAccepts   prometheus.Counter
	LoopReads     prometheus.Counter
	LoopWrites    prometheus.Counter
	LoopTicks     prometheus.Counter
	LoopDeregister *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewSet constructs a fresh, registered collector bundle.
func NewSet() *Set {
	var reg = prometheus.NewRegistry()
	var s = &Set{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fsmstage", Subsystem: "channel", Name: "depth",
			Help: "Current number of messages queued in a channel.",
		}, []string{"channel"}),
		QueueFull: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fsmstage", Subsystem: "channel", Name: "full_total",
			Help: "Count of droppable sends refused because the channel was full.",
		}, []string{"channel"}),
		FsmSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fsmstage", Subsystem: "fsm", Name: "steps_total",
			Help: "Count of FSM steps executed, by resulting state.",
		}, []string{"fsm", "state"}),
		CheckerPass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fsmstage", Subsystem: "checker", Name: "pass_total",
			Help: "Count of checker steps that satisfied all constraints.",
		}, []string{"fsm"}),
		CheckerFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fsmstage", Subsystem: "checker", Name: "fail_total",
			Help: "Count of checker steps that violated a constraint.",
		}, []string{"fsm"}),
		LoopAccepts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fsmstage", Subsystem: "eventloop", Name: "accepts_total",
			Help: "Count of accepted inbound connections.",
		}),
		LoopReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fsmstage", Subsystem: "eventloop", Name: "reads_total",
			Help: "Count of completed framed message reads.",
		}),
		LoopWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fsmstage", Subsystem: "eventloop", Name: "writes_total",
			Help: "Count of write-readiness events after which a connection's write queue was fully drained.",
		}),
		LoopTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fsmstage", Subsystem: "eventloop", Name: "ticks_total",
			Help: "Count of timer fires dispatched.",
		}),
		LoopDeregister: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fsmstage", Subsystem: "eventloop", Name: "deregister_total",
			Help: "Count of connection deregistrations, by reason.",
		}, []string{"reason"}),
		registry: reg,
	}
	reg.MustRegister(
		s.QueueDepth, s.QueueFull, s.FsmSteps, s.CheckerPass, s.CheckerFail,
		s.LoopAccepts, s.LoopWrites, s.LoopReads, s.LoopTicks, s.LoopDeregister,
	)
	return s
}

// Registry returns the private prometheus.Registry the Set was registered
// against.
func (s *Set) Registry() *prometheus.Registry { return s.registry }
