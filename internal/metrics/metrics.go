// Package metrics is the statistics sink (C10): append-only counters
// for connections, disconnections and ws messages, backed by a
// go-metrics registry owned by each Sink (see New) behind Incr/Decr,
// plus a periodic JSON writer. The persistence backend for these counters is
// an external collaborator; this package only guarantees the counters
// exist and tick.
package metrics

import (
	"io"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

// Names of the counters this package promises to keep.
const (
	Connections    = "connections"
	Disconnections = "disconnections"
	WSMessagesIn   = "ws.messages.in"
	WSMessagesOut  = "ws.messages.out"
	Channels       = "channels"
	Drops          = "broadcast.drops"
)

// Sink is the narrow interface the rest of the broker depends on, so
// that tests and alternative backends (e.g. a Prometheus exporter) can
// stand in for the default go-metrics registry.
type Sink interface {
	Incr(name string, delta int64)
	Decr(name string, delta int64)
}

type registrySink struct {
	reg gometrics.Registry
}

// New returns the default Sink, backed by its own go-metrics registry.
func New() *registrySink {
	return &registrySink{reg: gometrics.NewRegistry()}
}

func (s *registrySink) Incr(name string, delta int64) {
	gometrics.GetOrRegisterCounter(name, s.reg).Inc(delta)
}

func (s *registrySink) Decr(name string, delta int64) {
	gometrics.GetOrRegisterCounter(name, s.reg).Dec(delta)
}

// Snapshot returns the current value of a named counter, 0 if unset.
func (s *registrySink) Snapshot(name string) int64 {
	if c := s.reg.Get(name); c != nil {
		if counter, ok := c.(gometrics.Counter); ok {
			return counter.Count()
		}
	}
	return 0
}

// StartJSONWriter periodically dumps the registry as JSON to w.
// interval<=0 disables periodic writes; callers that disabled
// statistics entirely (statistics.enabled false) never call this.
func (s *registrySink) StartJSONWriter(interval time.Duration, w io.Writer) {
	if interval <= 0 {
		return
	}
	go gometrics.WriteJSON(s.reg, interval, w)
}

// WriteOnce flushes a single JSON snapshot to w.
func (s *registrySink) WriteOnce(w io.Writer) {
	gometrics.WriteJSONOnce(s.reg, w)
}

// noopSink discards everything; used when statistics are disabled via
// statistics.enabled = false. The per-app StatisticsEnabled flag does
// not select it.
type noopSink struct{}

func (noopSink) Incr(string, int64) {}
func (noopSink) Decr(string, int64) {}

// Noop returns a Sink that discards all counters.
func Noop() Sink { return noopSink{} }
