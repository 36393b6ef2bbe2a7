package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/blinkmux/internal/correlation"
	"github.com/rickgao/blinkmux/internal/journal"
	"github.com/rickgao/blinkmux/internal/session"
	"github.com/rickgao/blinkmux/internal/transport"
)

const namespace = "blinkmux"

// Sources supplies the stats snapshots exported on each scrape. Nil
// sources are skipped.
type Sources struct {
	Stream  func() transport.StreamStats
	OneShot func() transport.OneShotStats
	Session func() session.Stats
	Journal func() journal.Stats
}

// Collector exports multiplexer stats as Prometheus metrics.
type Collector struct {
	src Sources

	dispatch      *prometheus.Desc
	requests      *prometheus.Desc
	outstanding   *prometheus.Desc
	subscriptions *prometheus.Desc
	keys          *prometheus.Desc
	deliveries    *prometheus.Desc
	attached      *prometheus.Desc
	standing      *prometheus.Desc
	sent          *prometheus.Desc
	sendErrors    *prometheus.Desc
	httpRequests  *prometheus.Desc
	httpRetries   *prometheus.Desc
	httpFailures  *prometheus.Desc
	connected     *prometheus.Desc
	connects      *prometheus.Desc
	reconnects    *prometheus.Desc
	dialFailures  *prometheus.Desc
	journalRows   *prometheus.Desc
	journalQueue  *prometheus.Desc
}

// NewCollector creates a Collector over src.
func NewCollector(src Sources) *Collector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}

	return &Collector{
		src: src,

		dispatch:      desc("dispatch", "messages_total", "Inbound messages by dispatch outcome.", "outcome"),
		requests:      desc("correlation", "requests_total", "Correlated requests by final state.", "transport", "state"),
		outstanding:   desc("correlation", "outstanding", "Requests awaiting a reply.", "transport"),
		subscriptions: desc("subscription", "listeners", "Registered listeners."),
		keys:          desc("subscription", "keys", "Subscription keys with at least one listener."),
		deliveries:    desc("subscription", "events_total", "Listener deliveries by result.", "result"),
		attached:      desc("stream", "attached", "Whether the stream has a connection attached."),
		standing:      desc("stream", "standing_requests", "Stream requests replayed on reconnect."),
		sent:          desc("stream", "sent_total", "Messages written to the connection."),
		sendErrors:    desc("stream", "send_errors_total", "Failed connection writes."),
		httpRequests:  desc("oneshot", "requests_total", "One-shot HTTP exchanges."),
		httpRetries:   desc("oneshot", "retries_total", "One-shot HTTP retries."),
		httpFailures:  desc("oneshot", "failures_total", "One-shot exchanges that failed."),
		connected:     desc("session", "connected", "Whether the session is connected."),
		connects:      desc("session", "connects_total", "Successful connection attempts."),
		reconnects:    desc("session", "reconnects_total", "Connections after the first."),
		dialFailures:  desc("session", "dial_failures_total", "Failed dial attempts."),
		journalRows:   desc("journal", "entries_total", "Journal entries by result.", "result"),
		journalQueue:  desc("journal", "pending", "Journal entries awaiting flush."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.dispatch, c.requests, c.outstanding, c.subscriptions, c.keys,
		c.deliveries, c.attached, c.standing, c.sent, c.sendErrors,
		c.httpRequests, c.httpRetries, c.httpFailures, c.connected,
		c.connects, c.reconnects, c.dialFailures, c.journalRows, c.journalQueue,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.src.Stream != nil {
		c.collectStream(ch, c.src.Stream())
	}
	if c.src.OneShot != nil {
		s := c.src.OneShot()
		counter(ch, c.httpRequests, s.Requests)
		counter(ch, c.httpRetries, s.Retries)
		counter(ch, c.httpFailures, s.Failures)
		c.collectTable(ch, "oneshot", s.Table)
	}
	if c.src.Session != nil {
		s := c.src.Session()
		gauge(ch, c.connected, boolValue(s.Connected))
		counter(ch, c.connects, s.Connects)
		counter(ch, c.reconnects, s.Reconnects)
		counter(ch, c.dialFailures, s.Failures)
	}
	if c.src.Journal != nil {
		s := c.src.Journal()
		counter(ch, c.journalRows, s.Recorded, "recorded")
		counter(ch, c.journalRows, s.Dropped, "dropped")
		counter(ch, c.journalRows, s.Inserted, "inserted")
		gauge(ch, c.journalQueue, float64(s.Pending))
	}
}

func (c *Collector) collectStream(ch chan<- prometheus.Metric, s transport.StreamStats) {
	d := s.Dispatch
	counter(ch, c.dispatch, d.Received, "received")
	counter(ch, c.dispatch, d.Correlated, "correlated")
	counter(ch, c.dispatch, d.Published, "published")
	counter(ch, c.dispatch, d.Unmatched, "unmatched")
	counter(ch, c.dispatch, d.Rejected, "rejected")
	counter(ch, c.dispatch, d.DecodeErrors, "decode_error")

	c.collectTable(ch, "stream", s.Table)

	r := s.Registry
	gauge(ch, c.subscriptions, float64(r.Subscriptions))
	gauge(ch, c.keys, float64(r.Keys))
	counter(ch, c.deliveries, r.Delivered, "delivered")
	counter(ch, c.deliveries, r.Dropped, "dropped")
	counter(ch, c.deliveries, r.Panics, "panicked")

	gauge(ch, c.attached, boolValue(s.Attached))
	gauge(ch, c.standing, float64(s.Standing))
	counter(ch, c.sent, s.Sent)
	counter(ch, c.sendErrors, s.SendErrors)
}

func (c *Collector) collectTable(ch chan<- prometheus.Metric, kind string, t correlation.TableStats) {
	counter(ch, c.requests, t.Settled, kind, "settled")
	counter(ch, c.requests, t.Cancelled, kind, "cancelled")
	counter(ch, c.requests, t.TimedOut, kind, "timed_out")
	gauge(ch, c.outstanding, float64(t.Outstanding), kind)
}

func counter(ch chan<- prometheus.Metric, d *prometheus.Desc, v int64, labels ...string) {
	ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
}

func gauge(ch chan<- prometheus.Metric, d *prometheus.Desc, v float64, labels ...string) {
	ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
