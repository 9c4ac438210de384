// Package metrics exposes the PBX's live state as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ExtensionStatus mirrors pbx.ExtensionStatus without this package
// importing internal/pbx, so the dependency only runs one way: whoever
// wires the collector up imports both, metrics imports neither.
type ExtensionStatus struct {
	Extension     int
	State         string
	PeerExtension int
}

// Counters mirrors pbx.Counters.
type Counters struct {
	DialsRingBack       uint64
	DialsBusy           uint64
	DialsErrored        uint64
	ChatMessages        uint64
	RejectedFull        uint64
	RejectedRateLimited uint64
}

// RegistryProvider is the read-only slice of *pbx.Registry the collector
// needs. *pbx.Registry returns its own pbx types, so it is wrapped in an
// adapter (see cmd/pbxsim) rather than satisfying this interface directly.
type RegistryProvider interface {
	Len() int
	Cap() int
	Snapshot() []ExtensionStatus
	Counters() Counters
}

// allStates lists every TU state so pbx_tu_state_count always reports a
// zero series for states nobody currently occupies, rather than omitting
// the label entirely.
var allStates = []string{"ON_HOOK", "RINGING", "DIAL_TONE", "RING_BACK", "BUSY_SIGNAL", "CONNECTED", "ERROR"}

// Collector is a prometheus.Collector that gathers switch-wide metrics
// from a registry at scrape time.
type Collector struct {
	registry  RegistryProvider
	startTime time.Time

	registeredExtensionsDesc *prometheus.Desc
	maxExtensionsDesc        *prometheus.Desc
	tuStateCountDesc         *prometheus.Desc
	callsConnectedDesc       *prometheus.Desc
	dialsTotalDesc           *prometheus.Desc
	chatMessagesTotalDesc    *prometheus.Desc
	connectionsRejectedDesc  *prometheus.Desc
	uptimeDesc               *prometheus.Desc
}

// NewCollector creates a metrics collector over registry. startTime is the
// process start time, used to compute pbx_uptime_seconds.
func NewCollector(registry RegistryProvider, startTime time.Time) *Collector {
	return &Collector{
		registry:  registry,
		startTime: startTime,

		registeredExtensionsDesc: prometheus.NewDesc(
			"pbx_registered_extensions",
			"Number of extensions currently registered with the switch",
			nil, nil,
		),
		maxExtensionsDesc: prometheus.NewDesc(
			"pbx_max_extensions",
			"Configured capacity of the extension registry",
			nil, nil,
		),
		tuStateCountDesc: prometheus.NewDesc(
			"pbx_tu_state_count",
			"Number of telephone units currently in each state",
			[]string{"state"}, nil,
		),
		callsConnectedDesc: prometheus.NewDesc(
			"pbx_calls_connected",
			"Number of telephone unit pairs currently CONNECTED",
			nil, nil,
		),
		dialsTotalDesc: prometheus.NewDesc(
			"pbx_dials_total",
			"Total dial attempts, by outcome",
			[]string{"outcome"}, nil,
		),
		chatMessagesTotalDesc: prometheus.NewDesc(
			"pbx_chat_messages_total",
			"Total chat messages delivered between connected peers",
			nil, nil,
		),
		connectionsRejectedDesc: prometheus.NewDesc(
			"pbx_connections_rejected_total",
			"Total inbound connections rejected before a TU was created, by reason",
			[]string{"reason"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"pbx_uptime_seconds",
			"Seconds since the switch process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.registeredExtensionsDesc
	ch <- c.maxExtensionsDesc
	ch <- c.tuStateCountDesc
	ch <- c.callsConnectedDesc
	ch <- c.dialsTotalDesc
	ch <- c.chatMessagesTotalDesc
	ch <- c.connectionsRejectedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It reads the registry once per
// scrape; the registry itself bounds how long that read may hold its lock.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.registry.Snapshot()
	counters := c.registry.Counters()

	ch <- prometheus.MustNewConstMetric(c.registeredExtensionsDesc, prometheus.GaugeValue, float64(c.registry.Len()))
	ch <- prometheus.MustNewConstMetric(c.maxExtensionsDesc, prometheus.GaugeValue, float64(c.registry.Cap()))

	counts := make(map[string]int, len(allStates))
	connected := 0
	for _, ext := range snapshot {
		counts[ext.State]++
		if ext.State == "CONNECTED" {
			connected++
		}
	}
	for _, state := range allStates {
		ch <- prometheus.MustNewConstMetric(c.tuStateCountDesc, prometheus.GaugeValue, float64(counts[state]), state)
	}
	// Each connected pair holds two TUs in state CONNECTED.
	ch <- prometheus.MustNewConstMetric(c.callsConnectedDesc, prometheus.GaugeValue, float64(connected/2))

	ch <- prometheus.MustNewConstMetric(c.dialsTotalDesc, prometheus.CounterValue, float64(counters.DialsRingBack), "ring_back")
	ch <- prometheus.MustNewConstMetric(c.dialsTotalDesc, prometheus.CounterValue, float64(counters.DialsBusy), "busy")
	ch <- prometheus.MustNewConstMetric(c.dialsTotalDesc, prometheus.CounterValue, float64(counters.DialsErrored), "error")

	ch <- prometheus.MustNewConstMetric(c.chatMessagesTotalDesc, prometheus.CounterValue, float64(counters.ChatMessages))

	ch <- prometheus.MustNewConstMetric(c.connectionsRejectedDesc, prometheus.CounterValue, float64(counters.RejectedFull), "registry_full")
	ch <- prometheus.MustNewConstMetric(c.connectionsRejectedDesc, prometheus.CounterValue, float64(counters.RejectedRateLimited), "rate_limited")

	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}
