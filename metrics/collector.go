// Package metrics exposes a running ymodem.Session's SessionStats as
// Prometheus metrics: a Collector tracking a live set of registered
// sessions, each polled fresh on every Collect rather than pushed on
// every packet.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xmodemio/ymodem"
)

type sessionEntry struct {
	stats  *ymodem.SessionStats
	labels []string
}

// SessionCollector implements prometheus.Collector over a dynamic set of
// in-flight or completed ymodem sessions.
type SessionCollector struct {
	mu       sync.Mutex
	sessions map[string]sessionEntry

	packetsSent     *prometheus.Desc
	packetsReceived *prometheus.Desc
	retries         *prometheus.Desc
	bytesSent       *prometheus.Desc
	bytesReceived   *prometheus.Desc
	crcErrors       *prometheus.Desc
	aborts          *prometheus.Desc
}

// NewSessionCollector builds a collector labeling every metric with
// labelNames in addition to the fixed "session_id" label.
func NewSessionCollector(labelNames []string) *SessionCollector {
	labels := append([]string{"session_id"}, labelNames...)
	ns := "ymodem"
	return &SessionCollector{
		sessions:        make(map[string]sessionEntry),
		packetsSent:     prometheus.NewDesc(ns+"_packets_sent_total", "Data/filename/batch-end packets sent.", labels, nil),
		packetsReceived: prometheus.NewDesc(ns+"_packets_received_total", "Data/filename packets accepted.", labels, nil),
		retries:         prometheus.NewDesc(ns+"_retries_total", "Retransmit/retry attempts.", labels, nil),
		bytesSent:       prometheus.NewDesc(ns+"_bytes_sent_total", "Payload bytes sent, excluding padding.", labels, nil),
		bytesReceived:   prometheus.NewDesc(ns+"_bytes_received_total", "Payload bytes written to sinks, excluding padding.", labels, nil),
		crcErrors:       prometheus.NewDesc(ns+"_crc_errors_total", "Packets rejected for a bad checksum/CRC.", labels, nil),
		aborts:          prometheus.NewDesc(ns+"_aborts_total", "Sessions ended by a two-CAN cancel.", labels, nil),
	}
}

// Add registers a session under id with the given label values, in the
// same order as the labelNames passed to NewSessionCollector.
func (c *SessionCollector) Add(id string, stats *ymodem.SessionStats, labelValues []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[id] = sessionEntry{stats: stats, labels: labelValues}
}

// Remove drops a session from the collector, typically once its Send or
// Receive call has returned.
func (c *SessionCollector) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, id)
}

func (c *SessionCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.packetsSent
	descs <- c.packetsReceived
	descs <- c.retries
	descs <- c.bytesSent
	descs <- c.bytesReceived
	descs <- c.crcErrors
	descs <- c.aborts
}

func (c *SessionCollector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, entry := range c.sessions {
		labels := append([]string{id}, entry.labels...)
		snap := entry.stats.Snapshot()

		metrics <- prometheus.MustNewConstMetric(c.packetsSent, prometheus.CounterValue, float64(snap.PacketsSent), labels...)
		metrics <- prometheus.MustNewConstMetric(c.packetsReceived, prometheus.CounterValue, float64(snap.PacketsReceived), labels...)
		metrics <- prometheus.MustNewConstMetric(c.retries, prometheus.CounterValue, float64(snap.Retries), labels...)
		metrics <- prometheus.MustNewConstMetric(c.bytesSent, prometheus.CounterValue, float64(snap.BytesSent), labels...)
		metrics <- prometheus.MustNewConstMetric(c.bytesReceived, prometheus.CounterValue, float64(snap.BytesReceived), labels...)
		metrics <- prometheus.MustNewConstMetric(c.crcErrors, prometheus.CounterValue, float64(snap.CRCErrors), labels...)
		metrics <- prometheus.MustNewConstMetric(c.aborts, prometheus.CounterValue, float64(snap.Aborts), labels...)
	}
}
