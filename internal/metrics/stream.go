// Package metrics exports stream counters to Prometheus.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smazurov/v4lstream/pkg/linuxav/streamio"
)

const namespace = "v4lstream"

// StatsSource is anything that can report stream counters, such as a
// *streamio.Stream or a capture session.
type StatsSource interface {
	Stats() streamio.Stats
}

var (
	framesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "stream", "frames_total"),
		"Buffers dequeued from the driver", []string{"device", "direction"}, nil)
	bytesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "stream", "bytes_total"),
		"Payload bytes carried by dequeued buffers", []string{"device", "direction"}, nil)
	droppedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "stream", "dropped_frames_total"),
		"Frames missing from the driver sequence", []string{"device", "direction"}, nil)
	corruptedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "stream", "corrupted_frames_total"),
		"Buffers flagged with an error by the driver", []string{"device", "direction"}, nil)
	wouldBlockDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "stream", "would_block_total"),
		"Dequeue attempts that found no ready buffer", []string{"device", "direction"}, nil)
	errorsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "stream", "errors_total"),
		"Failed driver calls", []string{"device", "direction"}, nil)
	requeueDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "stream", "requeue_failures_total"),
		"Buffers that could not be handed back to the driver", []string{"device", "direction"}, nil)
	queuedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "stream", "queued_buffers"),
		"Buffers currently owned by the driver", []string{"device", "direction"}, nil)
	buffersDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "stream", "buffers"),
		"Buffers in the arena", []string{"device", "direction"}, nil)
	stateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "stream", "state"),
		"1 for the current stream state", []string{"device", "direction", "state"}, nil)
)

var states = []streamio.State{
	streamio.StateIdle,
	streamio.StatePrimed,
	streamio.StateStreaming,
	streamio.StateDisconnected,
}

type source struct {
	device    string
	direction string
	src       StatsSource
}

// StreamCollector reads stats from its sources at scrape time.
type StreamCollector struct {
	mu      sync.RWMutex
	sources map[string]source
}

var _ prometheus.Collector = (*StreamCollector)(nil)

// NewStreamCollector returns an empty collector.
func NewStreamCollector() *StreamCollector {
	return &StreamCollector{sources: make(map[string]source)}
}

// Add starts reporting src under the given device and direction labels,
// replacing an earlier source with the same labels.
func (c *StreamCollector) Add(device string, dir streamio.Direction, src StatsSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[device+"|"+dir.String()] = source{device: device, direction: dir.String(), src: src}
}

// Remove stops reporting the source with these labels.
func (c *StreamCollector) Remove(device string, dir streamio.Direction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, device+"|"+dir.String())
}

func (c *StreamCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		framesDesc, bytesDesc, droppedDesc, corruptedDesc, wouldBlockDesc,
		errorsDesc, requeueDesc, queuedDesc, buffersDesc, stateDesc,
	} {
		ch <- d
	}
}

func (c *StreamCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	sources := make([]source, 0, len(c.sources))
	for _, s := range c.sources {
		sources = append(sources, s)
	}
	c.mu.RUnlock()

	for _, s := range sources {
		st := s.src.Stats()
		labels := []string{s.device, s.direction}

		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
		}
		counter(framesDesc, st.Frames)
		counter(bytesDesc, st.Bytes)
		counter(droppedDesc, st.Dropped)
		counter(corruptedDesc, st.Corrupted)
		counter(wouldBlockDesc, st.WouldBlock)
		counter(errorsDesc, st.Errors)
		counter(requeueDesc, st.RequeueFailures)

		ch <- prometheus.MustNewConstMetric(queuedDesc, prometheus.GaugeValue, float64(st.Queued), labels...)
		ch <- prometheus.MustNewConstMetric(buffersDesc, prometheus.GaugeValue, float64(st.Buffers), labels...)
		for _, state := range states {
			v := 0.0
			if st.State == state {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(stateDesc, prometheus.GaugeValue, v, s.device, s.direction, state.String())
		}
	}
}

// NewRegistry returns a registry with the collector plus the Go runtime and
// process collectors.
func NewRegistry(c *StreamCollector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
