package metrics

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	GeneratedTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offload_generated_tokens_total",
		Help: "The total number of tokens processed by benchmark batches",
	})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "offload_batch_duration_seconds",
		Help:    "Wall-clock duration of one generation batch",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	Throughput = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offload_throughput_tokens_per_second",
		Help: "Throughput of the most recent benchmark run",
	})

	ForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offload_forward_duration_seconds",
		Help:    "Duration of a single model forward pass",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	PrefetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "offload_prefetch_duration_seconds",
		Help:    "Time spent in Prefetch before a forward pass",
		Buckets: prometheus.DefBuckets,
	})

	PrefetchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offload_prefetch_total",
		Help: "Prefetch calls by outcome",
	}, []string{"outcome"})

	BufferHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offload_buffer_hits_total",
		Help: "Expert requests served from the resident buffer",
	}, []string{"path"})

	BufferMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offload_buffer_misses_total",
		Help: "Expert requests that required a transfer from backing storage",
	}, []string{"path"})

	BufferEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offload_buffer_evictions_total",
		Help: "Experts evicted from the resident buffer",
	})

	BufferTransferBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offload_buffer_transfer_bytes_total",
		Help: "Bytes moved from backing storage into the resident buffer",
	})

	ResidentExperts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "offload_resident_experts",
		Help: "Number of experts resident in the buffer per layer",
	}, []string{"layer"})

	ExpertSelection = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offload_expert_selections_total",
		Help: "Total number of times an expert was selected by a router",
	}, []string{"layer", "expert_id"})

	ExpertUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "offload_expert_utilization",
		Help: "Expert selections / total tokens processed",
	}, []string{"layer", "expert_id"})

	PatternRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offload_pattern_records_total",
		Help: "Pattern records captured",
	})
)

// RecordBatch records one finished generation batch
func RecordBatch(tokens int, duration time.Duration) {
	GeneratedTokensTotal.Add(float64(tokens))
	totalTokens.Add(int64(tokens))
	BatchDuration.Observe(duration.Seconds())
}

func RecordThroughput(tokensPerSecond float64) {
	Throughput.Set(tokensPerSecond)
}

// RecordForward records a forward pass; phase is "prefill" or "decode"
func RecordForward(phase string, duration time.Duration) {
	ForwardDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordPrefetch records the latency and outcome ("ok", "capacity",
// "stale", "error") of one Prefetch call
func RecordPrefetch(outcome string, duration time.Duration) {
	PrefetchDuration.Observe(duration.Seconds())
	PrefetchOutcomes.WithLabelValues(outcome).Inc()
}

// RecordBufferAccess counts a hit or miss; path is "prefetch" or "demand"
func RecordBufferAccess(path string, hit bool) {
	if hit {
		BufferHits.WithLabelValues(path).Inc()
	} else {
		BufferMisses.WithLabelValues(path).Inc()
	}
}

func RecordEviction() {
	BufferEvictions.Inc()
}

func RecordTransfer(bytes int64) {
	BufferTransferBytes.Add(float64(bytes))
}

func RecordResident(layer, count int) {
	ResidentExperts.WithLabelValues(strconv.Itoa(layer)).Set(float64(count))
}

func RecordPatternRecords(n int) {
	PatternRecordsTotal.Add(float64(n))
}

var expertCounts sync.Map // map[string]*atomic.Int64

// RecordExpertSelection records which experts a layer's router picked
func RecordExpertSelection(layerIdx int, expertIndices []int) {
	layerStr := strconv.Itoa(layerIdx)
	total := totalTokens.Load()

	for _, idx := range expertIndices {
		expertStr := strconv.Itoa(idx)
		ExpertSelection.WithLabelValues(layerStr, expertStr).Inc()

		key := layerStr + ":" + expertStr
		actual, _ := expertCounts.LoadOrStore(key, &atomic.Int64{})
		count := actual.(*atomic.Int64).Add(1)

		if total > 0 {
			ExpertUtilization.WithLabelValues(layerStr, expertStr).Set(float64(count) / float64(total))
		}
	}
}

// TotalTokens reports the tokens recorded since process start
func TotalTokens() int64 {
	return totalTokens.Load()
}
