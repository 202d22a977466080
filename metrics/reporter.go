package metrics

import (
	"time"

	"github.com/hupe1980/rtpart/engine"
	"github.com/hupe1980/rtpart/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rtpart"

// Reporter records metrics for any number of partitions.
// A nil *Reporter is valid and records nothing.
type Reporter struct {
	batchDocs      *prometheus.CounterVec
	batchDuration  *prometheus.HistogramVec
	buildFailures  *prometheus.CounterVec
	reconstructs   *prometheus.CounterVec
	accessCounters *prometheus.CounterVec
	fetchedFiles   prometheus.Counter
	fetchedBytes   prometheus.Counter
	commits        *prometheus.CounterVec
	loadDuration   *prometheus.HistogramVec
	tableStatus    *prometheus.GaugeVec
	loadedVersion  *prometheus.GaugeVec
	snapshots      *prometheus.GaugeVec
}

// New registers the metrics with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Reporter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Reporter{
		batchDocs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_docs_built_total",
			Help:      "Documents built by the real-time pipeline",
		}, []string{"partition"}),
		batchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "realtime_batch_duration_seconds",
			Help:      "Time to build one real-time batch",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"partition"}),
		buildFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_build_failures_total",
			Help:      "Real-time build failures after retry, by error class",
		}, []string{"partition", "class"}),
		reconstructs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_reconstructs_total",
			Help:      "Pipeline teardown and rebuild cycles",
		}, []string{"partition"}),
		accessCounters: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_total",
			Help:      "Best-effort access counters reported by engines",
		}, []string{"partition", "counter"}),
		fetchedFiles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deploy_files_fetched_total",
			Help:      "Files fetched by deploys",
		}),
		fetchedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deploy_bytes_fetched_total",
			Help:      "Bytes written by deploys after decompression",
		}),
		commits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Commits by result",
		}, []string{"partition", "result"}),
		loadDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "load_duration_seconds",
			Help:      "Duration of partition loads by kind",
			Buckets:   prometheus.DefBuckets,
		}, []string{"partition", "kind"}),
		tableStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "table_status",
			Help:      "Current table status, one series per partition set to the status code",
		}, []string{"partition"}),
		loadedVersion: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loaded_version",
			Help:      "Loaded incremental version, -1 when unloaded",
		}, []string{"partition"}),
		snapshots: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outstanding_snapshots",
			Help:      "Unreleased partition snapshots at the last state change",
		}, []string{"partition"}),
	}
}

// BatchBuilt records a built batch.
func (r *Reporter) BatchBuilt(partition string, docs int, d time.Duration) {
	if r == nil {
		return
	}
	r.batchDocs.WithLabelValues(partition).Add(float64(docs))
	r.batchDuration.WithLabelValues(partition).Observe(d.Seconds())
}

// BuildFailed records a build that failed after retry.
func (r *Reporter) BuildFailed(partition string, class engine.ErrorClass) {
	if r == nil {
		return
	}
	r.buildFailures.WithLabelValues(partition, class.String()).Inc()
}

// Reconstructed records a pipeline rebuild.
func (r *Reporter) Reconstructed(partition string) {
	if r == nil {
		return
	}
	r.reconstructs.WithLabelValues(partition).Inc()
}

// ReportAccess records an engine access counter.
func (r *Reporter) ReportAccess(partition, name string) {
	if r == nil {
		return
	}
	r.accessCounters.WithLabelValues(partition, name).Inc()
}

// FileFetched records a deployed file.
func (r *Reporter) FileFetched(bytes int64) {
	if r == nil {
		return
	}
	r.fetchedFiles.Inc()
	r.fetchedBytes.Add(float64(bytes))
}

// Committed records a commit attempt.
func (r *Reporter) Committed(partition string, ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	r.commits.WithLabelValues(partition, result).Inc()
}

// Loaded records the duration of a full or incremental load.
func (r *Reporter) Loaded(partition, kind string, d time.Duration) {
	if r == nil {
		return
	}
	r.loadDuration.WithLabelValues(partition, kind).Observe(d.Seconds())
}

// SetState publishes the controller's observed state.
func (r *Reporter) SetState(partition string, status model.TableStatus, version model.IncVersion, snapshots int64) {
	if r == nil {
		return
	}
	r.tableStatus.WithLabelValues(partition).Set(float64(status))
	r.loadedVersion.WithLabelValues(partition).Set(float64(version))
	r.snapshots.WithLabelValues(partition).Set(float64(snapshots))
}
