// Package metrics exports partition, pipeline and deploy metrics to Prometheus.
//
// A Reporter satisfies the observer hooks of the pipeline and the deployer and
// the access reporter of the engine adapter, so one instance can be handed to
// all of them:
//
//	reg := prometheus.NewRegistry()
//	rep := metrics.New(reg)
//	ctrl := rtpart.New(pid, deployer, rtpart.WithMetrics(rep))
package metrics
