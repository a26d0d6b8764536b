// Package metrics exposes pipeline telemetry on a private Prometheus registry.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// Recorder holds the pipeline collectors
type Recorder struct {
	registry *prometheus.Registry

	workerCalls     *prometheus.CounterVec
	fallbacks       *prometheus.CounterVec
	evictions       prometheus.Counter
	breakerFailures prometheus.Gauge
	aiDisabled      prometheus.Gauge
	handles         prometheus.Gauge
	tileSeconds     prometheus.Histogram
	memUsage        prometheus.Gauge
	cpuUsage        prometheus.Gauge
}

// New creates a Recorder with all collectors registered
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		workerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagepipe_worker_calls_total",
			Help: "Worker round trips by operation and outcome",
		}, []string{"op", "outcome"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagepipe_fallbacks_total",
			Help: "Deterministic fallbacks taken, by reason",
		}, []string{"reason"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagepipe_model_evictions_total",
			Help: "Model handles disposed by the resource manager",
		}),
		breakerFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imagepipe_breaker_failures",
			Help: "Current inference failure count",
		}),
		aiDisabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imagepipe_ai_disabled",
			Help: "1 once the circuit breaker has disabled accelerated paths",
		}),
		handles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imagepipe_model_handles",
			Help: "Model handles currently cached",
		}),
		tileSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "imagepipe_tile_seconds",
			Help:    "Time to run every task on one tile",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		memUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imagepipe_memory_usage_megabytes",
			Help: "Resident memory of this process in megabytes",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imagepipe_cpu_usage_percent",
			Help: "CPU usage of this process in percent",
		}),
	}

	r.registry.MustRegister(
		r.workerCalls, r.fallbacks, r.evictions,
		r.breakerFailures, r.aiDisabled, r.handles,
		r.tileSeconds, r.memUsage, r.cpuUsage,
	)
	return r
}

// Registry returns the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// WorkerCall counts one worker round trip
func (r *Recorder) WorkerCall(op, outcome string) {
	if r == nil {
		return
	}
	r.workerCalls.WithLabelValues(op, outcome).Inc()
}

// Fallback counts one deterministic fallback
func (r *Recorder) Fallback(reason string) {
	if r == nil {
		return
	}
	r.fallbacks.WithLabelValues(reason).Inc()
}

// Eviction counts one disposed model handle
func (r *Recorder) Eviction() {
	if r == nil {
		return
	}
	r.evictions.Inc()
}

// SetBreaker publishes the breaker state
func (r *Recorder) SetBreaker(failures int, tripped bool) {
	if r == nil {
		return
	}
	r.breakerFailures.Set(float64(failures))
	if tripped {
		r.aiDisabled.Set(1)
	} else {
		r.aiDisabled.Set(0)
	}
}

// SetHandles publishes the number of cached model handles
func (r *Recorder) SetHandles(n int) {
	if r == nil {
		return
	}
	r.handles.Set(float64(n))
}

// ObserveTile records the time spent on one tile
func (r *Recorder) ObserveTile(d time.Duration) {
	if r == nil {
		return
	}
	r.tileSeconds.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Serve runs a /metrics listener on addr and samples process usage until ctx
// is done
func (r *Recorder) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	if r == nil {
		return errors.New("metrics disabled")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	logger.Info("metrics listener started", zap.String("addr", addr))

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("process sampling disabled", zap.Error(err))
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case err, ok := <-errc:
			if ok {
				return err
			}
			return nil
		case <-ticker.C:
			if proc != nil {
				r.sample(proc)
			}
		}
	}
}

func (r *Recorder) sample(p *process.Process) {
	if mem, err := p.MemoryInfo(); err == nil {
		r.memUsage.Set(float64(mem.RSS / 1024 / 1024))
	}
	if cpu, err := p.CPUPercent(); err == nil {
		r.cpuUsage.Set(math.Round(cpu*100) / 100)
	}
}
