// Package metrics exposes process-wide serving statistics as Prometheus
// text exposition format, generalizing the teacher's single-worker GPU
// metrics collector (gpu_vram_free_gb, gpu_utilization, worker_queue_depth,
// ...) to the multi-model scheduler, the shared GPU pool and the load
// manager's achieved concurrency. Unlike the teacher, which hand-formats
// the Prometheus text with fmt.Fprintf, this package builds real
// dto.MetricFamily values and lets expfmt render them, so label escaping
// and the exposition header are handled by the library rather than by
// hand.
package metrics

import (
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/nova-infer/server/pkg/gpupool"
	"github.com/nova-infer/server/pkg/loadmanager"
	"github.com/nova-infer/server/pkg/serving"
)

// Registry collects metric sources registered at process startup and
// renders them on demand, one snapshot per ServeHTTP call rather than a
// teacher-style background simulation ticker: every source here reports
// real accumulated state, so there is nothing to simulate.
type Registry struct {
	mu          sync.Mutex
	schedulers  map[string]*serving.Scheduler
	pools       map[string]*gpupool.Pool
	loadManager *loadmanager.Manager
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		schedulers: make(map[string]*serving.Scheduler),
		pools:      make(map[string]*gpupool.Pool),
	}
}

// RegisterScheduler adds (or replaces) a model's scheduler as a metrics
// source, keyed by its own Model() name.
func (r *Registry) RegisterScheduler(s *serving.Scheduler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedulers[s.Model()] = s
}

// RegisterPool adds (or replaces) a named GPU pool as a metrics source.
// Most deployments have exactly one process-wide pool; the name exists so
// tests can register several without a shared singleton.
func (r *Registry) RegisterPool(name string, p *gpupool.Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[name] = p
}

// RegisterLoadManager sets the single load manager source, if any.
func (r *Registry) RegisterLoadManager(m *loadmanager.Manager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadManager = m
}

// Gather renders every registered source into Prometheus MetricFamily
// values, sorted by name for deterministic output.
func (r *Registry) Gather() []*dto.MetricFamily {
	r.mu.Lock()
	schedulers := make([]*serving.Scheduler, 0, len(r.schedulers))
	for _, s := range r.schedulers {
		schedulers = append(schedulers, s)
	}
	pools := make([]*gpupool.Pool, 0, len(r.pools))
	poolNames := make([]string, 0, len(r.pools))
	for name, p := range r.pools {
		poolNames = append(poolNames, name)
		pools = append(pools, p)
	}
	lm := r.loadManager
	r.mu.Unlock()

	sort.Slice(schedulers, func(i, j int) bool { return schedulers[i].Model() < schedulers[j].Model() })
	sort.Strings(poolNames)

	families := []*dto.MetricFamily{
		gaugeFamily("scheduler_queue_depth", "Pending requests waiting for an idle instance"),
		gaugeFamily("scheduler_idle_instances", "Instances currently idle"),
		gaugeFamily("scheduler_busy_instances", "Instances currently executing a batch"),
	}
	for _, s := range schedulers {
		stats := s.Stats()
		labels := []*dto.LabelPair{labelPair("model", stats.Model)}
		families[0].Metric = append(families[0].Metric, gaugeMetric(float64(stats.QueueDepth), labels))
		families[1].Metric = append(families[1].Metric, gaugeMetric(float64(stats.IdleInstances), labels))
		families[2].Metric = append(families[2].Metric, gaugeMetric(float64(stats.BusyInstances), labels))
	}

	poolFree := gaugeFamily("gpu_pool_free_bytes", "Unallocated bytes in the device's fixed arena")
	poolTotal := gaugeFamily("gpu_pool_total_bytes", "Total bytes configured for the device's fixed arena")
	for i, p := range pools {
		name := poolNames[i]
		devices := append([]int(nil), p.Devices()...)
		sort.Ints(devices)
		for _, dev := range devices {
			labels := []*dto.LabelPair{labelPair("pool", name), labelPair("device", strconv.Itoa(dev))}
			if free, ok := p.FreeBytes(dev); ok {
				poolFree.Metric = append(poolFree.Metric, gaugeMetric(float64(free), labels))
			}
			if total, ok := p.TotalBytes(dev); ok {
				poolTotal.Metric = append(poolTotal.Metric, gaugeMetric(float64(total), labels))
			}
		}
	}
	families = append(families, poolFree, poolTotal)

	if lm != nil {
		workers := gaugeFamily("load_manager_worker_count", "Workers currently spawned by the load manager")
		workers.Metric = append(workers.Metric, gaugeMetric(float64(lm.WorkerCount()), nil))
		families = append(families, workers)
	}

	return families
}

// ServeHTTP renders the current snapshot in Prometheus text exposition
// format, the real equivalent of the teacher's hand-formatted
// ServePrometheus handler.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	families := r.Gather()
	w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	if err := writeFamilies(w, families); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeFamilies(w io.Writer, families []*dto.MetricFamily) error {
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if len(mf.Metric) == 0 {
			continue
		}
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

func gaugeFamily(name, help string) *dto.MetricFamily {
	n := name
	h := help
	t := dto.MetricType_GAUGE
	return &dto.MetricFamily{Name: &n, Help: &h, Type: &t}
}

func gaugeMetric(value float64, labels []*dto.LabelPair) *dto.Metric {
	v := value
	return &dto.Metric{Label: labels, Gauge: &dto.Gauge{Value: &v}}
}

func labelPair(name, value string) *dto.LabelPair {
	n := name
	v := value
	return &dto.LabelPair{Name: &n, Value: &v}
}
