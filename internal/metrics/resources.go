package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ResourceConfig controls periodic sampling of child resource usage.
type ResourceConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// Sample is one observation of a live child.
type Sample struct {
	PID        int32     `json:"pid"`
	Thread     string    `json:"thread"`
	CPUPercent float64   `json:"cpu_percent"`
	RSS        uint64    `json:"rss"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceCollector samples CPU and memory of persistent children and
// exports them as gauges labelled by thread and pid.
type ResourceCollector struct {
	interval time.Duration
	log      *slog.Logger

	mu     sync.RWMutex
	latest map[string]Sample // thread -> sample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpu *prometheus.GaugeVec
	rss *prometheus.GaugeVec
	fds *prometheus.GaugeVec
}

func NewResourceCollector(cfg ResourceConfig, log *slog.Logger) *ResourceCollector {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	labels := []string{"thread", "pid"}
	return &ResourceCollector{
		interval: cfg.Interval,
		log:      log,
		latest:   make(map[string]Sample),
		stopCh:   make(chan struct{}),
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "child", Name: "cpu_percent",
			Help: "CPU usage of a persistent child.",
		}, labels),
		rss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "child", Name: "rss_bytes",
			Help: "Resident memory of a persistent child.",
		}, labels),
		fds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "child", Name: "open_fds",
			Help: "Open descriptors of a persistent child.",
		}, labels),
	}
}

// RegisterMetrics registers the gauges; already-registered is not an error.
func (c *ResourceCollector) RegisterMetrics(r prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{c.cpu, c.rss, c.fds} {
		if err := r.Register(col); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples source every interval until ctx is done or Stop is called.
// source maps thread id to pid.
func (c *ResourceCollector) Start(ctx context.Context, source func() map[string]int32) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(c.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-t.C:
				c.Collect(source())
			}
		}
	}()
}

func (c *ResourceCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of every child in procs and forgets the rest.
func (c *ResourceCollector) Collect(procs map[string]int32) {
	now := time.Now()
	fresh := make(map[string]Sample, len(procs))
	for thread, pid := range procs {
		if pid <= 0 {
			continue
		}
		s, err := sample(pid, now)
		if err != nil {
			c.log.Debug("resource sample failed", "thread", thread, "pid", pid, "error", err)
			continue
		}
		s.Thread = thread
		fresh[thread] = s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for thread, old := range c.latest {
		if cur, ok := fresh[thread]; !ok || cur.PID != old.PID {
			lv := []string{thread, strconv.Itoa(int(old.PID))}
			c.cpu.DeleteLabelValues(lv...)
			c.rss.DeleteLabelValues(lv...)
			c.fds.DeleteLabelValues(lv...)
		}
	}
	for thread, s := range fresh {
		lv := []string{thread, strconv.Itoa(int(s.PID))}
		c.cpu.WithLabelValues(lv...).Set(s.CPUPercent)
		c.rss.WithLabelValues(lv...).Set(float64(s.RSS))
		c.fds.WithLabelValues(lv...).Set(float64(s.NumFDs))
	}
	c.latest = fresh
}

// Latest returns the last sample for a thread.
func (c *ResourceCollector) Latest(thread string) (Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.latest[thread]
	return s, ok
}

func sample(pid int32, now time.Time) (Sample, error) {
	p, err := gopsproc.NewProcess(pid)
	if err != nil {
		return Sample{}, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return Sample{}, err
	}
	s := Sample{PID: pid, RSS: mem.RSS, Timestamp: now}
	if cpu, err := p.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if n, err := p.NumFDs(); err == nil {
		s.NumFDs = n
	}
	return s, nil
}
