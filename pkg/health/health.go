// Package health serves the admin endpoints of a running server: /live and
// /ready backed by heptiolabs/healthcheck, and /metrics for Prometheus.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/srediag/shm-exec/internal/logger"
)

const (
	// Namespace prefixes the check status gauges.
	Namespace = "shmexec"

	DefaultMaxGoroutines = 10000
	shutdownGrace        = 5 * time.Second
)

// Config holds Checker construction parameters.
type Config struct {
	// MaxGoroutines fails liveness above this count; zero means DefaultMaxGoroutines.
	MaxGoroutines int
	// MinAvailableMemory fails readiness when available system memory drops
	// below it. Zero disables the check.
	MinAvailableMemory uint64
	// ShmPath and MinShmFree fail readiness when the shm filesystem runs low.
	// An empty path disables the check.
	ShmPath    string
	MinShmFree uint64
	// Registerer receives the check gauges; Gatherer backs /metrics. Both
	// default to the Prometheus default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Logger     *logger.Logger
}

// Checker is the admin HTTP handler.
type Checker struct {
	healthcheck.Handler
	mux *http.ServeMux
	log *logger.Logger
}

// New builds a Checker with the process-level checks from cfg installed.
func New(cfg Config) *Checker {
	if cfg.MaxGoroutines <= 0 {
		cfg.MaxGoroutines = DefaultMaxGoroutines
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("health", os.Stdout)
	}

	hc := healthcheck.NewMetricsHandler(cfg.Registerer, Namespace)
	hc.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(cfg.MaxGoroutines))
	if cfg.MinAvailableMemory > 0 {
		hc.AddReadinessCheck("available-memory", MemoryCheck(cfg.MinAvailableMemory))
	}
	if cfg.ShmPath != "" {
		hc.AddReadinessCheck("shm-space", ShmSpaceCheck(cfg.ShmPath, cfg.MinShmFree))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/live", hc.LiveEndpoint)
	mux.HandleFunc("/ready", hc.ReadyEndpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	return &Checker{Handler: hc, mux: mux, log: cfg.Logger}
}

// ServeHTTP routes /live, /ready and /metrics.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mux.ServeHTTP(w, r)
}

// MemoryCheck fails when available system memory is below min bytes.
func MemoryCheck(min uint64) healthcheck.Check {
	return func() error {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return fmt.Errorf("read memory stats: %w", err)
		}
		if vm.Available < min {
			return fmt.Errorf("available memory %d below %d", vm.Available, min)
		}
		return nil
	}
}

// ShmSpaceCheck fails when the filesystem at path has less than min bytes free.
func ShmSpaceCheck(path string, min uint64) healthcheck.Check {
	return func() error {
		u, err := disk.Usage(path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		if u.Free < min {
			return fmt.Errorf("%s has %d bytes free, below %d", path, u.Free, min)
		}
		return nil
	}
}

// StateCheck turns a boolean probe into a check failing with msg.
func StateCheck(ok func() bool, msg string) healthcheck.Check {
	return func() error {
		if !ok() {
			return errors.New(msg)
		}
		return nil
	}
}

// Serve runs the admin endpoint on addr until ctx is done.
func (c *Checker) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health: listen %s: %w", addr, err)
	}
	return c.serve(ctx, ln)
}

func (c *Checker) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: c, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			c.log.Warnf("admin shutdown: %v", err)
		}
	}()
	c.log.Infof("admin endpoint on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
