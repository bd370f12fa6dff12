/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shm-exec/internal/logger"
	"github.com/srediag/shm-exec/internal/promutil"
)

// DefaultWorkers is the worker count used when Config.Workers is zero.
const DefaultWorkers = 1

// Config holds Executor construction parameters.
type Config struct {
	// Workers is the number of worker agents per registered request type.
	Workers    int
	Registerer prometheus.Registerer
	Logger     *logger.Logger
}

// registration is the type-erased view of one RegisterContexts call.
type registration interface {
	name() string
	serve(ctx context.Context, worker int)
	close()
}

// Executor drives the registered arenas with a fixed pool of workers.
type Executor struct {
	workers int
	log     *logger.Logger
	metrics *executorMetrics

	mu      sync.Mutex
	regs    []registration
	cancel  context.CancelFunc
	started atomic.Bool
	running atomic.Bool
	done    chan struct{}
}

// New returns an executor with no registrations.
func New(cfg Config) (*Executor, error) {
	if cfg.Workers == 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Workers < 0 {
		return nil, ErrInvalidWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("executor", os.Stdout)
	}
	return &Executor{
		workers: cfg.Workers,
		log:     cfg.Logger,
		metrics: newExecutorMetrics(cfg.Registerer),
		done:    make(chan struct{}),
	}, nil
}

// Workers returns the worker count per registration.
func (e *Executor) Workers() int { return e.workers }

// Running reports whether Run is in progress.
func (e *Executor) Running() bool { return e.running.Load() }

// RegisterContexts builds depth contexts for one request type and attaches the
// source they serve. It must be called before Run.
func RegisterContexts[Req, Resp, R any](e *Executor, name string, src Source[Req, Resp], resources R,
	handler Handler[Req, Resp, R], depth int) (*Arena[Req, Resp, R], error) {
	arena, err := NewArena(name, resources, handler, depth)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started.Load() {
		return nil, ErrAlreadyRunning
	}
	reg := &typedRegistration[Req, Resp, R]{
		arena:   arena,
		source:  src,
		log:     e.log,
		metrics: e.metrics,
	}
	e.metrics.watchArena(name, arena.Idle, arena.Depth())
	e.regs = append(e.regs, reg)
	e.log.Infof("registered %d contexts for %s", depth, name)
	return arena, nil
}

// Run starts the workers and blocks until ctx is done or Shutdown is called,
// then waits for in-flight requests to complete. An executor runs once.
func (e *Executor) Run(ctx context.Context) error {
	e.mu.Lock()
	if len(e.regs) == 0 {
		e.mu.Unlock()
		return ErrNoRegistrations
	}
	if !e.started.CompareAndSwap(false, true) {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.running.Store(true)
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	regs := append([]registration(nil), e.regs...)
	e.mu.Unlock()
	defer close(e.done)
	defer e.running.Store(false)
	defer cancel()

	pool, err := ants.NewPool(e.workers*len(regs),
		ants.WithPreAlloc(true),
		ants.WithLogger(e.log),
		ants.WithPanicHandler(func(p interface{}) {
			e.log.Errorf("worker panicked: %v", p)
		}))
	if err != nil {
		return fmt.Errorf("executor: worker pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for _, reg := range regs {
		for w := 0; w < e.workers; w++ {
			reg, w := reg, w
			wg.Add(1)
			if err := pool.Submit(func() {
				defer wg.Done()
				reg.serve(ctx, w)
			}); err != nil {
				wg.Done()
				cancel()
				e.log.Errorf("start worker %d for %s: %v", w, reg.name(), err)
			}
		}
	}
	e.log.Infof("executor running %d workers for %d request types", e.workers*len(regs), len(regs))

	<-ctx.Done()
	for _, reg := range regs {
		reg.close()
	}
	wg.Wait()
	e.log.Infof("executor stopped")
	return nil
}

// Shutdown stops a running executor. In-flight requests still complete.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed when Run returns.
func (e *Executor) Done() <-chan struct{} { return e.done }

type typedRegistration[Req, Resp, R any] struct {
	arena   *Arena[Req, Resp, R]
	source  Source[Req, Resp]
	log     *logger.Logger
	metrics *executorMetrics
}

func (r *typedRegistration[Req, Resp, R]) name() string { return r.arena.Name() }

func (r *typedRegistration[Req, Resp, R]) close() { r.arena.Close() }

// serve claims an idle context before pulling an event, so a backlog waits in
// the source rather than in the executor.
func (r *typedRegistration[Req, Resp, R]) serve(ctx context.Context, worker int) {
	name := r.arena.Name()
	for {
		c, err := r.arena.Acquire()
		if err != nil {
			return
		}
		ev, err := r.source.Next(ctx)
		if err != nil {
			r.arena.Release(c)
			if errors.Is(err, ErrSourceClosed) || ctx.Err() != nil {
				r.log.Debugf("%s worker %d exiting: %v", name, worker, err)
				return
			}
			r.log.Warnf("%s worker %d: next event: %v", name, worker, err)
			continue
		}
		start := time.Now()
		// A request that reached Executing runs to Completed even during shutdown.
		err = c.dispatch(context.WithoutCancel(ctx), ev)
		r.metrics.observe(name, time.Since(start), err)
		if err != nil {
			r.log.Debugf("%s context %d: %v", name, c.Index(), err)
		}
		r.arena.Release(c)
	}
}

type executorMetrics struct {
	dispatches *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	reg        prometheus.Registerer
}

func newExecutorMetrics(reg prometheus.Registerer) *executorMetrics {
	return &executorMetrics{
		dispatches: promutil.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shmexec_executor_dispatch_total",
			Help: "Requests dispatched by request type and outcome.",
		}, []string{"rpc", "result"})),
		latency: promutil.Register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shmexec_executor_dispatch_seconds",
			Help:    "Time from Executing to Completed.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
		}, []string{"rpc"})),
		reg: reg,
	}
}

func (m *executorMetrics) observe(rpc string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.dispatches.WithLabelValues(rpc, result).Inc()
	m.latency.WithLabelValues(rpc).Observe(d.Seconds())
}

func (m *executorMetrics) watchArena(rpc string, idle func() int, depth int) {
	labels := prometheus.Labels{"rpc": rpc}
	promutil.Register(m.reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "shmexec_executor_contexts_idle",
		Help:        "Idle contexts per request type.",
		ConstLabels: labels,
	}, func() float64 { return float64(idle()) }))
	promutil.Register(m.reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "shmexec_executor_contexts",
		Help:        "Context pool depth per request type.",
		ConstLabels: labels,
	}, func() float64 { return float64(depth) }))
}
