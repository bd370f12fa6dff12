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

// Command shm-server serves the Compute RPC over TCP, resolving buffer
// references against externally allocated System V shared-memory segments.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/srediag/shm-exec/internal/logger"
	"github.com/srediag/shm-exec/pkg/config"
	"github.com/srediag/shm-exec/pkg/executor"
	"github.com/srediag/shm-exec/pkg/health"
	"github.com/srediag/shm-exec/pkg/service"
	"github.com/srediag/shm-exec/pkg/shm"
	"github.com/srediag/shm-exec/pkg/transport"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		addr       string
		adminAddr  string
		workers    int
		contexts   int
	)
	cmd := &cobra.Command{
		Use:          "shm-server",
		Short:        "Serve Compute requests over shared memory",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Server.Addr = addr
			}
			if flags.Changed("admin") {
				cfg.Admin.Addr = adminAddr
			}
			if flags.Changed("workers") {
				cfg.Executor.Workers = workers
			}
			if flags.Changed("contexts") {
				cfg.Executor.Contexts = contexts
			}
			if err := config.VerifyConfig(cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "YAML config file")
	flags.StringVar(&addr, "addr", "", "listen address host:port")
	flags.StringVar(&adminAddr, "admin", "", "admin endpoint address, empty to disable")
	flags.IntVar(&workers, "workers", 0, "workers per request type")
	flags.IntVar(&contexts, "contexts", 0, "contexts per request type")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	lvl, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(lvl)
	log := logger.New("shm-server", os.Stdout)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	res := service.NewResources(shm.NewSegmentCache(shm.CacheConfig{Registerer: reg}), log)
	defer func() {
		if err := res.Close(); err != nil {
			log.Warnf("release segments: %v", err)
		}
	}()

	srv, err := transport.Listen[service.Input, service.Output](transport.ServerConfig{
		Addr:       cfg.Server.Addr,
		QueueHint:  cfg.Server.QueueHint,
		Registerer: reg,
	}, service.Codec{})
	if err != nil {
		return err
	}
	defer srv.Close()

	exec, err := executor.New(executor.Config{Workers: cfg.Executor.Workers, Registerer: reg})
	if err != nil {
		return err
	}
	if _, err := service.Register(exec, srv, res, cfg.Executor.Contexts); err != nil {
		return err
	}

	errc := make(chan error, 3)
	go func() { errc <- srv.Serve(ctx) }()
	go func() { errc <- exec.Run(ctx) }()

	if cfg.Admin.Addr != "" {
		checker := health.New(health.Config{
			MaxGoroutines:      cfg.Admin.MaxGoroutines,
			MinAvailableMemory: cfg.Admin.MinAvailableMemory,
			ShmPath:            cfg.Admin.ShmPath,
			MinShmFree:         cfg.Admin.MinShmFree,
			Registerer:         reg,
			Gatherer:           reg,
		})
		checker.AddLivenessCheck("executor", health.StateCheck(exec.Running, "executor stopped"))
		checker.AddReadinessCheck("listener", health.StateCheck(srv.Bound, "listener closed"))
		go func() { errc <- checker.Serve(ctx, cfg.Admin.Addr) }()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Infof("shutting down")
	case runErr = <-errc:
		if runErr != nil {
			log.Errorf("stopping: %v", runErr)
		}
		exec.Shutdown()
	}

	timeout := cfg.Server.ShutdownTimeout.Duration
	if timeout <= 0 {
		timeout = time.Duration(1<<63 - 1)
	}
	select {
	case <-exec.Done():
	case <-time.After(timeout):
		runErr = errors.Join(runErr, fmt.Errorf("in-flight requests did not finish within %v", timeout))
	}
	return runErr
}
