// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package agent wires the state store, task engine, operation handlers, and
// HTTP control surface into one runnable host agent.
package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/openzoned/zoned/artifacts"
	"github.com/openzoned/zoned/engine"
	"github.com/openzoned/zoned/engine/state"
	"github.com/openzoned/zoned/executor"
	"github.com/openzoned/zoned/handlers"
)

// Agent owns every long-lived component of the zoned daemon.
type Agent struct {
	config *Config
	logger hclog.Logger

	store     state.StateDB
	runner    *executor.Runner
	registry  *engine.Registry
	scheduler *engine.Scheduler
	discovery *engine.DiscoveryDriver
	retention *engine.RetentionDriver

	// rebootMu guards the reboot-required flag raised by hostname and
	// timezone handlers.
	rebootMu       sync.Mutex
	rebootRequired bool
	rebootReason   string

	shutdownMu sync.Mutex
	shutdown   bool
}

// NewAgent builds and starts an agent from a validated config.
func NewAgent(config *Config, logger hclog.Logger) (*Agent, error) {
	a := &Agent{
		config: config,
		logger: logger.Named("agent"),
	}

	store, err := state.NewSQLStateDB(logger, config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	a.store = store

	a.runner = executor.NewRunner(logger)
	a.registry = engine.NewRegistry()

	handlers.RegisterAll(a.registry, &handlers.Deps{
		Logger:     logger.Named("handlers"),
		Runner:     a.runner,
		State:      a.store,
		RebootHook: a.noteRebootRequired,
	})

	coordinator := artifacts.NewCoordinator(logger, a.store, a.runner, artifacts.Config{
		DownloadTimeout:     time.Duration(config.Download.TimeoutSeconds) * time.Second,
		ProgressInterval:    time.Duration(config.Download.ProgressUpdateSeconds) * time.Second,
		SupportedExtensions: config.Scanning.SupportedExtensions,
	})
	coordinator.Register(a.registry)

	a.scheduler = engine.NewScheduler(logger, a.store, a.registry, engine.SchedulerConfig{
		MaxConcurrent:    config.MaxConcurrentTasks,
		ProgressInterval: time.Duration(config.Download.ProgressUpdateSeconds) * time.Second,
	})
	if err := a.scheduler.Start(); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}

	if *config.AutoDiscovery {
		a.discovery = engine.NewDiscoveryDriver(logger, a.scheduler, config.DiscoveryInterval())
	}
	a.retention = engine.NewRetentionDriver(logger, a.store, config.TaskRetention())

	a.logger.Info("agent started",
		"node", config.NodeName,
		"data_dir", config.DataDir,
		"max_concurrent_tasks", config.MaxConcurrentTasks,
		"auto_discovery", *config.AutoDiscovery)
	return a, nil
}

// Shutdown stops the drivers, drains the scheduler, and closes the store.
// It is idempotent.
func (a *Agent) Shutdown() {
	a.shutdownMu.Lock()
	defer a.shutdownMu.Unlock()
	if a.shutdown {
		return
	}
	a.shutdown = true

	a.logger.Info("agent shutting down")
	if a.discovery != nil {
		a.discovery.Stop()
	}
	a.retention.Stop()
	a.scheduler.Shutdown()
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close state store", "error", err)
	}
	a.logger.Info("agent shutdown complete")
}

func (a *Agent) noteRebootRequired(reason string) {
	a.rebootMu.Lock()
	defer a.rebootMu.Unlock()
	a.rebootRequired = true
	a.rebootReason = reason
	a.logger.Warn("host reboot required", "reason", reason)
}

// RebootStatus reports whether a handler has flagged the host for reboot.
func (a *Agent) RebootStatus() (bool, string) {
	a.rebootMu.Lock()
	defer a.rebootMu.Unlock()
	return a.rebootRequired, a.rebootReason
}
