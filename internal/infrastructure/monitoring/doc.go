/*
Package monitoring provides performance monitoring and metrics collection.

# Overview

This package implements Prometheus-based metrics collection for the kernel
core, tracking scheduling, IPC, memory, capability activity, and the
introspection API itself.

# Features

- Scheduler metrics (context switches, preemptions, decision latency)
- IPC metrics (messages by direction and type, payload bytes, mailbox depth)
- Memory metrics (arena usage, regions, allocation sources, OOM count)
- Capability metrics (checks by result, grants, revocations)
- Kernel facade operation metrics
- Event stream connection metrics
- System metrics (uptime)

# Usage

	// Create metrics collector
	metrics := monitoring.NewMetrics()

	// Add middleware to Gin router
	router.Use(monitoring.Middleware(metrics))

	// Record component activity
	metrics.RecordContextSwitch()
	metrics.RecordAllocation("warm")

	// Time facade operations
	timer := monitoring.NewTimer(metrics, "memory", "allocate")
	// ... perform operation ...
	timer.Stop("success")

# Metrics Endpoint

Expose metrics via the standard Prometheus endpoint:

	import "github.com/prometheus/client_golang/prometheus/promhttp"
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))
*/
package monitoring
