// Package http serves the kernel introspection and tuning API.
package http

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/helixos/kernel/internal/kernel"
	"github.com/helixos/kernel/internal/shared/id"
)

// Version reported by the root endpoint.
const Version = "0.1.0"

// Handlers contains all HTTP handlers. Every handler reads or tunes one
// kernel instance; nothing here keeps state of its own.
type Handlers struct {
	kernel *kernel.Kernel
}

// NewHandlers creates a new handler set.
func NewHandlers(k *kernel.Kernel) *Handlers {
	return &Handlers{kernel: k}
}

// Root reports service identity.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "online",
		"service":     "helix-kernel",
		"version":     Version,
		"instance_id": h.kernel.InstanceID(),
	})
}

// Health handles detailed health check.
func (h *Handlers) Health(c *gin.Context) {
	stats := h.kernel.Stats()

	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"initialized":    stats.Initialized,
		"boot_id":        stats.BootID,
		"uptime_seconds": stats.UptimeSeconds,
		"scheduler":      stats.Scheduler,
		"memory":         stats.Memory,
		"ipc":            stats.IPC,
		"events":         stats.Events,
	})
}

// GetSchedulerStats retrieves scheduler statistics.
func (h *Handlers) GetSchedulerStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stats":   h.kernel.Scheduler().Stats(),
	})
}

// GetIPCStats retrieves message queue statistics.
func (h *Handlers) GetIPCStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stats":   h.kernel.IPC().Stats(),
	})
}

// GetMemoryStats retrieves memory manager statistics.
func (h *Handlers) GetMemoryStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stats":   h.kernel.Memory().Stats(),
	})
}

// ListTasks lists every task known to the scheduler.
func (h *Handlers) ListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"tasks": h.kernel.Scheduler().Tasks(),
		"stats": h.kernel.Scheduler().Stats(),
	})
}

// GetTask retrieves one task by id.
func (h *Handlers) GetTask(c *gin.Context) {
	taskID, err := parseTaskID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snap, ok := h.kernel.Scheduler().Lookup(taskID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	c.JSON(http.StatusOK, snap)
}

// GetTaskCapabilities lists the capabilities held by one task.
func (h *Handlers) GetTaskCapabilities(c *gin.Context) {
	taskID, err := parseTaskID(c.Param("task"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	space, ok := h.kernel.Scheduler().CapabilitiesOf(taskID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"task":         taskID,
		"capabilities": space.Snapshot(),
		"count":        space.Len(),
	})
}

// parseTaskID parses a path parameter into a task id. Id 0 is the kernel
// sentinel and never names a task.
func parseTaskID(raw string) (id.TaskID, error) {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid task id %q", raw)
	}
	return id.TaskID(v), nil
}
