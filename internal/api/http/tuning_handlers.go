package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SetSchedulerPolicy updates the scheduler's latency tunables. Tunables
// are independent atomics; each provided value is applied in turn.
func (h *Handlers) SetSchedulerPolicy(c *gin.Context) {
	var req struct {
		BaseQuantumMicros    *uint64 `json:"base_quantum_micros"`
		CacheHotWindowMicros *uint64 `json:"cache_hot_window_micros"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid request: " + err.Error(),
		})
		return
	}

	if req.BaseQuantumMicros == nil && req.CacheHotWindowMicros == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "no tunables provided",
		})
		return
	}

	rt := h.kernel.Runtime()
	if req.BaseQuantumMicros != nil {
		if err := rt.SetBaseQuantumMicros(*req.BaseQuantumMicros); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
	}
	if req.CacheHotWindowMicros != nil {
		if err := rt.SetCacheHotWindowMicros(*req.CacheHotWindowMicros); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"tunables": rt.Snapshot(),
	})
}

// SetTunables updates any subset of the runtime tunables.
func (h *Handlers) SetTunables(c *gin.Context) {
	var req struct {
		BaseQuantumMicros    *uint64 `json:"base_quantum_micros"`
		CacheHotWindowMicros *uint64 `json:"cache_hot_window_micros"`
		QueueCapacity        *int    `json:"queue_capacity"`
		MaxTasks             *int    `json:"max_tasks"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid request: " + err.Error(),
		})
		return
	}

	if req.BaseQuantumMicros == nil && req.CacheHotWindowMicros == nil &&
		req.QueueCapacity == nil && req.MaxTasks == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "no tunables provided",
		})
		return
	}

	rt := h.kernel.Runtime()
	if req.BaseQuantumMicros != nil {
		if err := rt.SetBaseQuantumMicros(*req.BaseQuantumMicros); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
	}
	if req.CacheHotWindowMicros != nil {
		if err := rt.SetCacheHotWindowMicros(*req.CacheHotWindowMicros); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
	}
	if req.QueueCapacity != nil {
		if err := rt.SetQueueCapacity(*req.QueueCapacity); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
	}
	if req.MaxTasks != nil {
		if err := rt.SetMaxTasks(*req.MaxTasks); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"tunables": rt.Snapshot(),
	})
}

// ApplyProfile applies a named tuning preset.
func (h *Handlers) ApplyProfile(c *gin.Context) {
	var req struct {
		Profile string `json:"profile" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid request: " + err.Error(),
		})
		return
	}

	rt := h.kernel.Runtime()
	if err := rt.ApplyProfile(req.Profile); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"profile":  req.Profile,
		"tunables": rt.Snapshot(),
	})
}
