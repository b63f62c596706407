package http

import (
	"bytes"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"

	"github.com/helixos/kernel/internal/kernel"
	"github.com/helixos/kernel/internal/kernel/capability"
	"github.com/helixos/kernel/internal/kernel/memory"
	"github.com/helixos/kernel/internal/kernel/sched"
	"github.com/helixos/kernel/internal/shared/id"
)

// stateDump is the full serialized kernel state for offline debugging.
type stateDump struct {
	Timestamp    time.Time                             `json:"timestamp"`
	Stats        kernel.Stats                          `json:"stats"`
	Tasks        []sched.TaskSnapshot                  `json:"tasks"`
	Regions      []memory.RegionSnapshot               `json:"regions"`
	Capabilities map[id.TaskID][]capability.Capability `json:"capabilities"`
}

// DumpState serializes every component snapshot and streams it as a
// gzip attachment. The snapshots are taken one component at a time, so
// the dump is consistent per component, not across them.
func (h *Handlers) DumpState(c *gin.Context) {
	sch := h.kernel.Scheduler()
	tasks := sch.Tasks()

	caps := make(map[id.TaskID][]capability.Capability, len(tasks))
	for _, t := range tasks {
		if space, ok := sch.CapabilitiesOf(t.ID); ok {
			caps[t.ID] = space.Snapshot()
		}
	}

	dump := stateDump{
		Timestamp:    time.Now(),
		Stats:        h.kernel.Stats(),
		Tasks:        tasks,
		Regions:      h.kernel.Memory().Regions(),
		Capabilities: caps,
	}

	body, err := sonic.Marshal(dump)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(body); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := gz.Close(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Disposition", `attachment; filename="kernel-state.json.gz"`)
	c.Data(http.StatusOK, "application/gzip", buf.Bytes())
}
