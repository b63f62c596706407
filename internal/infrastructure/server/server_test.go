package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixos/kernel/internal/infrastructure/config"
	"github.com/helixos/kernel/internal/kernel/capability"
	"github.com/helixos/kernel/internal/kernel/sched"
)

// One server per process: NewMetrics registers on the prometheus default
// registry, which rejects duplicate collectors.
func TestServerAssembly(t *testing.T) {
	cfg := config.Default()
	cfg.Kernel.Cores = 2
	cfg.Memory.ArenaBytes = 1 << 20
	cfg.Memory.WarmPoolPages = 4
	cfg.Logging.Level = "error"

	srv, err := NewServer(cfg, nil)
	require.NoError(t, err)

	get := func(path string, headers map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		w := httptest.NewRecorder()
		srv.router.ServeHTTP(w, req)
		return w
	}

	t.Run("health through middleware stack", func(t *testing.T) {
		w := get("/health", map[string]string{"Origin": "http://example.com"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-Trace-ID"))
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("prometheus exposition", func(t *testing.T) {
		w := get("/metrics", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "kernel_uptime_seconds")
	})

	t.Run("task routes reach the kernel", func(t *testing.T) {
		space := capability.NewSpace()
		task := sched.NewTask(sched.PriorityNormal, 0, space)
		require.NoError(t, space.Seed(capability.New(capability.TypeIPC, capability.RightRead, 0, task.ID())))
		require.NoError(t, srv.Kernel().AddTask(task))

		w := get("/tasks", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"state":"ready"`)
	})

	t.Run("run headless and close", func(t *testing.T) {
		srv.config.Server.Enabled = false

		runErr := make(chan error, 1)
		go func() { runErr <- srv.Run() }()

		// The seeded task dispatches once the loop starts.
		require.Eventually(t, func() bool {
			return srv.Kernel().Events().Stats().Published > 0
		}, 2*time.Second, 5*time.Millisecond)

		require.NoError(t, srv.Close())
		select {
		case err := <-runErr:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("run did not return after close")
		}
	})
}
