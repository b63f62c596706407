package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all kernel configuration. Structural values (core count,
// arena geometry) are read once at construction; latency tunables are
// mirrored into Runtime and may change while the kernel runs.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server" json:"server"`
	Logging   LogConfig       `yaml:"logging" toml:"logging" json:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit" json:"rate_limit"`
	Kernel    KernelConfig    `yaml:"kernel" toml:"kernel" json:"kernel"`
	Scheduler SchedulerConfig `yaml:"scheduler" toml:"scheduler" json:"scheduler"`
	Memory    MemoryConfig    `yaml:"memory" toml:"memory" json:"memory"`
	IPC       IPCConfig       `yaml:"ipc" toml:"ipc" json:"ipc"`
}

// ServerConfig holds the introspection HTTP server configuration.
type ServerConfig struct {
	Port    string `envconfig:"PORT" default:"8000" yaml:"port" toml:"port" json:"port"`
	Host    string `envconfig:"HOST" default:"0.0.0.0" yaml:"host" toml:"host" json:"host"`
	Enabled bool   `envconfig:"SERVER_ENABLED" default:"true" yaml:"enabled" toml:"enabled" json:"enabled"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level" toml:"level" json:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development" toml:"development" json:"development"`
}

// RateLimitConfig holds rate limiting configuration for the API.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100" yaml:"requests_per_second" toml:"requests_per_second" json:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200" yaml:"burst" toml:"burst" json:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true" yaml:"enabled" toml:"enabled" json:"enabled"`
}

// KernelConfig holds kernel-wide configuration.
type KernelConfig struct {
	Cores           uint32 `envconfig:"KERNEL_CORES" default:"4" yaml:"cores" toml:"cores" json:"cores"`
	MaxTasks        int    `envconfig:"KERNEL_MAX_TASKS" default:"1024" yaml:"max_tasks" toml:"max_tasks" json:"max_tasks"`
	EventBufferSize int    `envconfig:"KERNEL_EVENT_BUFFER" default:"256" yaml:"event_buffer_size" toml:"event_buffer_size" json:"event_buffer_size"`
}

// SchedulerConfig holds the quantum policy coefficients.
//
// Priority factors scale the base slice per urgency class. The defaults give
// realtime tasks the shortest slices (tight latency, frequent scheduler
// visits) and background tasks the longest.
type SchedulerConfig struct {
	BaseQuantumMicros    uint64  `envconfig:"SCHED_BASE_QUANTUM_US" default:"10000" yaml:"base_quantum_micros" toml:"base_quantum_micros" json:"base_quantum_micros"`
	MinQuantumMicros     uint64  `envconfig:"SCHED_MIN_QUANTUM_US" default:"100" yaml:"min_quantum_micros" toml:"min_quantum_micros" json:"min_quantum_micros"`
	RealtimeFactor       float64 `envconfig:"SCHED_RT_FACTOR" default:"0.5" yaml:"realtime_factor" toml:"realtime_factor" json:"realtime_factor"`
	HighFactor           float64 `envconfig:"SCHED_HIGH_FACTOR" default:"0.75" yaml:"high_factor" toml:"high_factor" json:"high_factor"`
	NormalFactor         float64 `envconfig:"SCHED_NORMAL_FACTOR" default:"1.0" yaml:"normal_factor" toml:"normal_factor" json:"normal_factor"`
	LowFactor            float64 `envconfig:"SCHED_LOW_FACTOR" default:"1.25" yaml:"low_factor" toml:"low_factor" json:"low_factor"`
	BackgroundFactor     float64 `envconfig:"SCHED_BG_FACTOR" default:"1.5" yaml:"background_factor" toml:"background_factor" json:"background_factor"`
	HistoryRatio         float64 `envconfig:"SCHED_HISTORY_RATIO" default:"0.1" yaml:"history_ratio" toml:"history_ratio" json:"history_ratio"`
	CacheHotWindowMicros uint64  `envconfig:"SCHED_CACHE_HOT_WINDOW_US" default:"1000" yaml:"cache_hot_window_micros" toml:"cache_hot_window_micros" json:"cache_hot_window_micros"`
	CacheHotFactor       float64 `envconfig:"SCHED_CACHE_HOT_FACTOR" default:"1.2" yaml:"cache_hot_factor" toml:"cache_hot_factor" json:"cache_hot_factor"`
	CacheColdFactor      float64 `envconfig:"SCHED_CACHE_COLD_FACTOR" default:"0.8" yaml:"cache_cold_factor" toml:"cache_cold_factor" json:"cache_cold_factor"`
}

// MemoryConfig holds the arena geometry. All values are construction-time.
type MemoryConfig struct {
	ArenaBytes         uint64 `envconfig:"MEM_ARENA_BYTES" default:"67108864" yaml:"arena_bytes" toml:"arena_bytes" json:"arena_bytes"`
	PageSize           uint64 `envconfig:"MEM_PAGE_SIZE" default:"4096" yaml:"page_size" toml:"page_size" json:"page_size"`
	HugePageSize       uint64 `envconfig:"MEM_HUGE_PAGE_SIZE" default:"2097152" yaml:"huge_page_size" toml:"huge_page_size" json:"huge_page_size"`
	HugeThresholdBytes uint64 `envconfig:"MEM_HUGE_THRESHOLD" default:"2097152" yaml:"huge_threshold_bytes" toml:"huge_threshold_bytes" json:"huge_threshold_bytes"`
	WarmPoolPages      int    `envconfig:"MEM_WARM_POOL_PAGES" default:"64" yaml:"warm_pool_pages" toml:"warm_pool_pages" json:"warm_pool_pages"`
	CacheLineSize      uint64 `envconfig:"MEM_CACHE_LINE" default:"64" yaml:"cache_line_size" toml:"cache_line_size" json:"cache_line_size"`
}

// IPCConfig holds message queue configuration.
type IPCConfig struct {
	QueueCapacity   int    `envconfig:"IPC_QUEUE_CAPACITY" default:"256" yaml:"queue_capacity" toml:"queue_capacity" json:"queue_capacity"`
	InlineThreshold int    `envconfig:"IPC_INLINE_THRESHOLD" default:"512" yaml:"inline_threshold" toml:"inline_threshold" json:"inline_threshold"`
	MaxMessageBytes uint64 `envconfig:"IPC_MAX_MESSAGE_BYTES" default:"16777216" yaml:"max_message_bytes" toml:"max_message_bytes" json:"max_message_bytes"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:    "8000",
			Host:    "0.0.0.0",
			Enabled: true,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		Kernel: KernelConfig{
			Cores:           4,
			MaxTasks:        1024,
			EventBufferSize: 256,
		},
		Scheduler: SchedulerConfig{
			BaseQuantumMicros:    10000,
			MinQuantumMicros:     100,
			RealtimeFactor:       0.5,
			HighFactor:           0.75,
			NormalFactor:         1.0,
			LowFactor:            1.25,
			BackgroundFactor:     1.5,
			HistoryRatio:         0.1,
			CacheHotWindowMicros: 1000,
			CacheHotFactor:       1.2,
			CacheColdFactor:      0.8,
		},
		Memory: MemoryConfig{
			ArenaBytes:         64 << 20,
			PageSize:           4096,
			HugePageSize:       2 << 20,
			HugeThresholdBytes: 2 << 20,
			WarmPoolPages:      64,
			CacheLineSize:      64,
		},
		IPC: IPCConfig{
			QueueCapacity:   256,
			InlineThreshold: 512,
			MaxMessageBytes: 16 << 20,
		},
	}
}

// Validate checks structural constraints before the kernel is built.
func (c *Config) Validate() error {
	if c.Kernel.Cores == 0 {
		return fmt.Errorf("kernel: cores must be at least 1")
	}
	if c.Kernel.MaxTasks <= 0 {
		return fmt.Errorf("kernel: max_tasks must be positive")
	}
	if c.Kernel.EventBufferSize <= 0 {
		return fmt.Errorf("kernel: event buffer size must be positive")
	}
	if c.Scheduler.BaseQuantumMicros == 0 {
		return fmt.Errorf("scheduler: base quantum must be positive")
	}
	if c.Scheduler.MinQuantumMicros > c.Scheduler.BaseQuantumMicros {
		return fmt.Errorf("scheduler: min quantum exceeds base quantum")
	}
	ordered := []float64{
		c.Scheduler.RealtimeFactor,
		c.Scheduler.HighFactor,
		c.Scheduler.NormalFactor,
		c.Scheduler.LowFactor,
		c.Scheduler.BackgroundFactor,
	}
	for i, f := range ordered {
		if f <= 0 {
			return fmt.Errorf("scheduler: priority factors must be positive")
		}
		if i > 0 && f < ordered[i-1] {
			return fmt.Errorf("scheduler: priority factors must not shrink toward background")
		}
	}
	if c.Scheduler.CacheHotFactor < c.Scheduler.CacheColdFactor {
		return fmt.Errorf("scheduler: cache-hot factor below cache-cold factor")
	}
	if !isPowerOfTwo(c.Memory.PageSize) {
		return fmt.Errorf("memory: page size must be a power of two")
	}
	if c.Memory.HugePageSize%c.Memory.PageSize != 0 {
		return fmt.Errorf("memory: huge page size must be a page multiple")
	}
	if c.Memory.HugePageSize < c.Memory.PageSize {
		return fmt.Errorf("memory: huge page size below page size")
	}
	if c.Memory.ArenaBytes%c.Memory.PageSize != 0 {
		return fmt.Errorf("memory: arena size must be a page multiple")
	}
	if c.Memory.ArenaBytes == 0 {
		return fmt.Errorf("memory: arena size must be positive")
	}
	if !isPowerOfTwo(c.Memory.CacheLineSize) {
		return fmt.Errorf("memory: cache line size must be a power of two")
	}
	if c.IPC.QueueCapacity <= 0 {
		return fmt.Errorf("ipc: queue capacity must be positive")
	}
	if c.IPC.InlineThreshold < 0 {
		return fmt.Errorf("ipc: inline threshold must not be negative")
	}
	if uint64(c.IPC.InlineThreshold) > c.Memory.PageSize {
		return fmt.Errorf("ipc: inline threshold exceeds page size")
	}
	return nil
}

func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}
