package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/helixos/kernel/internal/infrastructure/config"
	"github.com/helixos/kernel/internal/infrastructure/server"
	"github.com/helixos/kernel/internal/kernel"
	"github.com/helixos/kernel/internal/kernel/capability"
	"github.com/helixos/kernel/internal/kernel/hal"
	"github.com/helixos/kernel/internal/kernel/sched"
)

func main() {
	port := flag.String("port", "", "Override the server port")
	configPath := flag.String("config", "", "Path to a YAML/TOML/JSON config file")
	demo := flag.Int("demo", 0, "Seed this many demo tasks at boot")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	} else {
		cfg = config.LoadOrDefault()
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	srv, err := server.NewServer(cfg, burnRunner)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if *demo > 0 {
		seedDemoTasks(srv.Kernel(), *demo)
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-sigChan:
		log.Println("Shutting down gracefully...")
		if err := srv.Close(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	case err := <-errChan:
		log.Fatalf("Server error: %v", err)
	}
}

// burnRunner is the hosted stand-in for a context switch: it holds the
// slice for roughly the task's quantum, yielding the core the whole way.
func burnRunner(ctx context.Context, _ uint32, task sched.TaskSnapshot) {
	deadline := time.Now().Add(time.Duration(task.QuantumMicros) * time.Microsecond)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		hal.Relax()
	}
}

// seedDemoTasks populates the scheduler so a fresh boot has activity to
// introspect.
func seedDemoTasks(k *kernel.Kernel, n int) {
	priorities := []sched.Priority{sched.PriorityHigh, sched.PriorityNormal, sched.PriorityLow}
	for i := 0; i < n; i++ {
		space := capability.NewSpace()
		task := sched.NewTask(priorities[i%len(priorities)], 0, space)
		err := space.Seed(
			capability.New(capability.TypeIPC, capability.RightRead|capability.RightWrite, 0, task.ID()),
			capability.New(capability.TypeMemory, capability.RightRead|capability.RightWrite, 0, task.ID()),
		)
		if err != nil {
			log.Printf("Warning: failed to seed capabilities: %v", err)
			continue
		}
		if err := k.AddTask(task); err != nil {
			log.Printf("Warning: failed to add demo task: %v", err)
			return
		}
	}
	log.Printf("Seeded %d demo tasks", n)
}
