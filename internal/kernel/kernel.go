// Package kernel assembles the core components behind one explicitly
// constructed owner. Nothing in here is a global: every collaborator is
// injected or built in New, and external services reach the components
// through accessors or the capability-gated façade.
package kernel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/helixos/kernel/internal/infrastructure/config"
	"github.com/helixos/kernel/internal/infrastructure/logging"
	"github.com/helixos/kernel/internal/infrastructure/monitoring"
	"github.com/helixos/kernel/internal/kernel/capability"
	"github.com/helixos/kernel/internal/kernel/events"
	"github.com/helixos/kernel/internal/kernel/hal"
	"github.com/helixos/kernel/internal/kernel/ipc"
	"github.com/helixos/kernel/internal/kernel/memory"
	"github.com/helixos/kernel/internal/kernel/sched"
	"github.com/helixos/kernel/internal/shared/id"
)

var (
	// ErrAlreadyInitialized means Initialize was called twice.
	ErrAlreadyInitialized = errors.New("kernel already initialized")
	// ErrNotInitialized means Run was called before Initialize.
	ErrNotInitialized = errors.New("kernel not initialized")
	// ErrTooManyTasks means the task admission limit is reached.
	ErrTooManyTasks = errors.New("task limit reached")
)

// Runner executes one dispatched slice. The hosted build installs a
// cooperative burn loop; a real platform would context-switch here.
type Runner func(ctx context.Context, core uint32, task sched.TaskSnapshot)

// Options carries optional collaborators for New. Zero values fall back
// to the hosted platform layer, a nop logger, and no runner.
type Options struct {
	Clock   hal.Clock
	Mapper  memory.PageMapper
	Metrics *monitoring.Metrics
	Logger  *logging.Logger
	Runner  Runner
}

// Kernel owns the scheduler, memory manager, message queue, and event
// bus of one kernel instance.
type Kernel struct {
	cfg     *config.Config
	runtime *config.Runtime

	host   *hal.Host
	clock  hal.Clock
	sched  *sched.Scheduler
	memory *memory.Manager
	ipc    *ipc.Queue
	bus    *events.Bus

	metrics *monitoring.Metrics
	log     *logging.Logger
	runner  Runner

	instanceID id.InstanceID
	control    id.TaskID

	mu          sync.Mutex
	initialized bool      // Protected by mu
	bootID      id.BootID // Protected by mu
	startedAt   time.Time // Protected by mu
}

// New builds a kernel from validated configuration. The control mailbox
// task id is minted here; it owns the mailbox that IRQ handlers and
// services post wake/terminate messages to.
func New(cfg *config.Config, opts Options) (*Kernel, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	host := hal.NewHost(cfg.Kernel.Cores)
	clock := opts.Clock
	if clock == nil {
		clock = host
	}
	var mapper memory.PageMapper = host
	if opts.Mapper != nil {
		mapper = opts.Mapper
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}

	rt := config.NewRuntime(cfg)
	scheduler := sched.NewScheduler(clock, sched.NewPolicy(cfg.Scheduler, rt), cfg.Kernel.Cores)
	mem := memory.NewManager(cfg.Memory, clock, mapper)
	queue := ipc.NewQueue(cfg.IPC, rt, clock, mem)
	if opts.Metrics != nil {
		scheduler.WithMetrics(opts.Metrics)
		mem.WithMetrics(opts.Metrics)
		queue.WithMetrics(opts.Metrics)
	}

	return &Kernel{
		cfg:        cfg,
		runtime:    rt,
		host:       host,
		clock:      clock,
		sched:      scheduler,
		memory:     mem,
		ipc:        queue,
		bus:        events.NewBus(clock, cfg.Kernel.EventBufferSize),
		metrics:    opts.Metrics,
		log:        log.WithComponent("kernel"),
		runner:     opts.Runner,
		instanceID: id.NewInstanceID(),
		control:    id.NewTaskID(),
	}, nil
}

// Initialize marks the instance booted. Idempotence is rejected rather
// than absorbed so a double boot is visible to the caller.
func (k *Kernel) Initialize() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.initialized {
		return ErrAlreadyInitialized
	}
	k.initialized = true
	k.bootID = id.NewBootID()
	k.startedAt = time.Now()

	k.log.Info("kernel initialized",
		zap.String("instance", k.instanceID.String()),
		zap.String("boot", k.bootID.String()),
		zap.Uint32("cores", k.sched.Cores()),
		zap.Uint64("arena_bytes", k.cfg.Memory.ArenaBytes),
	)
	return nil
}

// Scheduler returns the task scheduler.
func (k *Kernel) Scheduler() *sched.Scheduler { return k.sched }

// Memory returns the memory manager.
func (k *Kernel) Memory() *memory.Manager { return k.memory }

// IPC returns the message queue.
func (k *Kernel) IPC() *ipc.Queue { return k.ipc }

// Events returns the event bus.
func (k *Kernel) Events() *events.Bus { return k.bus }

// Runtime returns the live tunables.
func (k *Kernel) Runtime() *config.Runtime { return k.runtime }

// Config returns the construction-time configuration.
func (k *Kernel) Config() *config.Config { return k.cfg }

// Host returns the hosted platform layer backing defaulted collaborators.
func (k *Kernel) Host() *hal.Host { return k.host }

// InstanceID returns the identity minted at construction.
func (k *Kernel) InstanceID() id.InstanceID { return k.instanceID }

// BootID returns the identity minted at Initialize, empty before boot.
func (k *Kernel) BootID() id.BootID {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.bootID
}

// ControlTask returns the task id owning the kernel control mailbox.
func (k *Kernel) ControlTask() id.TaskID { return k.control }

// AddTask admits a task, enforcing the live task limit.
func (k *Kernel) AddTask(t *sched.Task) error {
	if k.sched.Stats().Tasks >= k.runtime.MaxTasks() {
		return ErrTooManyTasks
	}
	k.sched.AddTask(t)
	return nil
}

// BlockTask parks a task and reports the edge on the event bus.
func (k *Kernel) BlockTask(taskID id.TaskID) error {
	if err := k.sched.BlockTask(taskID); err != nil {
		return err
	}
	k.bus.Publish(events.Block(taskID))
	return nil
}

// WakeTask readies a blocked task and reports the edge on the event bus.
func (k *Kernel) WakeTask(taskID id.TaskID) error {
	if err := k.sched.WakeTask(taskID); err != nil {
		return err
	}
	k.bus.Publish(events.Wake(taskID))
	return nil
}

// AllocateFor allocates a region on behalf of a task. It requires a
// Memory capability with Read|Write, plus Execute for Code regions.
func (k *Kernel) AllocateFor(taskID id.TaskID, size uint64, typ memory.Type, flags memory.Flags) (memory.RegionSnapshot, error) {
	timer := monitoring.NewTimer(k.metrics, "memory", "allocate")
	need := capability.RightRead | capability.RightWrite
	if typ == memory.TypeCode {
		need |= capability.RightExecute
	}
	if err := k.check(taskID, capability.TypeMemory, need); err != nil {
		timer.Stop("denied")
		return memory.RegionSnapshot{}, err
	}

	snap, err := k.memory.Allocate(taskID, size, typ, flags)
	if err != nil {
		timer.Stop("error")
		if errors.Is(err, memory.ErrOutOfMemory) {
			k.bus.Publish(events.OOM(taskID, size))
		}
		return memory.RegionSnapshot{}, err
	}
	timer.Stop("success")
	k.bus.Publish(events.Alloc(taskID, snap.Address, snap.Size))
	return snap, nil
}

// FreeFor releases a region on behalf of a task. It requires a Memory
// capability with Write.
func (k *Kernel) FreeFor(taskID id.TaskID, regionID id.RegionID) error {
	timer := monitoring.NewTimer(k.metrics, "memory", "free")
	if err := k.check(taskID, capability.TypeMemory, capability.RightWrite); err != nil {
		timer.Stop("denied")
		return err
	}

	snap, ok := k.memory.Region(regionID)
	if !ok {
		timer.Stop("error")
		return memory.ErrRegionNotFound
	}
	if err := k.memory.Free(regionID); err != nil {
		timer.Stop("error")
		return err
	}
	timer.Stop("success")
	k.bus.Publish(events.Free(taskID, snap.Address, snap.Size))
	return nil
}

// ShareFor aliases a shared region to a target task on behalf of the
// owner. It requires a Memory capability with Grant.
func (k *Kernel) ShareFor(taskID id.TaskID, regionID id.RegionID, target id.TaskID, flags memory.Flags) (memory.RegionSnapshot, error) {
	timer := monitoring.NewTimer(k.metrics, "memory", "share")
	if err := k.check(taskID, capability.TypeMemory, capability.RightGrant); err != nil {
		timer.Stop("denied")
		return memory.RegionSnapshot{}, err
	}

	snap, err := k.memory.Share(regionID, target, flags)
	if err != nil {
		timer.Stop("error")
		return memory.RegionSnapshot{}, err
	}
	timer.Stop("success")
	k.bus.Publish(events.Alloc(target, snap.Address, snap.Size))
	return snap, nil
}

// MapDeviceFor maps a device window on behalf of a task. It requires a
// Device capability with Read|Write.
func (k *Kernel) MapDeviceFor(taskID id.TaskID, phys, size uint64, flags memory.Flags) (memory.RegionSnapshot, error) {
	timer := monitoring.NewTimer(k.metrics, "memory", "map_device")
	if err := k.check(taskID, capability.TypeDevice, capability.RightRead|capability.RightWrite); err != nil {
		timer.Stop("denied")
		return memory.RegionSnapshot{}, err
	}

	snap, err := k.memory.MapDevice(taskID, phys, size, flags)
	if err != nil {
		timer.Stop("error")
		return memory.RegionSnapshot{}, err
	}
	timer.Stop("success")
	k.bus.Publish(events.Alloc(taskID, snap.Address, snap.Size))
	return snap, nil
}

// SendFrom sends a message on behalf of a task. The sender field is
// stamped from taskID; crossing a task boundary requires an IPC
// capability with Write. Self-sends need no capability.
func (k *Kernel) SendFrom(taskID id.TaskID, msg ipc.Message) error {
	timer := monitoring.NewTimer(k.metrics, "ipc", "send")
	msg.Sender = taskID
	if msg.Receiver != taskID {
		if err := k.check(taskID, capability.TypeIPC, capability.RightWrite); err != nil {
			timer.Stop("denied")
			return err
		}
	}

	if err := k.ipc.Send(msg); err != nil {
		timer.Stop("error")
		return err
	}
	timer.Stop("success")
	k.bus.Publish(events.Send(taskID, msg.Receiver, msg.Payload.Bytes()))
	return nil
}

// ReceiveFor receives the next message for a task. It requires an IPC
// capability with Read.
func (k *Kernel) ReceiveFor(taskID id.TaskID, timeoutMicros uint64) (ipc.Message, error) {
	timer := monitoring.NewTimer(k.metrics, "ipc", "receive")
	if err := k.check(taskID, capability.TypeIPC, capability.RightRead); err != nil {
		timer.Stop("denied")
		return ipc.Message{}, err
	}

	msg, err := k.ipc.Receive(taskID, timeoutMicros)
	if err != nil {
		timer.Stop("error")
		return ipc.Message{}, err
	}
	timer.Stop("success")
	k.bus.Publish(events.Receive(taskID, msg.Sender, msg.Payload.Bytes()))
	return msg, nil
}

// check resolves a task's capability space and tests the requested
// rights. Missing tasks and missing rights are both authorization
// failures from the caller's point of view.
func (k *Kernel) check(taskID id.TaskID, typ capability.Type, rights capability.Rights) error {
	space, ok := k.sched.CapabilitiesOf(taskID)
	if !ok {
		return sched.ErrTaskNotFound
	}
	allowed := space.Check(typ, rights)
	if k.metrics != nil {
		k.metrics.RecordCapabilityCheck(allowed)
	}
	if !allowed {
		return capability.ErrInsufficientRights
	}
	return nil
}

// Control ops accepted on the kernel mailbox.
const (
	controlWake      = "wake"
	controlTerminate = "terminate"
)

type controlMessage struct {
	Op   string    `json:"op"`
	Task id.TaskID `json:"task"`
}

// PostWake queues a wake request on the control mailbox. Signals bypass
// mailbox capacity, so this is safe from IRQ handlers.
func (k *Kernel) PostWake(task id.TaskID) error {
	return k.postControl(controlWake, task)
}

// PostTerminate queues a terminate request on the control mailbox.
func (k *Kernel) PostTerminate(task id.TaskID) error {
	return k.postControl(controlTerminate, task)
}

func (k *Kernel) postControl(op string, task id.TaskID) error {
	body, err := sonic.Marshal(controlMessage{Op: op, Task: task})
	if err != nil {
		return err
	}
	return k.ipc.Send(ipc.NewMessage(ipc.MessageSignal, k.control, k.control, 0, ipc.InlinePayload(body)))
}

// drainControl empties the control mailbox without blocking.
func (k *Kernel) drainControl() {
	for {
		msg, err := k.ipc.Receive(k.control, 0)
		if err != nil {
			return
		}
		k.handleControl(msg)
	}
}

func (k *Kernel) handleControl(msg ipc.Message) {
	var cm controlMessage
	if err := sonic.Unmarshal(msg.Payload.Inline, &cm); err != nil {
		k.log.Debug("dropping malformed control message", zap.Error(err))
		return
	}

	switch cm.Op {
	case controlWake:
		if err := k.sched.WakeTask(cm.Task); err != nil {
			k.log.Debug("control wake rejected", zap.Uint64("task", cm.Task.Uint64()), zap.Error(err))
			return
		}
		k.bus.Publish(events.Wake(cm.Task))
	case controlTerminate:
		if err := k.sched.Terminate(cm.Task); err != nil {
			k.log.Debug("control terminate rejected", zap.Uint64("task", cm.Task.Uint64()), zap.Error(err))
		}
	default:
		k.log.Debug("unknown control op", zap.String("op", cm.Op))
	}
}

// Run drives one scheduling loop per configured core until ctx is
// canceled. Each pass schedules, hands the slice to the runner, drains
// the control mailbox, and yields.
func (k *Kernel) Run(ctx context.Context) error {
	k.mu.Lock()
	ready := k.initialized
	k.mu.Unlock()
	if !ready {
		return ErrNotInitialized
	}

	k.log.Info("kernel running", zap.Uint32("cores", k.sched.Cores()))

	var wg sync.WaitGroup
	for core := uint32(0); core < k.sched.Cores(); core++ {
		wg.Add(1)
		go func(core uint32) {
			defer wg.Done()
			k.runCore(ctx, core)
		}(core)
	}
	wg.Wait()

	k.log.Info("kernel stopped")
	return nil
}

func (k *Kernel) runCore(ctx context.Context, core uint32) {
	// A dispatch event fires only when the slice actually changes hands;
	// keeping the current task mid-quantum is not a new dispatch.
	var lastID id.TaskID
	var lastSwitches uint64

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if snap, ok := k.sched.Schedule(core); ok {
			if snap.ID != lastID || snap.Switches != lastSwitches {
				lastID, lastSwitches = snap.ID, snap.Switches
				k.bus.Publish(events.Dispatch(snap.ID, core, snap.QuantumMicros))
			}
			if k.runner != nil {
				k.runner(ctx, core, snap)
			}
		}

		k.drainControl()
		hal.Relax()
	}
}

// Stats is the aggregated view across every component.
type Stats struct {
	InstanceID    id.InstanceID          `json:"instance_id"`
	BootID        id.BootID              `json:"boot_id"`
	Initialized   bool                   `json:"initialized"`
	UptimeSeconds float64                `json:"uptime_seconds"`
	Cores         uint32                 `json:"cores"`
	Scheduler     sched.Stats            `json:"scheduler"`
	Memory        memory.Stats           `json:"memory"`
	IPC           ipc.Stats              `json:"ipc"`
	Events        events.Stats           `json:"events"`
	Tunables      config.RuntimeSnapshot `json:"tunables"`
}

// Stats aggregates component counters plus instance identity and uptime.
func (k *Kernel) Stats() Stats {
	k.mu.Lock()
	initialized := k.initialized
	boot := k.bootID
	var uptime float64
	if initialized {
		uptime = time.Since(k.startedAt).Seconds()
	}
	k.mu.Unlock()

	return Stats{
		InstanceID:    k.instanceID,
		BootID:        boot,
		Initialized:   initialized,
		UptimeSeconds: uptime,
		Cores:         k.sched.Cores(),
		Scheduler:     k.sched.Stats(),
		Memory:        k.memory.Stats(),
		IPC:           k.ipc.Stats(),
		Events:        k.bus.Stats(),
		Tunables:      k.runtime.Snapshot(),
	}
}
