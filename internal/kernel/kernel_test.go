package kernel

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/helixos/kernel/internal/infrastructure/config"
	"github.com/helixos/kernel/internal/kernel/capability"
	"github.com/helixos/kernel/internal/kernel/events"
	"github.com/helixos/kernel/internal/kernel/hal"
	"github.com/helixos/kernel/internal/kernel/ipc"
	"github.com/helixos/kernel/internal/kernel/memory"
	"github.com/helixos/kernel/internal/kernel/sched"
	"github.com/helixos/kernel/internal/shared/id"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Kernel.Cores = 2
	cfg.Memory.ArenaBytes = 1 << 20
	cfg.Memory.WarmPoolPages = 4
	return cfg
}

func newTestKernel(t *testing.T) (*Kernel, *hal.ManualClock) {
	t.Helper()
	clock := hal.NewManualClock()
	k, err := New(testConfig(), Options{Clock: clock})
	if err != nil {
		t.Fatalf("new kernel: %v", err)
	}
	return k, clock
}

type capSpec struct {
	typ    capability.Type
	rights capability.Rights
}

func addTask(t *testing.T, k *Kernel, p sched.Priority, caps ...capSpec) *sched.Task {
	t.Helper()
	space := capability.NewSpace()
	task := sched.NewTask(p, 0, space)
	for _, c := range caps {
		if err := space.Seed(capability.New(c.typ, c.rights, 0, task.ID())); err != nil {
			t.Fatalf("seed capability: %v", err)
		}
	}
	if err := k.AddTask(task); err != nil {
		t.Fatalf("add task: %v", err)
	}
	return task
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Kernel.Cores = 0
	if _, err := New(cfg, Options{}); err == nil {
		t.Fatal("expected a config validation error")
	}
}

func TestInitializeOnce(t *testing.T) {
	k, _ := newTestKernel(t)

	if k.BootID() != "" {
		t.Fatal("boot id minted before initialize")
	}
	if err := k.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if k.BootID() == "" {
		t.Fatal("boot id not minted")
	}
	if err := k.Initialize(); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second initialize error = %v, want ErrAlreadyInitialized", err)
	}
}

func TestRunRequiresInitialize(t *testing.T) {
	k, _ := newTestKernel(t)
	if err := k.Run(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("run error = %v, want ErrNotInitialized", err)
	}
}

func TestAddTaskLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Kernel.MaxTasks = 2
	k, err := New(cfg, Options{Clock: hal.NewManualClock()})
	if err != nil {
		t.Fatalf("new kernel: %v", err)
	}

	first := addTask(t, k, sched.PriorityNormal)
	addTask(t, k, sched.PriorityNormal)

	third := sched.NewTask(sched.PriorityNormal, 0, nil)
	if err := k.AddTask(third); !errors.Is(err, ErrTooManyTasks) {
		t.Fatalf("third add error = %v, want ErrTooManyTasks", err)
	}

	// Terminating a task frees an admission slot.
	if err := k.Scheduler().Terminate(first.ID()); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if err := k.AddTask(third); err != nil {
		t.Fatalf("add after terminate: %v", err)
	}
}

func TestAllocateForRights(t *testing.T) {
	k, _ := newTestKernel(t)

	plain := addTask(t, k, sched.PriorityNormal)
	if _, err := k.AllocateFor(plain.ID(), 4096, memory.TypeData, memory.FlagRead|memory.FlagWrite); !errors.Is(err, capability.ErrInsufficientRights) {
		t.Fatalf("uncapable allocate error = %v, want ErrInsufficientRights", err)
	}

	owner := addTask(t, k, sched.PriorityNormal, capSpec{capability.TypeMemory, capability.RightRead | capability.RightWrite})
	snap, err := k.AllocateFor(owner.ID(), 4096, memory.TypeData, memory.FlagRead|memory.FlagWrite)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if snap.Size != 4096 || snap.Owner != owner.ID() {
		t.Fatalf("snapshot = %+v", snap)
	}

	// Code regions demand Execute on top of Read|Write.
	if _, err := k.AllocateFor(owner.ID(), 4096, memory.TypeCode, memory.FlagRead); !errors.Is(err, capability.ErrInsufficientRights) {
		t.Fatalf("code allocate error = %v, want ErrInsufficientRights", err)
	}
	coder := addTask(t, k, sched.PriorityNormal, capSpec{capability.TypeMemory, capability.RightRead | capability.RightWrite | capability.RightExecute})
	if _, err := k.AllocateFor(coder.ID(), 4096, memory.TypeCode, memory.FlagRead|memory.FlagExecute); err != nil {
		t.Fatalf("code allocate with execute: %v", err)
	}

	if _, err := k.AllocateFor(id.TaskID(9999), 4096, memory.TypeData, memory.FlagRead); !errors.Is(err, sched.ErrTaskNotFound) {
		t.Fatalf("unknown task error = %v, want ErrTaskNotFound", err)
	}
}

func TestAllocateAndFreePublishEvents(t *testing.T) {
	k, _ := newTestKernel(t)
	owner := addTask(t, k, sched.PriorityNormal, capSpec{capability.TypeMemory, capability.RightRead | capability.RightWrite})

	sub := k.Events().Subscribe()
	defer sub.Close()

	snap, err := k.AllocateFor(owner.ID(), 4096, memory.TypeData, memory.FlagRead|memory.FlagWrite)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	ev := <-sub.Events()
	if ev.Kind != events.KindAlloc || ev.Task != owner.ID() || ev.Address != snap.Address || ev.Bytes != snap.Size {
		t.Fatalf("alloc event = %+v", ev)
	}

	if err := k.FreeFor(owner.ID(), snap.ID); err != nil {
		t.Fatalf("free: %v", err)
	}
	ev = <-sub.Events()
	if ev.Kind != events.KindFree || ev.Bytes != snap.Size {
		t.Fatalf("free event = %+v", ev)
	}

	if err := k.FreeFor(owner.ID(), snap.ID); !errors.Is(err, memory.ErrRegionNotFound) {
		t.Fatalf("double free error = %v, want ErrRegionNotFound", err)
	}
}

func TestAllocateForPublishesOOM(t *testing.T) {
	k, _ := newTestKernel(t)
	owner := addTask(t, k, sched.PriorityNormal, capSpec{capability.TypeMemory, capability.RightRead | capability.RightWrite})

	sub := k.Events().Subscribe()
	defer sub.Close()

	if _, err := k.AllocateFor(owner.ID(), 8<<20, memory.TypeData, memory.FlagRead|memory.FlagWrite); !errors.Is(err, memory.ErrOutOfMemory) {
		t.Fatalf("oversized allocate error = %v, want ErrOutOfMemory", err)
	}
	ev := <-sub.Events()
	if ev.Kind != events.KindOOM || ev.Task != owner.ID() || ev.Bytes != 8<<20 {
		t.Fatalf("oom event = %+v", ev)
	}
}

func TestShareForRequiresGrant(t *testing.T) {
	k, _ := newTestKernel(t)

	owner := addTask(t, k, sched.PriorityNormal, capSpec{capability.TypeMemory, capability.RightRead | capability.RightWrite})
	target := addTask(t, k, sched.PriorityNormal)

	snap, err := k.AllocateFor(owner.ID(), 4096, memory.TypeShared, memory.FlagRead|memory.FlagWrite)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if _, err := k.ShareFor(owner.ID(), snap.ID, target.ID(), memory.FlagRead); !errors.Is(err, capability.ErrInsufficientRights) {
		t.Fatalf("grantless share error = %v, want ErrInsufficientRights", err)
	}

	granter := addTask(t, k, sched.PriorityNormal, capSpec{capability.TypeMemory, capability.RightRead | capability.RightWrite | capability.RightGrant})
	gsnap, err := k.AllocateFor(granter.ID(), 4096, memory.TypeShared, memory.FlagRead|memory.FlagWrite)
	if err != nil {
		t.Fatalf("allocate for granter: %v", err)
	}
	alias, err := k.ShareFor(granter.ID(), gsnap.ID, target.ID(), memory.FlagRead)
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if alias.ID == gsnap.ID || alias.Owner != target.ID() || alias.Address != gsnap.Address {
		t.Fatalf("alias = %+v", alias)
	}
}

func TestMapDeviceForRights(t *testing.T) {
	k, _ := newTestKernel(t)

	plain := addTask(t, k, sched.PriorityNormal, capSpec{capability.TypeMemory, capability.RightRead | capability.RightWrite})
	if _, err := k.MapDeviceFor(plain.ID(), 0xFE000000, 4096, memory.FlagRead|memory.FlagWrite); !errors.Is(err, capability.ErrInsufficientRights) {
		t.Fatalf("deviceless map error = %v, want ErrInsufficientRights", err)
	}

	driver := addTask(t, k, sched.PriorityNormal, capSpec{capability.TypeDevice, capability.RightRead | capability.RightWrite})
	snap, err := k.MapDeviceFor(driver.ID(), 0xFE000000, 4096, memory.FlagRead|memory.FlagWrite)
	if err != nil {
		t.Fatalf("map device: %v", err)
	}
	if !snap.Device || snap.Address != 0xFE000000 {
		t.Fatalf("device snapshot = %+v", snap)
	}
}

func TestSendFromStampsSenderAndChecksRights(t *testing.T) {
	k, _ := newTestKernel(t)

	a := addTask(t, k, sched.PriorityNormal, capSpec{capability.TypeIPC, capability.RightWrite})
	b := addTask(t, k, sched.PriorityNormal, capSpec{capability.TypeIPC, capability.RightRead})
	mute := addTask(t, k, sched.PriorityNormal)

	// Crossing a task boundary without IPC Write is refused.
	msg := ipc.NewMessage(ipc.MessageData, 0, b.ID(), 0, ipc.InlinePayload([]byte("hi")))
	if err := k.SendFrom(mute.ID(), msg); !errors.Is(err, capability.ErrInsufficientRights) {
		t.Fatalf("uncapable send error = %v, want ErrInsufficientRights", err)
	}

	// A self-send needs no capability.
	self := ipc.NewMessage(ipc.MessageData, 0, mute.ID(), 0, ipc.InlinePayload([]byte("note")))
	if err := k.SendFrom(mute.ID(), self); err != nil {
		t.Fatalf("self send: %v", err)
	}

	// The sender field is stamped from the acting task, not the message.
	forged := ipc.NewMessage(ipc.MessageData, 777, b.ID(), 0, ipc.InlinePayload([]byte("x")))
	if err := k.SendFrom(a.ID(), forged); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := k.ReceiveFor(b.ID(), 0)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got.Sender != a.ID() {
		t.Fatalf("sender = %d, want %d", got.Sender, a.ID())
	}

	// Receiving without IPC Read is refused even with mail waiting.
	if _, err := k.ReceiveFor(mute.ID(), 0); !errors.Is(err, capability.ErrInsufficientRights) {
		t.Fatalf("uncapable receive error = %v, want ErrInsufficientRights", err)
	}
}

func TestControlMailbox(t *testing.T) {
	k, _ := newTestKernel(t)
	task := addTask(t, k, sched.PriorityNormal)

	sub := k.Events().Subscribe()
	defer sub.Close()

	if err := k.BlockTask(task.ID()); err != nil {
		t.Fatalf("block: %v", err)
	}
	if err := k.PostWake(task.ID()); err != nil {
		t.Fatalf("post wake: %v", err)
	}
	k.drainControl()

	snap, ok := k.Scheduler().Lookup(task.ID())
	if !ok || snap.State != sched.StateReady {
		t.Fatalf("task state = %+v, want ready", snap)
	}
	if ev := <-sub.Events(); ev.Kind != events.KindBlock {
		t.Fatalf("first event = %+v, want block", ev)
	}
	if ev := <-sub.Events(); ev.Kind != events.KindWake || ev.Task != task.ID() {
		t.Fatalf("second event = %+v, want wake", ev)
	}

	if err := k.PostTerminate(task.ID()); err != nil {
		t.Fatalf("post terminate: %v", err)
	}
	k.drainControl()
	if _, ok := k.Scheduler().Lookup(task.ID()); ok {
		t.Fatal("task survived terminate")
	}

	// Malformed control payloads are dropped, not fatal.
	junk := ipc.NewMessage(ipc.MessageSignal, k.control, k.control, 0, ipc.InlinePayload([]byte("not json")))
	if err := k.ipc.Send(junk); err != nil {
		t.Fatalf("send junk: %v", err)
	}
	k.drainControl()
}

func TestStatsAggregates(t *testing.T) {
	k, _ := newTestKernel(t)

	pre := k.Stats()
	if pre.Initialized || pre.BootID != "" || pre.UptimeSeconds != 0 {
		t.Fatalf("pre-boot stats = %+v", pre)
	}

	if err := k.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	owner := addTask(t, k, sched.PriorityNormal, capSpec{capability.TypeMemory, capability.RightRead | capability.RightWrite})
	if _, err := k.AllocateFor(owner.ID(), 4096, memory.TypeData, memory.FlagRead|memory.FlagWrite); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	st := k.Stats()
	if !strings.HasPrefix(st.InstanceID.String(), id.InstancePrefix+"_") {
		t.Fatalf("instance id = %q", st.InstanceID)
	}
	if st.BootID == "" || !st.Initialized {
		t.Fatalf("boot identity missing: %+v", st)
	}
	if st.Cores != 2 {
		t.Fatalf("cores = %d, want 2", st.Cores)
	}
	if st.Scheduler.Tasks != 1 {
		t.Fatalf("scheduler tasks = %d, want 1", st.Scheduler.Tasks)
	}
	if st.Memory.Regions != 1 {
		t.Fatalf("memory regions = %d, want 1", st.Memory.Regions)
	}
	if st.Events.Published == 0 {
		t.Fatal("no events published")
	}
	if st.Tunables.BaseQuantumMicros != 10000 {
		t.Fatalf("base quantum = %d, want 10000", st.Tunables.BaseQuantumMicros)
	}
}

func TestRunDispatchesUntilCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Kernel.Cores = 1

	started := make(chan struct{})
	var once sync.Once
	k, err := New(cfg, Options{
		Clock: hal.NewManualClock(),
		Runner: func(ctx context.Context, core uint32, task sched.TaskSnapshot) {
			once.Do(func() { close(started) })
		},
	})
	if err != nil {
		t.Fatalf("new kernel: %v", err)
	}
	if err := k.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	task := addTask(t, k, sched.PriorityNormal)

	sub := k.Events().Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("runner never invoked")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}

	ev := <-sub.Events()
	if ev.Kind != events.KindDispatch || ev.Task != task.ID() || ev.Core != 0 {
		t.Fatalf("dispatch event = %+v", ev)
	}
}

// The full path: a realtime task preempts a normal one, blocks, the normal
// task resumes and sends it a large message, a control wake readies the
// receiver, and delivery hands over intact bytes while reclaiming the
// spilled backing region.
func TestEndToEndMessagePassing(t *testing.T) {
	k, _ := newTestKernel(t)
	if err := k.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	a := addTask(t, k, sched.PriorityNormal, capSpec{capability.TypeIPC, capability.RightWrite})
	snap, ok := k.Scheduler().Schedule(0)
	if !ok || snap.ID != a.ID() {
		t.Fatalf("first dispatch = %+v, want task %d", snap, a.ID())
	}

	b := addTask(t, k, sched.PriorityRealtime, capSpec{capability.TypeIPC, capability.RightRead})
	snap, ok = k.Scheduler().Schedule(0)
	if !ok || snap.ID != b.ID() {
		t.Fatalf("realtime dispatch = %+v, want task %d", snap, b.ID())
	}
	if got := k.Scheduler().Stats().Preemptions; got != 1 {
		t.Fatalf("preemptions = %d, want 1", got)
	}

	if err := k.BlockTask(b.ID()); err != nil {
		t.Fatalf("block: %v", err)
	}
	snap, ok = k.Scheduler().Schedule(0)
	if !ok || snap.ID != a.ID() {
		t.Fatalf("resume dispatch = %+v, want task %d", snap, a.ID())
	}

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	msg := ipc.NewMessage(ipc.MessageData, 0, b.ID(), 0, ipc.InlinePayload(payload))
	if err := k.SendFrom(a.ID(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	// The oversized payload spilled into a queue-owned region.
	if got := k.Memory().Stats().Regions; got != 1 {
		t.Fatalf("in-flight regions = %d, want 1", got)
	}

	if err := k.PostWake(b.ID()); err != nil {
		t.Fatalf("post wake: %v", err)
	}
	k.drainControl()

	got, err := k.ReceiveFor(b.ID(), 0)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got.Sender != a.ID() || got.Payload.Kind != ipc.PayloadInline {
		t.Fatalf("delivered message = %+v", got)
	}
	if !bytes.Equal(got.Payload.Inline, payload) {
		t.Fatal("payload bytes corrupted in transit")
	}

	// Delivery reclaimed the backing region.
	if got := k.Memory().Stats().Regions; got != 0 {
		t.Fatalf("regions after delivery = %d, want 0", got)
	}
}
