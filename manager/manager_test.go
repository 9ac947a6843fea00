package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	dp "github.com/xmidt-org/devicepool"
)

type fakeMonitor struct {
	mu        sync.Mutex
	ready     bool
	release   chan struct{}
	waitCalls int
	states    []dp.RuntimeState
}

func (m *fakeMonitor) WaitForShell(ctx context.Context, deadline time.Duration) bool {
	m.mu.Lock()
	m.waitCalls++
	release := m.release
	ready := m.ready
	m.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return false
		}
	}
	return ready
}

func (m *fakeMonitor) SetState(s dp.RuntimeState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, s)
}

func (m *fakeMonitor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waitCalls
}

func (m *fakeMonitor) stateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

type fakeConfig struct {
	mu       sync.Mutex
	opts     dp.Options
	monitors map[dp.Serial]dp.DeviceStateMonitor
}

func newFakeConfig(opts dp.Options) *fakeConfig {
	return &fakeConfig{opts: opts, monitors: make(map[dp.Serial]dp.DeviceStateMonitor)}
}

func (c *fakeConfig) DefaultSelector() dp.Selector { return dp.AnyDevice() }
func (c *fakeConfig) Options() dp.Options          { return c.opts }
func (c *fakeConfig) DeviceMonitor(serial dp.Serial) dp.DeviceStateMonitor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.monitors[serial]
}
func (c *fakeConfig) setMonitor(serial dp.Serial, mon dp.DeviceStateMonitor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.monitors[serial] = mon
}

type fakeRunner struct{}

func (fakeRunner) RunTimedCmd(ctx context.Context, timeout time.Duration, argv []string) (dp.CmdResult, error) {
	return dp.CmdResult{}, dp.ErrDeviceNotAvailable
}
func (fakeRunner) RunInBackground(argv []string) (dp.Process, error) {
	return nil, dp.ErrDeviceNotAvailable
}
func (fakeRunner) Sleep(d time.Duration) {}

type fakeProcess struct {
	alive bool
}

func (p *fakeProcess) Pid() (int, bool) { return 4242, true }
func (p *fakeProcess) Alive() bool      { return p.alive }
func (p *fakeProcess) Destroy() error   { p.alive = false; return nil }
func (p *fakeProcess) Wait() error      { return nil }

type recordingStateListener struct {
	mu    sync.Mutex
	calls []string
}

func (l *recordingStateListener) OnAllocationStateChanged(serial dp.Serial, old, new dp.AllocationState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, string(serial)+":"+old.String()+"->"+new.String())
}

func (l *recordingStateListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	copy(out, l.calls)
	return out
}

func newTestManager(t *testing.T, cfg *fakeConfig) *Manager {
	t.Helper()
	m := New(Config{
		ConfigProvider: cfg,
		Runner:         fakeRunner{},
		SyncProber:     true,
	})
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return m
}

func TestAllocateHappyPathAfterDiscovery(t *testing.T) {
	cfg := newFakeConfig(dp.DefaultOptions())
	mon := &fakeMonitor{ready: true}
	cfg.setMonitor("A1", mon)
	m := newTestManager(t, cfg)

	listener := &recordingStateListener{}
	m.AddStateListener(listener)

	m.OnConnected(dp.Device{Serial: "A1", Variant: dp.VariantReal, Product: "walleye"})

	h, err := m.AllocateTimeout(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h == nil {
		t.Fatal("expected a handle, got nil")
	}
	if h.Serial() != "A1" {
		t.Fatalf("unexpected serial: %s", h.Serial())
	}

	calls := listener.snapshot()
	want := []string{"A1:Unavailable->Checking", "A1:Checking->Available", "A1:Available->Allocated"}
	if len(calls) != len(want) {
		t.Fatalf("unexpected notification sequence: %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("notification %d: expected %s, got %s", i, want[i], calls[i])
		}
	}
}

func TestDuplicateDiscoveryIgnoredWhileInFlight(t *testing.T) {
	cfg := newFakeConfig(dp.DefaultOptions())
	mon := &fakeMonitor{ready: true, release: make(chan struct{})}
	cfg.setMonitor("A1", mon)

	m := New(Config{ConfigProvider: cfg, Runner: fakeRunner{}}) // async prober
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}

	m.OnConnected(dp.Device{Serial: "A1", Variant: dp.VariantReal})
	// Give the async discover goroutine a moment to register in the
	// checking table before the duplicate arrives.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && mon.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	if mon.callCount() != 1 {
		t.Fatalf("expected exactly one in-flight probe, got %d", mon.callCount())
	}

	m.OnConnected(dp.Device{Serial: "A1", Variant: dp.VariantReal})
	close(mon.release)

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(m.ListAvailable()) == 0 {
		time.Sleep(time.Millisecond)
	}

	if mon.callCount() != 1 {
		t.Fatalf("expected the duplicate discovery not to start a second probe, got %d calls", mon.callCount())
	}
	if mon.stateCount() != 1 {
		t.Fatalf("expected the duplicate to forward one state push, got %d", mon.stateCount())
	}
}

func TestForceAllocateAbsentSerialMintsTcpStub(t *testing.T) {
	cfg := newFakeConfig(dp.DefaultOptions())
	m := newTestManager(t, cfg)

	listener := &recordingStateListener{}
	m.AddStateListener(listener)

	h, err := m.ForceAllocate(context.Background(), "10.0.0.5:5555")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Device().Variant != dp.VariantTcpStub {
		t.Fatalf("expected a minted TcpStub, got %s", h.Device().Variant)
	}
	calls := listener.snapshot()
	if len(calls) != 1 || calls[0] != "10.0.0.5:5555:Unavailable->Allocated" {
		t.Fatalf("unexpected notification sequence: %v", calls)
	}

	if _, err := m.ForceAllocate(context.Background(), "10.0.0.5:5555"); err != dp.ErrAlreadyAllocated {
		t.Fatalf("expected ErrAlreadyAllocated, got %v", err)
	}
}

func TestFreeWithAttachedProcessForcesAvailable(t *testing.T) {
	opts := dp.DefaultOptions()
	opts.MaxEmulators = 1
	opts.MaxNullDevices = 0
	cfg := newFakeConfig(opts)
	m := newTestManager(t, cfg)

	h, err := m.ForceAllocate(context.Background(), "emulator-5554")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.AttachProcess(&fakeProcess{alive: false})

	if err := m.Free(h, dp.DispositionUnavailable); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found := false
	for _, d := range m.queue.Snapshot() {
		if d.Serial == "emulator-5554" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the emulator slot to return to the available pool despite DispositionUnavailable")
	}
}

func TestTerminateHardAbortsAllocatedHandles(t *testing.T) {
	cfg := newFakeConfig(dp.DefaultOptions())
	m := newTestManager(t, cfg)

	h, err := m.ForceAllocate(context.Background(), "A1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.TerminateHard(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := h.CheckAborted(); err != dp.ErrSessionAborted {
		t.Fatalf("expected ErrSessionAborted, got %v", err)
	}
	if m.registry.Contains("A1") {
		t.Fatal("expected the registry to no longer contain the terminated serial")
	}
}

func TestForceAllocateEnrichesFromDeviceInfoCache(t *testing.T) {
	cfg := newFakeConfig(dp.DefaultOptions())
	mon := &fakeMonitor{ready: true}
	cfg.setMonitor("A1", mon)
	m := newTestManager(t, cfg)

	m.OnConnected(dp.Device{Serial: "A1", Variant: dp.VariantReal, Product: "walleye", BuildID: "QP1A.1", Battery: 91})

	// The prober promoted A1 into the queue; take it back out again so
	// ForceAllocate finds neither a queue nor a registry entry and mints a
	// fresh stub, simulating a caller that force-allocates a previously-seen
	// serial rather than pulling from the queue.
	if _, err := m.queue.Poll(context.Background(), 0, dp.BySerial("A1")); err != nil {
		t.Fatalf("expected A1 to be queued: %v", err)
	}

	h, err := m.ForceAllocate(context.Background(), "A1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d := h.Device()
	if d.Product != "walleye" || d.BuildID != "QP1A.1" || d.Battery != 91 {
		t.Fatalf("expected the minted handle to be enriched from the device info cache, got %+v", d)
	}

	cached, ok := m.DeviceInfo("A1")
	if !ok || cached.Product != "walleye" {
		t.Fatalf("expected DeviceInfo to return the cached record, got %+v ok=%v", cached, ok)
	}
}

func TestTerminateTwiceIsNoop(t *testing.T) {
	cfg := newFakeConfig(dp.DefaultOptions())
	m := newTestManager(t, cfg)
	if err := m.Terminate(); err != nil {
		t.Fatalf("first terminate: %v", err)
	}
	if err := m.Terminate(); err != nil {
		t.Fatalf("second terminate should be a no-op, got %v", err)
	}
}

func TestTerminateHardUnblocksPendingAllocate(t *testing.T) {
	cfg := newFakeConfig(dp.DefaultOptions())
	m := newTestManager(t, cfg)

	type result struct {
		h   *Handle
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		h, err := m.Allocate(context.Background())
		resultCh <- result{h, err}
	}()
	time.Sleep(20 * time.Millisecond)

	if err := m.TerminateHard(); err != nil {
		t.Fatalf("terminateHard: %v", err)
	}
	select {
	case r := <-resultCh:
		if r.err != nil {
			t.Fatalf("expected no error from a cancelled allocate, got %v", r.err)
		}
		if r.h != nil {
			t.Fatalf("expected no handle from a cancelled allocate, got %v", r.h)
		}
	case <-time.After(time.Second):
		t.Fatal("allocate did not unblock after terminateHard")
	}
}

func TestConnectTcpFailureFreesWithIgnore(t *testing.T) {
	cfg := newFakeConfig(dp.DefaultOptions())
	m := newTestManager(t, cfg)

	// fakeRunner fails every adb connect attempt, so all three retries are
	// exhausted and the minted stub must be freed back out of the registry.
	h, err := m.ConnectTcp(context.Background(), "10.1.2.3:5555")
	if err != dp.ErrDeviceNotAvailable {
		t.Fatalf("expected ErrDeviceNotAvailable, got %v", err)
	}
	if h != nil {
		t.Fatalf("expected no handle, got %v", h)
	}
	if m.registry.Contains("10.1.2.3:5555") {
		t.Fatal("expected the minted stub to be removed from the registry")
	}
	for _, d := range m.queue.Snapshot() {
		if d.Serial == "10.1.2.3:5555" {
			t.Fatal("expected DispositionIgnore to keep the stub out of the queue")
		}
	}
}

func TestPlaceholdersNeverAppearInListings(t *testing.T) {
	cfg := newFakeConfig(dp.DefaultOptions())
	m := newTestManager(t, cfg)

	if m.queue.Len() != 2 {
		t.Fatalf("expected one emulator and one null placeholder seeded, got %d", m.queue.Len())
	}
	if got := m.ListAvailable(); len(got) != 0 {
		t.Fatalf("expected placeholders to be hidden from ListAvailable, got %+v", got)
	}
	if got := m.ListAll(); len(got) != 0 {
		t.Fatalf("expected placeholders to be hidden from ListAll, got %+v", got)
	}
}

func TestDisconnectFromTcpFreesWithIgnore(t *testing.T) {
	cfg := newFakeConfig(dp.DefaultOptions())
	m := newTestManager(t, cfg)
	before := m.queue.Len()

	h, err := m.ForceAllocate(context.Background(), "10.0.0.9:5555")
	if err != nil {
		t.Fatalf("forceAllocate: %v", err)
	}
	if err := m.DisconnectFromTcp(context.Background(), h); err != nil {
		t.Fatalf("disconnectFromTcp: %v", err)
	}
	if m.registry.Contains("10.0.0.9:5555") {
		t.Fatal("expected the TCP handle to be freed out of the registry")
	}
	if m.queue.Len() != before {
		t.Fatalf("expected the queue to be unchanged, had %d now %d", before, m.queue.Len())
	}
}

func TestReconnectToTcpSwitchFailureLeavesHandleAllocated(t *testing.T) {
	cfg := newFakeConfig(dp.DefaultOptions())
	m := newTestManager(t, cfg)

	h, err := m.ForceAllocate(context.Background(), "A1")
	if err != nil {
		t.Fatalf("forceAllocate: %v", err)
	}
	// fakeRunner fails the transport-switch shell command.
	if _, err := m.ReconnectToTcp(context.Background(), h); err == nil {
		t.Fatal("expected an error when the transport switch fails")
	}
	if !m.registry.Contains("A1") {
		t.Fatal("expected the USB handle to remain allocated after a failed switch")
	}
}

func TestListAllSortsByStateThenSerial(t *testing.T) {
	cfg := newFakeConfig(dp.DefaultOptions())
	cfg.setMonitor("B1", &fakeMonitor{ready: true})
	cfg.setMonitor("A1", &fakeMonitor{ready: true})
	m := newTestManager(t, cfg)

	m.OnConnected(dp.Device{Serial: "B1", Variant: dp.VariantReal})
	m.OnConnected(dp.Device{Serial: "A1", Variant: dp.VariantReal})
	if _, err := m.ForceAllocate(context.Background(), "Z9"); err != nil {
		t.Fatalf("forceAllocate: %v", err)
	}

	all := m.ListAll()
	if len(all) != 3 {
		t.Fatalf("expected 3 descriptors, got %d: %+v", len(all), all)
	}
	// "Allocated" sorts before "Available"; serials ascend within a state.
	want := []struct {
		serial dp.Serial
		state  dp.AllocationState
	}{{"Z9", dp.Allocated}, {"A1", dp.Available}, {"B1", dp.Available}}
	for i, w := range want {
		if all[i].Serial != w.serial || all[i].State != w.state {
			t.Fatalf("descriptor %d: expected %s/%s, got %s/%s", i, w.serial, w.state, all[i].Serial, all[i].State)
		}
	}
}

func TestAllocateNullDeviceMatchesOnlyNullSlot(t *testing.T) {
	cfg := newFakeConfig(dp.DefaultOptions())
	m := newTestManager(t, cfg)

	// Init seeded one EmulatorSlot and one NullSlot; the null-device
	// selector must skip the emulator slot and claim the null slot.
	h, err := m.AllocateSelector(context.Background(), 0, dp.NullDevice())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h == nil {
		t.Fatal("expected a handle for the seeded null slot")
	}
	if h.Device().Variant != dp.VariantNullSlot {
		t.Fatalf("expected a NullSlot device, got %s", h.Device().Variant)
	}

	// The cap is one, so a second null-device request finds nothing even
	// though the emulator slot is still queued.
	h2, err := m.AllocateSelector(context.Background(), 0, dp.NullDevice())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h2 != nil {
		t.Fatalf("expected no second null slot, got %s", h2.Serial())
	}
	if m.queue.Len() != 1 {
		t.Fatalf("expected the emulator slot to remain queued, len=%d", m.queue.Len())
	}
}

func TestAllocateTimeoutReportsNilNotError(t *testing.T) {
	cfg := newFakeConfig(dp.DefaultOptions())
	opts := cfg.Options()
	opts.MaxEmulators = 0
	opts.MaxNullDevices = 0
	cfg.opts = opts
	m := newTestManager(t, cfg)

	h, err := m.AllocateTimeout(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("expected no error on timeout, got %v", err)
	}
	if h != nil {
		t.Fatalf("expected no handle, got %v", h)
	}
}
