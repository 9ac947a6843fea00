// Package manager implements the Core Manager: the orchestrator that wires
// together the Availability Queue, the Allocation Registry, the Readiness
// Prober, the Bootloader Monitor, a BridgeAdapter, and the emulator
// lifecycle into the single entry point callers use to allocate and free
// devices.
package manager

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	dp "github.com/xmidt-org/devicepool"
	"github.com/xmidt-org/devicepool/bootloader"
	"github.com/xmidt-org/devicepool/bridge/execrunner"
	"github.com/xmidt-org/devicepool/emulator"
	"github.com/xmidt-org/devicepool/prober"
	"github.com/xmidt-org/devicepool/queue"
	"github.com/xmidt-org/devicepool/registry"
	"github.com/xmidt-org/devicepool/report"
)

// StateListener is notified whenever a serial's AllocationState changes.
// The supplemented generic-monitor-callback feature: any caller can observe
// the pool's state machine without polling ListAll.
type StateListener interface {
	OnAllocationStateChanged(serial dp.Serial, old, new dp.AllocationState)
}

// Manager is the Core Manager. Zero value is not usable; use New.
type Manager struct {
	cfg    dp.ConfigProvider
	bridge dp.BridgeAdapter
	runner dp.Runner
	logger *log.Logger

	// emulatorRunnerPath and emulatorArgs configure LaunchEmulator; both
	// are optional and only required if any EmulatorSlot is provisioned.
	emulatorRunnerPath string
	emulatorArgs       func(dp.Serial) []string
	emulatorBootTime   time.Duration

	queue       *queue.Queue
	registry    *registry.Registry
	prober      *prober.Prober
	bootMonitor *bootloader.Monitor
	utilization *emulator.UtilizationTracker

	initMu      sync.Mutex
	initialized bool
	terminated  bool

	listenersMu sync.Mutex
	listeners   []StateListener

	handlesMu sync.Mutex
	handles   map[dp.Serial]*Handle // allocated handles not yet in registry.Values() form

	bootSource    bootloader.Source
	logcatStarter func(dp.Serial) LogcatCapture

	// deviceInfoCache holds the last-known dp.Device metadata per serial,
	// refreshed on connected/stateChanged bridge events. finishAllocate
	// fills in a device that carries no metadata (e.g. one minted by
	// ForceAllocate) from it, so the handle, and ListAll/ListAllocated,
	// report product/build/battery without re-probing the bridge.
	deviceInfoCache sync.Map // dp.Serial -> dp.Device
}

// Config bundles the collaborators New needs. Every field is optional: a
// nil Runner falls back to execrunner.New(), and a nil Bridge leaves
// discovery to direct calls of the BridgeListener methods.
type Config struct {
	ConfigProvider     dp.ConfigProvider
	Bridge             dp.BridgeAdapter
	Runner             dp.Runner
	Logger             *log.Logger
	EmulatorRunnerPath string
	EmulatorArgs       func(dp.Serial) []string
	EmulatorBootTime   time.Duration

	// BootloaderSource, if set, is used in place of a real fastboot probe.
	// Production callers leave this nil; tests inject a fake source to
	// exercise the bootloader monitor without shelling out.
	BootloaderSource bootloader.Source

	// SyncProber runs readiness probes inline instead of on their own
	// goroutine. Production callers leave this false; tests set it for
	// deterministic ordering.
	SyncProber bool

	// LogcatStarter, if set, is invoked for every newly allocated handle to
	// begin a device-local logcat capture; Free stops it on return. Nil
	// selects defaultLogcatStarter, which runs `adb logcat` through Runner.
	// A starter that returns nil (as the default one does when adb fails to
	// start) leaves that handle without a capture.
	LogcatStarter func(dp.Serial) LogcatCapture
}

// New constructs a Manager. Init must be called before use.
func New(cfg Config) *Manager {
	runner := cfg.Runner
	if runner == nil {
		runner = execrunner.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	q := queue.New()
	reg := &registry.Registry{Logger: logger}
	pr := prober.New(q)
	pr.Logger = logger
	pr.Sync = cfg.SyncProber

	bootTime := cfg.EmulatorBootTime
	if bootTime <= 0 {
		bootTime = 2 * time.Minute
	}

	logcatStarter := cfg.LogcatStarter
	if logcatStarter == nil {
		logcatStarter = defaultLogcatStarter(runner, logger)
	}

	m := &Manager{
		cfg:                cfg.ConfigProvider,
		bridge:             cfg.Bridge,
		runner:             runner,
		logger:             logger,
		emulatorRunnerPath: cfg.EmulatorRunnerPath,
		emulatorArgs:       cfg.EmulatorArgs,
		emulatorBootTime:   bootTime,
		queue:              q,
		registry:           reg,
		prober:             pr,
		utilization:        emulator.NewUtilizationTracker(),
		handles:            make(map[dp.Serial]*Handle),
		bootSource:         cfg.BootloaderSource,
		logcatStarter:      logcatStarter,
	}
	pr.Promoted = func(serial dp.Serial) {
		m.notifyState(serial, dp.Checking, dp.Available)
	}
	return m
}

// defaultLogcatStarter returns a starter backed by a real `adb logcat`
// invocation through runner. A failure to start is logged and treated as "no
// capture" rather than failing the allocation it's attached to.
func defaultLogcatStarter(runner dp.Runner, logger *log.Logger) func(dp.Serial) LogcatCapture {
	return func(serial dp.Serial) LogcatCapture {
		l, err := execrunner.StartLogcat(runner, serial)
		if err != nil {
			logger.Printf("manager: logcat start for %s failed: %v", serial, err)
			return nil
		}
		return l
	}
}

func (m *Manager) options() dp.Options {
	if m.cfg == nil {
		return dp.DefaultOptions()
	}
	return m.cfg.Options()
}

func (m *Manager) defaultSelector() dp.Selector {
	if m.cfg == nil {
		return dp.AnyDevice()
	}
	sel := m.cfg.DefaultSelector()
	if sel == nil {
		return dp.AnyDevice()
	}
	return sel
}

func (m *Manager) monitorFor(serial dp.Serial) dp.DeviceStateMonitor {
	if m.cfg == nil {
		return nil
	}
	return m.cfg.DeviceMonitor(serial)
}

// AddStateListener registers l for allocation-state transition
// notifications.
func (m *Manager) AddStateListener(l StateListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// RemoveStateListener deregisters l.
func (m *Manager) RemoveStateListener(l StateListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	for i, existing := range m.listeners {
		if existing == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *Manager) notifyState(serial dp.Serial, old, new dp.AllocationState) {
	m.listenersMu.Lock()
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenersMu.Unlock()
	for _, l := range listeners {
		l.OnAllocationStateChanged(serial, old, new)
	}
}

// StateUpdated satisfies bootloader.Listener: forwarded straight through as
// an Allocated-state-preserving runtime-state observation. The bootloader
// monitor only flips RuntimeState, never AllocationState, so there is
// nothing further to notify here beyond what callers can already read via
// ListAllocated.
func (m *Manager) StateUpdated(serial dp.Serial, state dp.RuntimeState) {
	m.logger.Printf("manager: serial %s runtime state now %s", serial, state)
}

// Init brings the manager up: registers itself as the bridge's listener,
// connects the bridge, probes for fastboot, starts the bootloader monitor,
// and seeds emulator/null placeholders.
func (m *Manager) Init(ctx context.Context) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if m.initialized {
		return dp.ErrAlreadyInitialized
	}

	if m.bridge != nil {
		m.bridge.AddListener(m)
		if err := m.bridge.Init(ctx); err != nil {
			return fmt.Errorf("manager: bridge init: %w", err)
		}
	}

	src := m.bootSource
	if src == nil {
		if execrunner.Probe(ctx, m.runner) {
			src = execrunner.NewFastbootSource(m.runner)
		} else {
			m.logger.Printf("manager: fastboot probe failed, bootloader monitor disabled")
		}
	}
	if src != nil {
		m.bootMonitor = bootloader.New(src, m.registryHandles)
		m.bootMonitor.Logger = m.logger
		m.bootMonitor.Discovered = func(serial dp.Serial) {
			// Bootloader devices cannot answer a shell probe; they enter
			// the pool directly.
			if m.queue.AddUnique(dp.Device{Serial: serial, Variant: dp.VariantBootloader}) == nil {
				m.notifyState(serial, dp.Unavailable, dp.Available)
			}
		}
		m.bootMonitor.AddListener(m)
	}

	seedPlaceholders(m)

	m.initialized = true
	m.terminated = false
	return nil
}

// registryHandles adapts the registry's Handle values into
// bootloader.Handle values for the monitor's registry-snapshot callback.
func (m *Manager) registryHandles() []bootloader.Handle {
	values := m.registry.Values()
	out := make([]bootloader.Handle, 0, len(values))
	for _, v := range values {
		if h, ok := v.(*Handle); ok {
			out = append(out, h)
		}
	}
	return out
}

func (m *Manager) requireInitialized() error {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if !m.initialized || m.terminated {
		return dp.ErrNotInitialized
	}
	return nil
}

// Terminate performs an orderly shutdown: stops the bootloader monitor and
// disconnects the bridge, leaving any currently allocated handles alone.
// A second call is a no-op.
func (m *Manager) Terminate() error {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if !m.initialized {
		return dp.ErrNotInitialized
	}
	if m.terminated {
		return nil
	}
	if m.bootMonitor != nil {
		m.bootMonitor.Stop()
	}
	m.queue.Shutdown()
	if m.bridge != nil {
		m.bridge.RemoveListener(m)
		if err := m.bridge.Disconnect(); err != nil {
			return err
		}
	}
	m.terminated = true
	return nil
}

// TerminateHard aborts every currently allocated handle (so their next
// device operation fails fast with dp.ErrSessionAborted), frees them with
// DispositionIgnore, then performs an orderly Terminate.
func (m *Manager) TerminateHard() error {
	m.handlesMu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.handlesMu.Unlock()

	for _, h := range handles {
		h.Abort()
		if err := m.Free(h, dp.DispositionIgnore); err != nil {
			m.logger.Printf("manager: terminateHard: free %s: %v", h.Serial(), err)
		}
	}
	return m.Terminate()
}

// Allocate blocks indefinitely for a device matching the default selector.
func (m *Manager) Allocate(ctx context.Context) (*Handle, error) {
	return m.AllocateSelector(ctx, -1, m.defaultSelector())
}

// AllocateTimeout blocks up to timeout for a device matching the default
// selector. Expiry is reported as (nil, nil): the caller asked for a
// device and none arrived in time, which is not itself an error.
func (m *Manager) AllocateTimeout(ctx context.Context, timeout time.Duration) (*Handle, error) {
	return m.AllocateSelector(ctx, timeout, m.defaultSelector())
}

// AllocateSelector blocks up to timeout for a device matching selector.
func (m *Manager) AllocateSelector(ctx context.Context, timeout time.Duration, selector dp.Selector) (*Handle, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}

	d, err := m.queue.Poll(ctx, timeout, selector)
	if err != nil {
		if err == dp.ErrTimeout || err == dp.ErrCancelled {
			return nil, nil
		}
		return nil, err
	}
	return m.finishAllocate(d, dp.Available)
}

// ForceAllocate mints or claims serial directly, bypassing the queue. If
// serial is already in the registry, it returns dp.ErrAlreadyAllocated. If
// serial is sitting in the queue it is dequeued and allocated normally;
// otherwise a TcpStub placeholder is minted for it from Unavailable.
func (m *Manager) ForceAllocate(ctx context.Context, serial dp.Serial) (*Handle, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	if m.registry.Contains(serial) {
		return nil, dp.ErrAlreadyAllocated
	}

	d, err := m.queue.Poll(ctx, time.Millisecond, dp.BySerial(serial))
	if err == nil {
		return m.finishAllocate(d, dp.Available)
	}
	if err != dp.ErrTimeout {
		return nil, err
	}

	minted := dp.Device{Serial: serial, Variant: dp.VariantTcpStub}
	return m.finishAllocate(minted, dp.Unavailable)
}

// finishAllocate is the Device Record Factory's caller: it creates a
// Handle, inserts it into the registry, starts utilization tracking, and
// notifies the transition from old to Allocated.
func (m *Manager) finishAllocate(d dp.Device, old dp.AllocationState) (*Handle, error) {
	d = m.enrichFromCache(d)
	monitor := m.monitorFor(d.Serial)
	initialState := dp.Offline
	if monitor == nil || d.Variant == dp.VariantEmulatorSlot {
		initialState = dp.NotAvailable
	}
	var logcat LogcatCapture
	if m.logcatStarter != nil {
		logcat = m.logcatStarter(d.Serial)
	}
	h := newHandle(d, monitor, initialState, logcat)

	if err := m.registry.Insert(h); err != nil {
		return nil, err
	}

	m.handlesMu.Lock()
	m.handles[d.Serial] = h
	m.handlesMu.Unlock()

	m.utilization.RecordAllocate(d.Serial)
	m.notifyState(d.Serial, old, dp.Allocated)
	return h, nil
}

// cacheDeviceInfo remembers d's metadata for serial, so a later allocation
// of the same serial (e.g. via ForceAllocate, before the device has been
// re-discovered) still reports product/build/battery.
func (m *Manager) cacheDeviceInfo(d dp.Device) {
	if d.Product == "" && d.BuildID == "" && d.SDK == "" && d.Battery == 0 {
		return
	}
	m.deviceInfoCache.Store(d.Serial, d)
}

// enrichFromCache fills in d's metadata fields from the cache when d itself
// carries none, e.g. a serial minted fresh by ForceAllocate.
func (m *Manager) enrichFromCache(d dp.Device) dp.Device {
	if d.Product != "" || d.BuildID != "" || d.SDK != "" {
		return d
	}
	v, ok := m.deviceInfoCache.Load(d.Serial)
	if !ok {
		return d
	}
	cached := v.(dp.Device)
	d.Product = cached.Product
	d.BuildID = cached.BuildID
	d.SDK = cached.SDK
	if d.Battery == 0 {
		d.Battery = cached.Battery
	}
	return d
}

// DeviceInfo returns the last-known cached metadata for serial, if any.
func (m *Manager) DeviceInfo(serial dp.Serial) (dp.Device, bool) {
	v, ok := m.deviceInfoCache.Load(serial)
	if !ok {
		return dp.Device{}, false
	}
	return v.(dp.Device), true
}

// Free returns h to the pool with disposition, in five ordered steps: stop
// log capture, tear down an attached emulator process,
// deregister from the registry, apply the disposition, and record
// utilization.
func (m *Manager) Free(h *Handle, disposition dp.Disposition) error {
	if h == nil {
		return fmt.Errorf("%w: free called with a nil handle", dp.ErrProgrammingError)
	}

	if logcat := h.logcat; logcat != nil {
		if err := logcat.Stop(); err != nil {
			m.logger.Printf("manager: free %s: logcat stop: %v", h.Serial(), err)
		}
	}

	if h.Process() != nil {
		kill := func() error {
			_, err := m.runner.RunTimedCmd(context.Background(), 5*time.Second,
				[]string{"adb", "-s", string(h.Serial()), "emu", "kill"})
			return err
		}
		if err := emulator.Shutdown(h, m.runner, kill); err != nil {
			m.logger.Printf("manager: free %s: emulator shutdown: %v", h.Serial(), err)
		}
		h.AttachProcess(nil)
		h.SetDevice(dp.Device{Serial: h.Serial(), Variant: dp.VariantEmulatorSlot})
		h.SetRuntimeState(dp.NotAvailable)
		disposition = dp.DispositionAvailable
	}

	if _, ok := m.registry.RemoveIfPresent(h.Serial()); !ok {
		m.logger.Printf("manager: free %s: not present in registry", h.Serial())
	}
	m.handlesMu.Lock()
	delete(m.handles, h.Serial())
	m.handlesMu.Unlock()

	switch disposition {
	case dp.DispositionAvailable:
		m.queue.AddUnique(h.Device())
		m.notifyState(h.Serial(), dp.Allocated, dp.Available)
	case dp.DispositionUnresponsive:
		if m.options().UnresponsiveRequeue {
			m.queue.AddUnique(h.Device())
			m.notifyState(h.Serial(), dp.Allocated, dp.Available)
		} else {
			m.notifyState(h.Serial(), dp.Allocated, dp.Unavailable)
		}
	case dp.DispositionUnavailable:
		m.notifyState(h.Serial(), dp.Allocated, dp.Unavailable)
	case dp.DispositionIgnore:
		m.notifyState(h.Serial(), dp.Allocated, dp.Ignored)
	default:
		return fmt.Errorf("%w: unrecognized disposition %v", dp.ErrProgrammingError, disposition)
	}

	m.utilization.RecordFree(h.Serial())
	return nil
}

// ConnectTcp brings a device online over TCP at ipAndPort: it mints and
// allocates a TcpStub for it, retries `adb connect` up to three times five
// seconds apart, and awaits readiness within the configured readiness
// deadline.
func (m *Manager) ConnectTcp(ctx context.Context, ipAndPort string) (*Handle, error) {
	if err := m.requireInitialized(); err != nil {
		return nil, err
	}
	serial := dp.Serial(ipAndPort)
	if m.registry.Contains(serial) {
		return nil, nil
	}

	h, err := m.ForceAllocate(ctx, serial)
	if err != nil {
		return nil, err
	}
	if err := h.CheckAborted(); err != nil {
		return nil, err
	}

	const maxAttempts = 3
	connected := false
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if execrunner.AdbConnect(ctx, m.runner, ipAndPort) {
			connected = true
			break
		}
		if attempt < maxAttempts-1 {
			m.runner.Sleep(5 * time.Second)
		}
	}
	if !connected {
		_ = m.Free(h, dp.DispositionIgnore)
		return nil, dp.ErrDeviceNotAvailable
	}

	h.SetRecoveryPolicy(WaitOnline)
	if mon := h.Monitor(); mon != nil {
		mon.WaitForShell(ctx, m.options().ReadinessDeadline)
	}
	h.SetRuntimeState(dp.Online)
	return h, nil
}

// switchToAdbTcp flips an allocated USB device's adb transport to TCP,
// returning the ip:port endpoint it now listens on.
func (m *Manager) switchToAdbTcp(ctx context.Context, h *Handle) (string, error) {
	serial := string(h.Serial())
	res, err := m.runner.RunTimedCmd(ctx, 5*time.Second,
		[]string{"adb", "-s", serial, "shell", "getprop", "dhcp.wlan0.ipaddress"})
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(res.Stdout)
	if ip == "" {
		return "", dp.ErrDeviceNotAvailable
	}
	if _, err := m.runner.RunTimedCmd(ctx, 5*time.Second,
		[]string{"adb", "-s", serial, "tcpip", "5555"}); err != nil {
		return "", err
	}
	return net.JoinHostPort(ip, "5555"), nil
}

// ReconnectToTcp switches an allocated USB handle's transport to TCP and
// brings the resulting endpoint up as its own allocation via ConnectTcp. On
// a failed switch, recovery is attempted on the USB handle instead.
func (m *Manager) ReconnectToTcp(ctx context.Context, h *Handle) (*Handle, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: reconnectToTcp called with a nil handle", dp.ErrProgrammingError)
	}
	if err := h.CheckAborted(); err != nil {
		return nil, err
	}
	ipAndPort, err := m.switchToAdbTcp(ctx, h)
	if err != nil {
		m.attemptRecovery(h)
		return nil, err
	}
	return m.ConnectTcp(ctx, ipAndPort)
}

// DisconnectFromTcp switches h's device back to USB transport (best-effort)
// and frees the TCP allocation with DispositionIgnore.
func (m *Manager) DisconnectFromTcp(ctx context.Context, h *Handle) error {
	if h == nil {
		return fmt.Errorf("%w: disconnectFromTcp called with a nil handle", dp.ErrProgrammingError)
	}
	if err := h.CheckAborted(); err != nil {
		return err
	}
	if _, err := m.runner.RunTimedCmd(ctx, 5*time.Second,
		[]string{"adb", "-s", string(h.Serial()), "usb"}); err != nil {
		m.logger.Printf("manager: disconnectFromTcp %s: switch to usb: %v", h.Serial(), err)
	}
	return m.Free(h, dp.DispositionIgnore)
}

// LaunchEmulator starts an emulator subprocess for an allocated EmulatorSlot
// handle.
func (m *Manager) LaunchEmulator(ctx context.Context, h *Handle) error {
	if h == nil {
		return fmt.Errorf("%w: launchEmulator called with a nil handle", dp.ErrProgrammingError)
	}
	if err := h.CheckAborted(); err != nil {
		return err
	}
	if m.emulatorRunnerPath == "" {
		return fmt.Errorf("%w: no emulator runner path configured", dp.ErrProgrammingError)
	}
	var args []string
	if m.emulatorArgs != nil {
		args = m.emulatorArgs(h.Serial())
	}
	monitor := h.Monitor()
	if monitor == nil {
		return fmt.Errorf("%w: emulator handle %s has no device-state monitor", dp.ErrProgrammingError, h.Serial())
	}
	return emulator.Launch(ctx, h, m.runner, monitor, m.emulatorRunnerPath, args, m.emulatorBootTime)
}

// attemptRecovery consults h's recovery policy when its runtime state drops
// to Offline. WaitOnline and WaitAvailable both wait in the background for
// the device to answer a shell probe again and flip it back online;
// WaitAvailable additionally returns the handle to the pool once recovered.
// NoRecovery and AbortRecovery do nothing, leaving reconnection to the
// caller (or, for AbortRecovery, to terminateHard's cleanup).
func (m *Manager) attemptRecovery(h *Handle) {
	policy := h.GetRecoveryPolicy()
	if policy != WaitOnline && policy != WaitAvailable {
		return
	}
	monitor := h.Monitor()
	if monitor == nil {
		return
	}
	go func() {
		if h.CheckAborted() != nil {
			return
		}
		if !monitor.WaitForShell(context.Background(), m.options().ReadinessDeadline) {
			return
		}
		h.SetRuntimeState(dp.Online)
		if policy == WaitAvailable {
			_ = m.Free(h, dp.DispositionAvailable)
		}
	}()
}

// OnConnected satisfies dp.BridgeListener.
func (m *Manager) OnConnected(d dp.Device) {
	serial := d.Serial
	m.cacheDeviceInfo(d)
	if v, ok := m.registry.Get(serial); ok {
		if h, ok := v.(*Handle); ok {
			h.SetDevice(d)
			h.SetRuntimeState(dp.Online)
		}
		return
	}
	if m.prober.UpdateState(serial, dp.Online) {
		return
	}
	if !dp.ValidSerial(serial) {
		return
	}
	monitor := m.monitorFor(serial)
	if monitor == nil {
		// No monitor to probe with: promote unconditionally, the same path
		// placeholders and bootloader devices take.
		m.queue.AddUnique(d)
		m.notifyState(serial, dp.Unavailable, dp.Available)
		return
	}
	m.notifyState(serial, dp.Unavailable, dp.Checking)
	m.prober.Discover(context.Background(), d, monitor, m.options().ReadinessDeadline)
}

// OnStateChanged satisfies dp.BridgeListener.
func (m *Manager) OnStateChanged(d dp.Device, state dp.RuntimeState) {
	serial := d.Serial
	m.cacheDeviceInfo(d)
	if v, ok := m.registry.Get(serial); ok {
		if h, ok := v.(*Handle); ok {
			h.SetDevice(d)
			h.SetRuntimeState(state)
			if state == dp.Offline {
				m.attemptRecovery(h)
			}
		}
		return
	}
	if m.prober.UpdateState(serial, state) {
		return
	}
	if state == dp.Online && dp.ValidSerial(serial) {
		monitor := m.monitorFor(serial)
		if monitor == nil {
			m.queue.AddUnique(d)
			m.notifyState(serial, dp.Unavailable, dp.Available)
			return
		}
		m.notifyState(serial, dp.Unavailable, dp.Checking)
		m.prober.Discover(context.Background(), d, monitor, m.options().ReadinessDeadline)
	}
}

// OnDisconnected satisfies dp.BridgeListener.
func (m *Manager) OnDisconnected(d dp.Device) {
	serial := d.Serial
	if m.queue.Remove(serial) {
		m.notifyState(serial, dp.Available, dp.Unavailable)
	}
	if v, ok := m.registry.Get(serial); ok {
		if h, ok := v.(*Handle); ok {
			h.SetRuntimeState(dp.NotAvailable)
		}
	}
	m.prober.UpdateState(serial, dp.NotAvailable)
}

// ListAvailable returns a snapshot of the Availability Queue, omitting
// placeholder variants.
func (m *Manager) ListAvailable() []dp.Device {
	items := m.queue.Snapshot()
	out := make([]dp.Device, 0, len(items))
	for _, d := range items {
		if !d.Variant.IsPlaceholder() {
			out = append(out, d)
		}
	}
	return out
}

// ListAllocated returns every currently allocated device.
func (m *Manager) ListAllocated() []dp.Device {
	values := m.registry.Values()
	out := make([]dp.Device, 0, len(values))
	for _, v := range values {
		if h, ok := v.(*Handle); ok {
			out = append(out, h.Device())
		}
	}
	return out
}

// ListUnavailable returns devices the bridge currently reports that are
// neither queued as available nor currently allocated: still being checked
// by the Readiness Prober, or dropped after a failed readiness probe.
func (m *Manager) ListUnavailable() []dp.Device {
	if m.bridge == nil {
		return nil
	}
	known := make(map[dp.Serial]struct{})
	for _, d := range m.queue.Snapshot() {
		known[d.Serial] = struct{}{}
	}
	for _, v := range m.registry.Values() {
		known[v.Serial()] = struct{}{}
	}

	out := make([]dp.Device, 0)
	for _, d := range m.bridge.Devices() {
		if _, ok := known[d.Serial]; !ok {
			out = append(out, d)
		}
	}
	return out
}

// Descriptor combines a device's identity and metadata with its current
// allocation state, the shape ListAll reports.
type Descriptor struct {
	Serial  dp.Serial
	State   dp.AllocationState
	Product string
	Variant dp.Variant
	SDK     string
	BuildID string
	Battery int
}

// ListAll returns a descriptor for every device in ListAvailable (queued,
// placeholders omitted) and ListAllocated, sorted by allocation-state name
// ascending, then serial ascending.
func (m *Manager) ListAll() []Descriptor {
	var out []Descriptor
	for _, d := range m.ListAvailable() {
		out = append(out, describe(d, dp.Available))
	}
	for _, d := range m.ListAllocated() {
		out = append(out, describe(d, dp.Allocated))
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].State.String(), out[j].State.String()
		if si != sj {
			return si < sj
		}
		return out[i].Serial < out[j].Serial
	})
	return out
}

func describe(d dp.Device, state dp.AllocationState) Descriptor {
	return Descriptor{
		Serial:  d.Serial,
		State:   state,
		Product: d.Product,
		Variant: d.Variant,
		SDK:     d.SDK,
		BuildID: d.BuildID,
		Battery: d.Battery,
	}
}

// Utilization reports rolling 24-hour allocation statistics.
func (m *Manager) Utilization() []emulator.Stat {
	return m.utilization.Snapshot()
}

// WriteReport renders the current pool state as a text table.
func (m *Manager) WriteReport(w io.Writer) error {
	type tagged struct {
		row   report.Row
		state dp.AllocationState
	}
	var entries []tagged
	for _, d := range m.ListAvailable() {
		entries = append(entries, tagged{
			row:   report.Row{Serial: d.Serial, State: "Available", Product: d.Product, Variant: d.Variant, Build: d.BuildID, Battery: d.Battery},
			state: dp.Available,
		})
	}
	for _, v := range m.registry.Values() {
		h, ok := v.(*Handle)
		if !ok {
			continue
		}
		d := h.Device()
		entries = append(entries, tagged{
			row:   report.Row{Serial: d.Serial, State: "Allocated:" + h.RuntimeState().String(), Product: d.Product, Variant: d.Variant, Build: d.BuildID, Battery: d.Battery},
			state: dp.Allocated,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		si, sj := entries[i].state.String(), entries[j].state.String()
		if si != sj {
			return si < sj
		}
		return entries[i].row.Serial < entries[j].row.Serial
	})

	rows := make([]report.Row, len(entries))
	for i, t := range entries {
		rows[i] = t.row
	}
	return report.WriteTable(w, rows)
}
