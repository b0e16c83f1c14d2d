package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/netsound/connman-session/internal/agent"
	"github.com/netsound/connman-session/internal/config"
	"github.com/netsound/connman-session/internal/connman"
	"github.com/netsound/connman-session/internal/testutil"
)

const testAgentPath = dbus.ObjectPath("/test/agent")

func newTestController(t *testing.T, fake *testutil.FakeDaemon, snap config.Snapshot) *Controller {
	t.Helper()
	ctrl := New(snap, Options{
		Dial:      func() (connman.Bus, error) { return fake, nil },
		AgentPath: testAgentPath,
	})
	t.Cleanup(ctrl.Close)
	return ctrl
}

// eventRecorder collects events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) OnEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func (r *eventRecorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) find(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return Event{}, false
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStart_Idempotent(t *testing.T) {
	fake := testutil.NewFakeDaemon()
	ctrl := newTestController(t, fake, config.Snapshot{})

	rec := &eventRecorder{}
	ctrl.Subscribe(rec)

	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := ctrl.Start(); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}

	if got := ctrl.SessionState(); got != Started {
		t.Errorf("state = %v, want Started", got)
	}
	if !fake.RegisteredAgents[testAgentPath] {
		t.Error("agent not registered with the daemon")
	}

	waitFor(t, "service_started not received", func() bool {
		return rec.count(EventServiceStarted) >= 1
	})
	// Give a duplicate a chance to show up before asserting exactly one.
	time.Sleep(50 * time.Millisecond)
	if n := rec.count(EventServiceStarted); n != 1 {
		t.Errorf("service_started emitted %d times, want 1", n)
	}
	if n := fake.CallCount(".RegisterAgent"); n != 1 {
		t.Errorf("RegisterAgent called %d times, want 1", n)
	}
}

func TestReadinessGate_NoTransportCalls(t *testing.T) {
	fake := testutil.NewFakeDaemon()
	ctrl := newTestController(t, fake, config.Snapshot{})

	if _, err := ctrl.ListConnections(); !errors.Is(err, ErrNotReady) {
		t.Errorf("ListConnections error = %v, want ErrNotReady", err)
	}
	if _, err := ctrl.ConnectionState(); !errors.Is(err, ErrNotReady) {
		t.Errorf("ConnectionState error = %v, want ErrNotReady", err)
	}
	if err := ctrl.Connect("home"); !errors.Is(err, ErrNotReady) {
		t.Errorf("Connect error = %v, want ErrNotReady", err)
	}
	if err := ctrl.Scan(nil); !errors.Is(err, ErrNotReady) {
		t.Errorf("Scan error = %v, want ErrNotReady", err)
	}
	if err := ctrl.SetWifiConfig("home", map[string]string{"ssid": "S"}); !errors.Is(err, ErrNotReady) {
		t.Errorf("SetWifiConfig error = %v, want ErrNotReady", err)
	}

	if calls := fake.Calls(); len(calls) != 0 {
		t.Errorf("transport calls made while stopped: %v", calls)
	}
}

func TestStart_PowerOnAsymmetry(t *testing.T) {
	fake := testutil.NewFakeDaemon()
	wifi := fake.AddTechnology("wifi", false)
	ethernet := fake.AddTechnology("ethernet", true)
	bluetooth := fake.AddTechnology("bluetooth", false)

	ctrl := newTestController(t, fake, config.Snapshot{Powered: []string{"wifi"}})
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if !wifi.Powered {
		t.Error("wifi should have been powered on")
	}
	if !ethernet.Powered {
		t.Error("ethernet should have been left powered on")
	}
	if bluetooth.Powered {
		t.Error("bluetooth should have been left powered off")
	}
}

func TestStart_LinkLocalFallback(t *testing.T) {
	fake := testutil.NewFakeDaemon()
	fake.State = "idle"
	svc := fake.AddService("Wired", "ethernet", nil)

	ctrl := newTestController(t, fake, config.Snapshot{
		APIPAEnabled:   true,
		APIPAAddress:   "169.254.10.2",
		APIPANetmask:   "255.255.0.0",
		APIPAInterface: "Wired",
	})
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ipv4, ok := svc.Properties["IPv4.Configuration"]
	if !ok {
		t.Fatal("IPv4.Configuration was not written")
	}
	cfg, ok := ipv4.Value().(map[string]string)
	if !ok {
		t.Fatalf("IPv4.Configuration has type %T", ipv4.Value())
	}
	if cfg["Method"] != "manual" || cfg["Address"] != "169.254.10.2" {
		t.Errorf("unexpected IPv4 config: %v", cfg)
	}
	if !svc.Connected {
		t.Error("service was not connected")
	}
}

func TestStart_LinkLocalSkippedWhenNotIdle(t *testing.T) {
	fake := testutil.NewFakeDaemon()
	fake.State = "online"
	svc := fake.AddService("Wired", "ethernet", nil)

	ctrl := newTestController(t, fake, config.Snapshot{
		APIPAEnabled:   true,
		APIPAAddress:   "169.254.10.2",
		APIPANetmask:   "255.255.0.0",
		APIPAInterface: "Wired",
	})
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, ok := svc.Properties["IPv4.Configuration"]; ok {
		t.Error("IPv4.Configuration written despite state online")
	}
	if svc.Connected {
		t.Error("service connected despite state online")
	}
}

func TestStop_IdempotentAndSwallowsTeardownErrors(t *testing.T) {
	fake := testutil.NewFakeDaemon()
	fake.UnregisterAgentErr = errors.New("not registered")
	ctrl := newTestController(t, fake, config.Snapshot{})

	rec := &eventRecorder{}
	ctrl.Subscribe(rec)

	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}

	if got := ctrl.SessionState(); got != Stopped {
		t.Errorf("state = %v, want Stopped", got)
	}
	if !fake.Closed() {
		t.Error("bus connection was not closed")
	}
	waitFor(t, "service_stopped not received", func() bool {
		return rec.count(EventServiceStopped) >= 1
	})
	time.Sleep(50 * time.Millisecond)
	if n := rec.count(EventServiceStopped); n != 1 {
		t.Errorf("service_stopped emitted %d times, want 1", n)
	}
}

func TestListConnections_KeepsDuplicates(t *testing.T) {
	fake := testutil.NewFakeDaemon()
	fake.AddService("home", "wifi", nil)
	fake.AddService("office", "ethernet", nil)
	fake.AddService("home", "wifi", nil)

	ctrl := newTestController(t, fake, config.Snapshot{})
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	names, err := ctrl.ListConnections()
	if err != nil {
		t.Fatalf("ListConnections failed: %v", err)
	}
	want := []string{"home", "office", "home"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}

func TestConnectDisconnect_FailSoftOnUnknownName(t *testing.T) {
	fake := testutil.NewFakeDaemon()
	fake.AddService("home", "wifi", nil)

	ctrl := newTestController(t, fake, config.Snapshot{})
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := ctrl.Connect("nonexistent"); err != nil {
		t.Errorf("Connect on unknown name returned error: %v", err)
	}
	if err := ctrl.Disconnect("nonexistent"); err != nil {
		t.Errorf("Disconnect on unknown name returned error: %v", err)
	}
	if n := fake.CallCount(".Connect"); n != 0 {
		t.Errorf("Service.Connect called %d times, want 0", n)
	}
	if n := fake.CallCount(".Disconnect"); n != 0 {
		t.Errorf("Service.Disconnect called %d times, want 0", n)
	}
}

func TestConnect_IssuesDaemonCall(t *testing.T) {
	fake := testutil.NewFakeDaemon()
	svc := fake.AddService("home", "wifi", nil)

	ctrl := newTestController(t, fake, config.Snapshot{})
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := ctrl.Connect("home"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !svc.Connected {
		t.Error("service was not connected")
	}
}

func TestConnectionProperties_WhitelistInvariant(t *testing.T) {
	fake := testutil.NewFakeDaemon()
	fake.AddService("home", "wifi", map[string]dbus.Variant{
		"State":       dbus.MakeVariant("online"),
		"Strength":    dbus.MakeVariant(byte(81)),
		"Autoconnect": dbus.MakeVariant(true),
		"Favorite":    dbus.MakeVariant(true), // not whitelisted
		"Immutable":   dbus.MakeVariant(false),
	})

	ctrl := newTestController(t, fake, config.Snapshot{})
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	props, ok, err := ctrl.ConnectionProperties("home")
	if err != nil {
		t.Fatalf("ConnectionProperties failed: %v", err)
	}
	if !ok {
		t.Fatal("connection not found")
	}
	for key := range props {
		if !connman.KnownProperty(key) {
			t.Errorf("non-whitelisted key %q returned", key)
		}
	}
	if _, leaked := props["Favorite"]; leaked {
		t.Error("Favorite leaked through the whitelist")
	}
	if got := props["Strength"]; got != 81 {
		t.Errorf("Strength = %v (%T), want int 81", got, got)
	}
}

func TestConnectionProperties_UnknownNameAbsent(t *testing.T) {
	fake := testutil.NewFakeDaemon()
	ctrl := newTestController(t, fake, config.Snapshot{})
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	props, ok, err := ctrl.ConnectionProperties("ghost")
	if err != nil {
		t.Fatalf("ConnectionProperties failed: %v", err)
	}
	if ok || props != nil {
		t.Errorf("expected absent result, got ok=%v props=%v", ok, props)
	}
}

func TestSetConnectionProperties_WriteFiltering(t *testing.T) {
	fake := testutil.NewFakeDaemon()
	svc := fake.AddService("home", "wifi", map[string]dbus.Variant{
		"Autoconnect": dbus.MakeVariant(false),
	})

	ctrl := newTestController(t, fake, config.Snapshot{})
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	err := ctrl.SetConnectionProperties("home", map[string]any{
		"Type":               "x",   // read-only, must be skipped
		"Autoconnect":        true,  // read-write and live, must be written
		"IPv4.Configuration": map[string]any{"Method": "dhcp"}, // not on live bag, skipped
	})
	if err != nil {
		t.Fatalf("SetConnectionProperties failed: %v", err)
	}

	if got := svc.Properties["Autoconnect"].Value(); got != true {
		t.Errorf("Autoconnect = %v, want true", got)
	}
	if got := svc.Properties["Type"].Value(); got != "wifi" {
		t.Errorf("Type was overwritten to %v", got)
	}
	if _, written := svc.Properties["IPv4.Configuration"]; written {
		t.Error("IPv4.Configuration introduced though absent from live bag")
	}
	if n := fake.CallCount("Service.SetProperty"); n != 1 {
		t.Errorf("Service.SetProperty called %d times, want 1", n)
	}
}

func TestScan_PartialFailureIsolated(t *testing.T) {
	fake := testutil.NewFakeDaemon()
	wifi := fake.AddTechnology("wifi", false)
	wifi.ScanErr = errors.New("scan rejected: not powered")
	bluetooth := fake.AddTechnology("bluetooth", true)

	ctrl := newTestController(t, fake, config.Snapshot{})
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	err := ctrl.Scan([]string{"wifi", "bluetooth"})
	if err == nil {
		t.Error("expected an error from the failed wifi scan")
	}
	if bluetooth.ScanCount != 1 {
		t.Errorf("bluetooth scanned %d times, want 1 (failure must not abort the rest)", bluetooth.ScanCount)
	}
}

func TestScan_DefaultsToScannableSet(t *testing.T) {
	fake := testutil.NewFakeDaemon()
	wifi := fake.AddTechnology("wifi", true)
	ethernet := fake.AddTechnology("ethernet", true)

	ctrl := newTestController(t, fake, config.Snapshot{Scannable: []string{"wifi"}})
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := ctrl.Scan(nil); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if wifi.ScanCount != 1 {
		t.Errorf("wifi scanned %d times, want 1", wifi.ScanCount)
	}
	if ethernet.ScanCount != 0 {
		t.Errorf("ethernet scanned %d times, want 0", ethernet.ScanCount)
	}
}

func TestConnectionState(t *testing.T) {
	fake := testutil.NewFakeDaemon()
	fake.State = "online"
	ctrl := newTestController(t, fake, config.Snapshot{})
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	state, err := ctrl.ConnectionState()
	if err != nil {
		t.Fatalf("ConnectionState failed: %v", err)
	}
	if state != "online" {
		t.Errorf("state = %q, want online", state)
	}
}

func TestServicesChangedSignal_EmitsFullSnapshot(t *testing.T) {
	fake := testutil.NewFakeDaemon()
	fake.AddService("home", "wifi", nil)
	fake.AddService("office", "ethernet", nil)

	ctrl := newTestController(t, fake, config.Snapshot{})
	rec := &eventRecorder{}
	ctrl.Subscribe(rec)
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	fake.Emit(&dbus.Signal{Path: connman.ManagerPath, Name: connman.SignalServicesChanged})

	waitFor(t, "connections_changed not received", func() bool {
		return rec.count(EventConnectionsChanged) >= 1
	})
	ev, _ := rec.find(EventConnectionsChanged)
	if len(ev.Connections) != 2 {
		t.Fatalf("snapshot has %d entries, want 2: %v", len(ev.Connections), ev.Connections)
	}
	if ev.Connections[0] != (ConnectionInfo{Name: "home", Type: "wifi"}) {
		t.Errorf("first entry = %v", ev.Connections[0])
	}
	if ev.Connections[1] != (ConnectionInfo{Name: "office", Type: "ethernet"}) {
		t.Errorf("second entry = %v", ev.Connections[1])
	}
}

func TestPropertyChangedSignal(t *testing.T) {
	fake := testutil.NewFakeDaemon()
	ctrl := newTestController(t, fake, config.Snapshot{})
	rec := &eventRecorder{}
	ctrl.Subscribe(rec)
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	fake.Emit(&dbus.Signal{
		Path: connman.ManagerPath,
		Name: connman.SignalPropertyChanged,
		Body: []any{"State", dbus.MakeVariant("online")},
	})

	waitFor(t, "property_changed not received", func() bool {
		return rec.count(EventPropertyChanged) >= 1
	})
	ev, _ := rec.find(EventPropertyChanged)
	if ev.Key != "State" || ev.Value != "online" {
		t.Errorf("event = %+v, want State/online", ev)
	}
}

func TestSignalsIgnoredWhileStopped(t *testing.T) {
	fake := testutil.NewFakeDaemon()
	fake.AddService("home", "wifi", nil)
	ctrl := newTestController(t, fake, config.Snapshot{})
	rec := &eventRecorder{}
	ctrl.Subscribe(rec)

	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// The channel is detached on stop; a late signal must not produce events.
	select {
	case ctrl.signals <- &dbus.Signal{Name: connman.SignalServicesChanged}:
	default:
		t.Fatal("signal channel full")
	}
	time.Sleep(50 * time.Millisecond)
	if n := rec.count(EventConnectionsChanged); n != 0 {
		t.Errorf("connections_changed emitted %d times after stop", n)
	}
}

func TestSetConfigProperty_BouncesSession(t *testing.T) {
	fake := testutil.NewFakeDaemon()
	ctrl := newTestController(t, fake, config.Snapshot{})
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	rec := &eventRecorder{}
	ctrl.Subscribe(rec)

	if err := ctrl.SetConfigProperty("scannable", []string{"wifi"}); err != nil {
		t.Fatalf("SetConfigProperty failed: %v", err)
	}

	waitFor(t, "bounce events not received", func() bool {
		return rec.count(EventServiceStarted) >= 1
	})
	kinds := rec.kinds()
	want := []EventKind{EventServicePropertyChanged, EventServiceStopped, EventServiceStarted}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events = %v, want %v", kinds, want)
		}
	}

	value, ok := ctrl.GetConfigProperty("scannable")
	if !ok {
		t.Fatal("scannable not found")
	}
	list := value.([]string)
	if len(list) != 1 || list[0] != "wifi" {
		t.Errorf("scannable = %v, want [wifi]", list)
	}
}

func TestSetConfigProperty_RejectsUnknownKeyAndBadType(t *testing.T) {
	fake := testutil.NewFakeDaemon()
	ctrl := newTestController(t, fake, config.Snapshot{})
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	rec := &eventRecorder{}
	ctrl.Subscribe(rec)

	if err := ctrl.SetConfigProperty("bogus", true); err == nil {
		t.Error("unknown key accepted")
	}
	if err := ctrl.SetConfigProperty("apipa_enabled", "yes"); err == nil {
		t.Error("wrong value type accepted")
	}
	time.Sleep(50 * time.Millisecond)
	if n := rec.count(EventServiceStopped); n != 0 {
		t.Error("rejected mutation bounced the session")
	}
}

func TestGetConfigProperty_AllKeys(t *testing.T) {
	fake := testutil.NewFakeDaemon()
	ctrl := newTestController(t, fake, config.Snapshot{
		Powered:   []string{"wifi"},
		Scannable: []string{"wifi"},
	})

	value, ok := ctrl.GetConfigProperty("")
	if !ok {
		t.Fatal("full snapshot not returned")
	}
	all := value.(map[string]any)
	if len(all) != 6 {
		t.Errorf("snapshot has %d keys, want 6: %v", len(all), all)
	}
	if _, ok := ctrl.GetConfigProperty("nope"); ok {
		t.Error("unknown key reported as present")
	}
}

func TestSetWifiConfig_CredentialRouting(t *testing.T) {
	fake := testutil.NewFakeDaemon()
	home := fake.AddService("home", "wifi", nil)
	fake.AddService("cafe", "wifi", nil)

	ctrl := newTestController(t, fake, config.Snapshot{})
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := ctrl.SetWifiConfig("home", map[string]string{"ssid": "S", "passphrase": "P"}); err != nil {
		t.Fatalf("SetWifiConfig failed: %v", err)
	}
	if err := ctrl.SetWifiConfig("*", map[string]string{"passphrase": "fallback"}); err != nil {
		t.Fatalf("SetWifiConfig wildcard failed: %v", err)
	}
	// Unknown target is a pure no-op.
	if err := ctrl.SetWifiConfig("ghost", map[string]string{"passphrase": "x"}); err != nil {
		t.Fatalf("SetWifiConfig on unknown name failed: %v", err)
	}

	ag, ok := fake.Exported(testAgentPath, connman.AgentInterface).(*agent.Agent)
	if !ok {
		t.Fatal("agent object not exported")
	}

	// Exact match answers with the stored credentials.
	reply, derr := ag.RequestInput(home.Path, map[string]dbus.Variant{
		"SSID":       dbus.MakeVariant(""),
		"Passphrase": dbus.MakeVariant(""),
	})
	if derr != nil {
		t.Fatalf("RequestInput failed: %v", derr)
	}
	if got := reply["Passphrase"].Value(); got != "P" {
		t.Errorf("Passphrase = %v, want P", got)
	}
	if got, ok := reply["SSID"].Value().([]byte); !ok || string(got) != "S" {
		t.Errorf("SSID = %v, want bytes of S", reply["SSID"].Value())
	}

	// An untargeted connection falls back to the wildcard entry.
	reply, derr = ag.RequestInput("/net/connman/service/wifi_1", map[string]dbus.Variant{
		"Passphrase": dbus.MakeVariant(""),
	})
	if derr != nil {
		t.Fatalf("wildcard RequestInput failed: %v", derr)
	}
	if got := reply["Passphrase"].Value(); got != "fallback" {
		t.Errorf("wildcard Passphrase = %v, want fallback", got)
	}
}

func TestStart_TransportErrorLeavesStopped(t *testing.T) {
	fake := testutil.NewFakeDaemon()
	fake.CallErr[".RegisterAgent"] = errors.New("permission denied")

	ctrl := newTestController(t, fake, config.Snapshot{})
	err := ctrl.Start()
	if err == nil {
		t.Fatal("Start succeeded despite RegisterAgent failure")
	}
	var te *connman.TransportError
	if !errors.As(err, &te) {
		t.Errorf("error = %v, want TransportError", err)
	}
	if got := ctrl.SessionState(); got != Stopped {
		t.Errorf("state = %v, want Stopped after failed start", got)
	}
	if !fake.Closed() {
		t.Error("bus not closed after failed start")
	}
}

func TestClose_RejectsFurtherOps(t *testing.T) {
	fake := testutil.NewFakeDaemon()
	ctrl := New(config.Snapshot{}, Options{
		Dial:      func() (connman.Bus, error) { return fake, nil },
		AgentPath: testAgentPath,
	})
	ctrl.Close()
	if err := ctrl.Start(); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
}
