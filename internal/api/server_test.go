package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/godbus/dbus/v5"

	"github.com/netsound/connman-session/internal/config"
	"github.com/netsound/connman-session/internal/connman"
	"github.com/netsound/connman-session/internal/session"
	"github.com/netsound/connman-session/internal/testutil"
)

func startTestServer(t *testing.T, fake *testutil.FakeDaemon) *Server {
	t.Helper()
	ctrl := session.New(config.Snapshot{}, session.Options{
		Dial:      func() (connman.Bus, error) { return fake, nil },
		AgentPath: "/test/agent",
	})
	t.Cleanup(ctrl.Close)
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	srv, err := NewServer("127.0.0.1:0", "", ctrl)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	srv.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx) //nolint:errcheck
	})
	return srv
}

func TestServer_ServesREST(t *testing.T) {
	fake := testutil.NewFakeDaemon()
	fake.State = "online"
	srv := startTestServer(t, fake)

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/status")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Session != "started" || status.State != "online" {
		t.Errorf("status = %+v", status)
	}
}

func TestServer_EventStream(t *testing.T) {
	fake := testutil.NewFakeDaemon()
	fake.AddService("home", "wifi", nil)
	srv := startTestServer(t, fake)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+srv.Addr()+"/api/v1/events", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// First frame is the state snapshot.
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}
	var snapshot WSMessage
	if err := json.Unmarshal(data, &snapshot); err != nil {
		t.Fatal(err)
	}
	if snapshot.Type != "snapshot" || snapshot.Session != "started" {
		t.Fatalf("snapshot = %+v", snapshot)
	}
	if len(snapshot.Connections) != 1 || snapshot.Connections[0].Name != "home" {
		t.Errorf("snapshot connections = %v", snapshot.Connections)
	}

	// A daemon signal shows up as an event frame.
	fake.Emit(&dbus.Signal{Path: connman.ManagerPath, Name: connman.SignalServicesChanged})

	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("reading event: %v", err)
	}
	var event WSMessage
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatal(err)
	}
	if event.Type != "event" || event.Event == nil {
		t.Fatalf("event = %+v", event)
	}
	if event.Event.Kind != session.EventConnectionsChanged {
		t.Errorf("kind = %s", event.Event.Kind)
	}
}
