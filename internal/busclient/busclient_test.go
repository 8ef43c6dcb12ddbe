package busclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/dbus2mqtt/bridge/internal/config"
	"github.com/dbus2mqtt/bridge/internal/eventbroker"
	"github.com/dbus2mqtt/bridge/internal/templating"
)

const playerIntrospection = `<node>
  <interface name="org.mpris.MediaPlayer2.Player">
    <method name="Play"/>
    <property name="Volume" type="d" access="readwrite"/>
  </interface>
  <interface name="org.freedesktop.DBus.Properties">
    <signal name="PropertiesChanged"/>
  </interface>
</node>`

type fakeConn struct {
	names           []string
	introspections  map[string]string
	calls           []string
	propSets        map[string]any
	callErr         error
}

func (f *fakeConn) Names(ctx context.Context) ([]string, error) { return f.names, nil }
func (f *fakeConn) AddNameOwnerChangedMatch(ctx context.Context) error { return nil }
func (f *fakeConn) Signals(ch chan<- *dbus.Signal)                 {}
func (f *fakeConn) Introspect(ctx context.Context, busName, path string) (string, error) {
	return f.introspections[busName+path], nil
}
func (f *fakeConn) AddSignalMatch(ctx context.Context, busName, path, iface, signal string) error {
	return nil
}
func (f *fakeConn) Call(ctx context.Context, busName, path, iface, method string, args ...any) ([]any, error) {
	f.calls = append(f.calls, method)
	return nil, f.callErr
}
func (f *fakeConn) PropertyGet(ctx context.Context, busName, path, iface, property string) (any, error) {
	return nil, nil
}
func (f *fakeConn) PropertySet(ctx context.Context, busName, path, iface, property string, value any) error {
	if f.propSets == nil {
		f.propSets = make(map[string]any)
	}
	f.propSets[property] = value
	return f.callErr
}
func (f *fakeConn) Close() error { return nil }

func newTestClient(conn Conn, cfg config.DBusConfig) (*Client, *eventbroker.Broker) {
	broker := eventbroker.New(eventbroker.Config{})
	tmpl := templating.New(nil)
	c := New(conn, cfg, broker, tmpl, nil, slog.Default())
	return c, broker
}

func TestFindVendorPatch(t *testing.T) {
	patches := []config.VendorPatch{
		{PathGlob: "/org/mpris/MediaPlayer2", BusNamePrefix: "org.mpris.MediaPlayer2.vlc", XML: "<node/>"},
	}
	_, ok := findVendorPatch(patches, "org.mpris.MediaPlayer2.vlc.instance1234", "/org/mpris/MediaPlayer2")
	if !ok {
		t.Fatal("expected vendor patch match for vlc bus name")
	}
	_, ok = findVendorPatch(patches, "org.mpris.MediaPlayer2.spotify", "/org/mpris/MediaPlayer2")
	if ok {
		t.Fatal("did not expect a match for spotify bus name")
	}
}

func TestBusNameGlobMatch(t *testing.T) {
	if !busNameGlobMatch("org.mpris.MediaPlayer2.*", "org.mpris.MediaPlayer2.vlc") {
		t.Error("expected glob match")
	}
	if busNameGlobMatch("org.mpris.MediaPlayer2.*", "org.freedesktop.DBus") {
		t.Error("expected no match")
	}
}

func TestMatchingSubscriptions(t *testing.T) {
	subs := []config.Subscription{
		{BusName: "org.mpris.MediaPlayer2.*", Path: "/org/mpris/MediaPlayer2"},
		{BusName: "com.example.Other", Path: "/com/example/Other"},
	}
	got := matchingSubscriptions(subs, "org.mpris.MediaPlayer2.vlc", "/org/mpris/MediaPlayer2")
	if len(got) != 1 {
		t.Fatalf("got %d matches, want 1", len(got))
	}
}

func TestUnwrapDBusValue_Variant(t *testing.T) {
	v := dbus.MakeVariant("hello")
	got := unwrapDBusValue(v)
	if got != "hello" {
		t.Errorf("got %v, want hello", got)
	}
}

func TestUnwrapDBusValue_NestedMap(t *testing.T) {
	m := map[string]dbus.Variant{
		"Volume": dbus.MakeVariant(0.8),
	}
	got := unwrapDBusValue(m).(map[string]any)
	if got["Volume"] != 0.8 {
		t.Errorf("Volume = %v, want 0.8", got["Volume"])
	}
}

func TestInferSignature(t *testing.T) {
	cases := []struct {
		v    any
		want byte
	}{
		{true, 'b'},
		{"hi", 's'},
		{float64(5), 'i'},
		{float64(5.5), 'd'},
		{float64(int64(1) << 40), 'x'},
	}
	for _, tc := range cases {
		if got := inferSignature(tc.v); got != tc.want {
			t.Errorf("inferSignature(%v) = %c, want %c", tc.v, got, tc.want)
		}
	}
}

func TestWrapMethodArgs_Int32Narrowing(t *testing.T) {
	out, err := wrapMethodArgs([]any{float64(42)})
	if err != nil {
		t.Fatalf("wrapMethodArgs error: %v", err)
	}
	if _, ok := out[0].(int32); !ok {
		t.Errorf("arg type = %T, want int32", out[0])
	}
}

func TestClient_HandleBusNameAdded_SubscribesAndStarts(t *testing.T) {
	conn := &fakeConn{
		names: []string{"org.mpris.MediaPlayer2.vlc"},
		introspections: map[string]string{
			"org.mpris.MediaPlayer2.vlc/org/mpris/MediaPlayer2": playerIntrospection,
		},
	}
	cfg := config.DBusConfig{
		Subscriptions: []config.Subscription{
			{
				BusName: "org.mpris.MediaPlayer2.*",
				Path:    "/org/mpris/MediaPlayer2",
				Interfaces: []config.InterfaceConfig{
					{Interface: "org.mpris.MediaPlayer2.Player", Methods: []string{"Play"}, Properties: []string{"Volume"}},
				},
				Flows: []config.Flow{
					{ID: "f1", Triggers: []config.Trigger{{Type: config.TriggerBusNameAdded}}},
				},
			},
		},
	}
	c, broker := newTestClient(conn, cfg)
	defer broker.Close()

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	if len(c.subscriptions) != 1 {
		t.Fatalf("subscriptions = %d, want 1", len(c.subscriptions))
	}

	msg, err := broker.Triggers.Dequeue(ctx)
	if err != nil {
		t.Fatalf("expected a bus_name_added trigger message, got error: %v", err)
	}
	if msg.FlowID != "f1" {
		t.Errorf("FlowID = %q, want f1", msg.FlowID)
	}
}

func TestClient_HandleInboundMessage_CallsMethod(t *testing.T) {
	conn := &fakeConn{
		names: []string{"org.mpris.MediaPlayer2.vlc"},
		introspections: map[string]string{
			"org.mpris.MediaPlayer2.vlc/org/mpris/MediaPlayer2": playerIntrospection,
		},
	}
	cfg := config.DBusConfig{
		Subscriptions: []config.Subscription{
			{
				BusName: "org.mpris.MediaPlayer2.*",
				Path:    "/org/mpris/MediaPlayer2",
				Interfaces: []config.InterfaceConfig{
					{
						Interface:        "org.mpris.MediaPlayer2.Player",
						MQTTCommandTopic: "dbus2mqtt/mpris/command",
						Methods:          []string{"Play"},
					},
				},
			},
		},
	}
	c, broker := newTestClient(conn, cfg)
	defer broker.Close()
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	payload, _ := json.Marshal(map[string]any{"method": "Play"})
	c.handleInboundMessage(ctx, eventbroker.InboundMessage{Topic: "dbus2mqtt/mpris/command", Payload: payload})

	if len(conn.calls) != 1 || conn.calls[0] != "Play" {
		t.Errorf("calls = %v, want [Play]", conn.calls)
	}
}

func TestClient_HandleInboundMessage_UnmatchedLogsHint(t *testing.T) {
	conn := &fakeConn{}
	cfg := config.DBusConfig{}
	c, broker := newTestClient(conn, cfg)
	defer broker.Close()

	payload, _ := json.Marshal(map[string]any{"method": "Play"})
	// Should not panic even with no subscriptions.
	c.handleInboundMessage(context.Background(), eventbroker.InboundMessage{
		Topic: "dbus2mqtt/unknown/command", Payload: payload, LogUnmatched: true,
	})
}
