package flowactions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/dbus2mqtt/bridge/internal/config"
	"github.com/dbus2mqtt/bridge/internal/eventbroker"
	"github.com/dbus2mqtt/bridge/internal/templating"
)

type fakeGlobal struct {
	vars map[string]any
}

func (f *fakeGlobal) Set(key string, value any) {
	f.vars[key] = value
}

func TestExecute_ContextSetLocalScope(t *testing.T) {
	tmpl := templating.New(nil)
	global := &fakeGlobal{vars: map[string]any{}}
	vars := map[string]any{"name": "vlc"}

	action := config.Action{
		Type:    config.ActionContextSet,
		Context: map[string]any{"greeting": "hello {{ .name }}"},
	}

	next, err := Execute(context.Background(), action, tmpl, vars, global, nil, nil)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if next["greeting"] != "hello vlc" {
		t.Errorf("greeting = %v, want %q", next["greeting"], "hello vlc")
	}
	if next["name"] != "vlc" {
		t.Errorf("original var dropped: %v", next)
	}
}

func TestExecute_ContextSetGlobalScope(t *testing.T) {
	tmpl := templating.New(nil)
	global := &fakeGlobal{vars: map[string]any{}}
	vars := map[string]any{"name": "vlc"}

	action := config.Action{
		Type:          config.ActionContextSet,
		GlobalContext: map[string]any{"last_player": "{{ .name }}"},
	}

	if _, err := Execute(context.Background(), action, tmpl, vars, global, nil, nil); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if global.vars["last_player"] != "vlc" {
		t.Errorf("global.last_player = %v, want vlc", global.vars["last_player"])
	}
}

func TestExecute_MQTTPublishJSONDict(t *testing.T) {
	tmpl := templating.New(nil)
	broker := eventbroker.New(eventbroker.Config{})
	defer broker.Close()

	action := config.Action{
		Type:            config.ActionMQTTPublish,
		TopicTemplate:   "dbus2mqtt/status",
		PayloadType:     config.PayloadJSON,
		PayloadTemplate: map[string]any{"state": "{{ .state }}"},
	}

	if _, err := Execute(context.Background(), action, tmpl, map[string]any{"state": "playing"}, nil, broker, nil); err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out, err := broker.Outbound.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if out.Topic != "dbus2mqtt/status" {
		t.Errorf("topic = %q", out.Topic)
	}
	var body map[string]string
	if err := json.Unmarshal(out.Payload, &body); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if body["state"] != "playing" {
		t.Errorf("state = %q, want playing", body["state"])
	}
}

func TestExecute_MQTTPublishTextScalar(t *testing.T) {
	tmpl := templating.New(nil)
	broker := eventbroker.New(eventbroker.Config{})
	defer broker.Close()

	action := config.Action{
		Type:            config.ActionMQTTPublish,
		TopicTemplate:   "dbus2mqtt/raw",
		PayloadType:     config.PayloadText,
		PayloadTemplate: "value={{ .v }}",
	}

	if _, err := Execute(context.Background(), action, tmpl, map[string]any{"v": 42}, nil, broker, nil); err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	ctx := context.Background()
	out, err := broker.Outbound.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if string(out.Payload) != "value=42" {
		t.Errorf("payload = %q, want value=42", out.Payload)
	}
}

func TestExecute_UnknownActionType(t *testing.T) {
	tmpl := templating.New(nil)
	_, err := Execute(context.Background(), config.Action{Type: "bogus"}, tmpl, map[string]any{}, nil, nil, nil)
	if err == nil {
		t.Fatal("expected error for unknown action type")
	}
}

func TestRenderPayload_UnknownPayloadType(t *testing.T) {
	tmpl := templating.New(nil)
	_, err := renderPayload(context.Background(), config.Action{PayloadType: "bogus"}, tmpl, map[string]any{})
	if err == nil {
		t.Fatal("expected error for unknown payload_type")
	}
}
