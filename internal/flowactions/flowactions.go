// Package flowactions executes the action side of a flow: context_set,
// mqtt_publish, and log. Each action renders its templated fields
// against the current variable scope before acting, so a template
// failure aborts just that one action rather than the whole flow.
package flowactions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/dbus2mqtt/bridge/internal/config"
	"github.com/dbus2mqtt/bridge/internal/eventbroker"
	"github.com/dbus2mqtt/bridge/internal/templating"
)

// GlobalStore is the subset of the flow engine's shared context the
// context_set action needs. Defined here (not imported from flowengine)
// to avoid a package cycle; *flowengine.GlobalContext satisfies it.
type GlobalStore interface {
	Set(key string, value any)
}

// Execute renders and runs one action. vars is the current local
// variable scope (trigger fields plus any locals set by prior actions
// in this same flow run); Execute returns vars updated with whatever a
// context_set action added, for the next action in the run to see.
func Execute(ctx context.Context, action config.Action, tmpl *templating.Engine, vars map[string]any, global GlobalStore, broker *eventbroker.Broker, logger *slog.Logger) (map[string]any, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch action.Type {
	case config.ActionContextSet:
		return executeContextSet(ctx, action, tmpl, vars, global)
	case config.ActionMQTTPublish:
		return vars, executeMQTTPublish(ctx, action, tmpl, vars, broker)
	case config.ActionLog:
		return vars, executeLog(ctx, action, tmpl, vars, logger)
	default:
		return vars, fmt.Errorf("flowactions: unknown action type %q", action.Type)
	}
}

// executeContextSet renders global_context into the shared store and
// context into the local scope returned to the caller.
func executeContextSet(ctx context.Context, action config.Action, tmpl *templating.Engine, vars map[string]any, global GlobalStore) (map[string]any, error) {
	if len(action.GlobalContext) > 0 {
		rendered, err := tmpl.RenderDict(ctx, action.GlobalContext, vars)
		if err != nil {
			return vars, fmt.Errorf("flowactions: render global_context: %w", err)
		}
		for k, v := range rendered {
			global.Set(k, v)
		}
	}

	if len(action.Context) > 0 {
		rendered, err := tmpl.RenderDict(ctx, action.Context, vars)
		if err != nil {
			return vars, fmt.Errorf("flowactions: render context: %w", err)
		}
		next := make(map[string]any, len(vars)+len(rendered))
		for k, v := range vars {
			next[k] = v
		}
		for k, v := range rendered {
			next[k] = v
		}
		return next, nil
	}

	return vars, nil
}

// executeMQTTPublish renders topic_template and payload_template and
// enqueues an OutboundMessage. Serialization follows payload_type:
// json/yaml encode the rendered payload_template value, text/binary
// expect payload_template to render to a plain string.
func executeMQTTPublish(ctx context.Context, action config.Action, tmpl *templating.Engine, vars map[string]any, broker *eventbroker.Broker) error {
	topic, err := tmpl.RenderString(ctx, action.TopicTemplate, vars)
	if err != nil {
		return fmt.Errorf("flowactions: render topic_template: %w", err)
	}

	payload, err := renderPayload(ctx, action, tmpl, vars)
	if err != nil {
		return fmt.Errorf("flowactions: render payload_template: %w", err)
	}

	return broker.Outbound.Enqueue(ctx, eventbroker.OutboundMessage{
		Topic:       topic,
		Payload:     payload,
		PayloadType: action.PayloadType,
	})
}

func renderPayload(ctx context.Context, action config.Action, tmpl *templating.Engine, vars map[string]any) ([]byte, error) {
	switch action.PayloadType {
	case config.PayloadJSON, "":
		dict, ok := action.PayloadTemplate.(map[string]any)
		if ok {
			rendered, err := tmpl.RenderDict(ctx, dict, vars)
			if err != nil {
				return nil, err
			}
			return json.Marshal(rendered)
		}
		str, err := renderScalarTemplate(ctx, action.PayloadTemplate, tmpl, vars)
		if err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal([]byte(str), &v); err == nil {
			return json.Marshal(v)
		}
		return json.Marshal(str)

	case config.PayloadYAML:
		dict, ok := action.PayloadTemplate.(map[string]any)
		if ok {
			rendered, err := tmpl.RenderDict(ctx, dict, vars)
			if err != nil {
				return nil, err
			}
			return yaml.Marshal(rendered)
		}
		str, err := renderScalarTemplate(ctx, action.PayloadTemplate, tmpl, vars)
		if err != nil {
			return nil, err
		}
		return []byte(str), nil

	case config.PayloadText, config.PayloadBinary:
		str, err := renderScalarTemplate(ctx, action.PayloadTemplate, tmpl, vars)
		if err != nil {
			return nil, err
		}
		return []byte(str), nil

	default:
		return nil, fmt.Errorf("unknown payload_type %q", action.PayloadType)
	}
}

// renderScalarTemplate renders a payload_template that is a plain
// string (not a nested dict), which is the common case for text,
// binary, and scalar-valued json/yaml payloads.
func renderScalarTemplate(ctx context.Context, payloadTemplate any, tmpl *templating.Engine, vars map[string]any) (string, error) {
	str, ok := payloadTemplate.(string)
	if !ok {
		return "", fmt.Errorf("payload_template must be a string or a map, got %T", payloadTemplate)
	}
	return tmpl.RenderString(ctx, str, vars)
}

// executeLog renders message and emits it at the configured level,
// defaulting to info for an unset or unrecognized level.
func executeLog(ctx context.Context, action config.Action, tmpl *templating.Engine, vars map[string]any, logger *slog.Logger) error {
	msg, err := tmpl.RenderString(ctx, action.Message, vars)
	if err != nil {
		return fmt.Errorf("flowactions: render message: %w", err)
	}

	level := slog.LevelInfo
	if action.Level != "" {
		if parsed, err := config.ParseLogLevel(action.Level); err == nil {
			level = parsed
		}
	}

	logger.Log(ctx, level, msg)
	return nil
}
