// Package flowengine matches triggers against configured flows and
// runs their actions. It consumes two of the event broker's queues:
// Signals (raw D-Bus signal observations, filtered against the
// signal-config's filter expression before becoming a trigger) and
// Triggers (already-matched flow firings from the bus client,
// scheduler, and the signal filter stage below), executing each
// flow's actions in order against a merged global/local variable
// scope.
package flowengine

import (
	"context"
	"encoding/json"
	"log/slog"
	"path"
	"strings"

	"github.com/dbus2mqtt/bridge/internal/config"
	"github.com/dbus2mqtt/bridge/internal/eventbroker"
	"github.com/dbus2mqtt/bridge/internal/flowactions"
	"github.com/dbus2mqtt/bridge/internal/templating"
)

// wellKnownTransientErrors are substrings of D-Bus errors that happen
// routinely during normal operation (a player exiting mid-call, a
// property briefly unavailable) and shouldn't be logged at warn level
// from inside a flow action.
var wellKnownTransientErrors = []string{
	"was not provided by any .service files",
	"no such object path",
	"Unknown property",
}

type signalFilter struct {
	busNameGlob string
	pathGlob    string
	iface       string
	signal      string
	filter      string
}

// Engine owns the flow index and the global variable scope, and runs
// the signal-filter and trigger-dispatch consumer loops.
type Engine struct {
	broker   *eventbroker.Broker
	tmpl     *templating.Engine
	global   *GlobalContext
	logger   *slog.Logger
	flows    map[string]config.Flow
	flowSubs map[string]*config.Subscription
	filters  []signalFilter
}

// New builds an Engine from the full bridge config: it indexes every
// flow (top-level and subscription-nested) by ID, and every
// interface-signal's filter expression for the Signals consumer loop.
func New(cfg *config.Config, broker *eventbroker.Broker, tmpl *templating.Engine, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		broker:   broker,
		tmpl:     tmpl,
		global:   NewGlobalContext(),
		logger:   logger,
		flows:    make(map[string]config.Flow),
		flowSubs: make(map[string]*config.Subscription),
	}

	for _, f := range cfg.Flows {
		e.flows[f.ID] = f
	}
	for i := range cfg.DBus.Subscriptions {
		sub := &cfg.DBus.Subscriptions[i]
		for _, f := range sub.Flows {
			e.flows[f.ID] = f
			e.flowSubs[f.ID] = sub
		}
		for _, ic := range sub.Interfaces {
			for _, sc := range ic.Signals {
				e.filters = append(e.filters, signalFilter{
					busNameGlob: sub.BusName,
					pathGlob:    sub.Path,
					iface:       ic.Interface,
					signal:      sc.Signal,
					filter:      sc.Filter,
				})
			}
		}
	}

	return e
}

// GlobalContext exposes the engine's shared variable store so main.go
// can wire the same instance into components that need to read it
// (none currently do, but flowactions.Execute needs the setter side).
func (e *Engine) GlobalContext() *GlobalContext {
	return e.global
}

// RunSignalLoop drains broker.Signals, evaluates each event's
// signal-config filter (if any), and on pass/absence fans it out as a
// dbus_signal TriggerMessage to every matching flow. Runs until ctx is
// canceled or the queue is closed.
func (e *Engine) RunSignalLoop(ctx context.Context) {
	for {
		evt, err := e.broker.Signals.Dequeue(ctx)
		if err != nil {
			return
		}
		e.handleSignalEvent(ctx, evt)
	}
}

func (e *Engine) handleSignalEvent(ctx context.Context, evt eventbroker.SignalEvent) {
	filterExpr, ok := e.matchSignalFilter(evt)
	if ok && filterExpr != "" {
		vars := map[string]any{"args": evt.Args}
		pass, err := e.tmpl.RenderTyped(ctx, filterExpr, vars, templating.ExpectBool)
		if err != nil {
			e.logger.Debug("signal filter evaluation failed, dropping event", "interface", evt.Interface, "signal", evt.Signal, "error", err)
			return
		}
		if b, _ := pass.(bool); !b {
			return
		}
	}

	for _, f := range e.flows {
		for _, t := range f.Triggers {
			if t.Type != config.TriggerDBusSignal {
				continue
			}
			if t.Interface != evt.Interface || t.Signal != evt.Signal {
				continue
			}
			if t.BusName != "" && !globMatch(t.BusName, evt.BusName) {
				continue
			}
			if t.Path != "" && !globMatch(t.Path, evt.Path) {
				continue
			}
			msg := eventbroker.TriggerMessage{
				FlowID:    f.ID,
				BusName:   evt.BusName,
				Path:      evt.Path,
				Interface: evt.Interface,
				Signal:    evt.Signal,
				Args:      evt.Args,
			}
			if err := e.broker.Triggers.Enqueue(ctx, msg); err != nil {
				e.logger.Warn("enqueue dbus_signal trigger failed", "flow_id", f.ID, "error", err)
			}
		}
	}
}

// matchSignalFilter returns the first configured signal filter whose
// bus-name/path/interface/signal match evt. ok is false (filter
// treated as always-true) when no configured signal matches evt.
func (e *Engine) matchSignalFilter(evt eventbroker.SignalEvent) (filter string, ok bool) {
	for _, sf := range e.filters {
		if sf.iface != evt.Interface || sf.signal != evt.Signal {
			continue
		}
		if sf.busNameGlob != "" && !globMatch(sf.busNameGlob, evt.BusName) {
			continue
		}
		if sf.pathGlob != "" && !globMatch(sf.pathGlob, evt.Path) {
			continue
		}
		return sf.filter, true
	}
	return "", false
}

// RunTriggerLoop drains broker.Triggers and runs each flow's actions
// in order. Runs until ctx is canceled or the queue is closed.
func (e *Engine) RunTriggerLoop(ctx context.Context) {
	for {
		msg, err := e.broker.Triggers.Dequeue(ctx)
		if err != nil {
			return
		}
		e.dispatch(ctx, msg)
	}
}

func (e *Engine) dispatch(ctx context.Context, msg eventbroker.TriggerMessage) {
	flow, ok := e.flows[msg.FlowID]
	if !ok {
		e.logger.Warn("trigger fired for unknown flow", "flow_id", msg.FlowID)
		return
	}

	if !e.passesMQTTFilter(ctx, flow, msg) {
		return
	}

	vars := e.global.Snapshot()
	if sub, ok := e.flowSubs[flow.ID]; ok {
		for k, v := range buildSubscriptionVars(sub) {
			vars[k] = v
		}
	}
	for k, v := range buildTriggerVars(msg) {
		vars[k] = v
	}

	for _, action := range flow.Actions {
		next, err := flowactions.Execute(ctx, action, e.tmpl, vars, e.global, e.broker, e.logger)
		if err != nil {
			e.logActionError(flow.ID, action.Type, err)
			continue
		}
		vars = next
	}
}

// passesMQTTFilter re-checks an mqtt_message trigger's optional filter
// expression, since the mqtt broker only matches on topic and leaves
// template evaluation to the engine (it has no Template Engine of its
// own wired in).
func (e *Engine) passesMQTTFilter(ctx context.Context, flow config.Flow, msg eventbroker.TriggerMessage) bool {
	if msg.Topic == "" {
		return true
	}
	for _, t := range flow.Triggers {
		if t.Type != config.TriggerMQTTMessage || t.Filter == "" {
			continue
		}
		if !topicMatch(t.Topic, msg.Topic) {
			continue
		}
		vars := map[string]any{"topic": msg.Topic, "payload": decodePayload(msg.Payload)}
		pass, err := e.tmpl.RenderTyped(ctx, t.Filter, vars, templating.ExpectBool)
		if err != nil {
			e.logger.Debug("mqtt_message filter evaluation failed, dropping trigger", "flow_id", flow.ID, "error", err)
			return false
		}
		if b, _ := pass.(bool); !b {
			return false
		}
	}
	return true
}

// buildSubscriptionVars builds the read-only "flow" scope for a flow
// attached to a subscription: its bus-name pattern, path pattern, and
// the list of interface names it watches.
func buildSubscriptionVars(sub *config.Subscription) map[string]any {
	ifaces := make([]string, 0, len(sub.Interfaces))
	for _, ic := range sub.Interfaces {
		ifaces = append(ifaces, ic.Interface)
	}
	return map[string]any{
		"subscription_bus_name":   sub.BusName,
		"subscription_path":       sub.Path,
		"subscription_interfaces": ifaces,
	}
}

func buildTriggerVars(msg eventbroker.TriggerMessage) map[string]any {
	vars := map[string]any{}
	if msg.BusName != "" {
		vars["bus_name"] = msg.BusName
	}
	if msg.Path != "" {
		vars["path"] = msg.Path
	}
	if msg.Interface != "" {
		vars["interface"] = msg.Interface
	}
	if msg.Signal != "" {
		vars["signal"] = msg.Signal
	}
	if msg.Args != nil {
		vars["args"] = msg.Args
	}
	if msg.Topic != "" {
		vars["topic"] = msg.Topic
	}
	if msg.Payload != nil {
		vars["payload"] = decodePayload(msg.Payload)
	}
	return vars
}

// decodePayload JSON-decodes an mqtt_message trigger's raw payload for
// template access; a non-JSON payload is exposed as its raw string
// rather than failing the whole trigger.
func decodePayload(payload []byte) any {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	return v
}

func (e *Engine) logActionError(flowID string, actionType config.ActionType, err error) {
	msg := err.Error()
	for _, known := range wellKnownTransientErrors {
		if strings.Contains(msg, known) {
			e.logger.Debug("flow action failed", "flow_id", flowID, "action_type", actionType, "error", err)
			return
		}
	}
	e.logger.Warn("flow action failed", "flow_id", flowID, "action_type", actionType, "error", err)
}

// globMatch matches a bus_name or path configuration glob (path.Match
// semantics), with an exact-string fast path.
func globMatch(pattern, value string) bool {
	if pattern == value {
		return true
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

// topicMatch reports whether an MQTT topic matches a filter pattern,
// honoring the "+"/"#" wildcards.
func topicMatch(filter, topic string) bool {
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topic, "/")
	for i, fp := range fParts {
		if fp == "#" {
			return true
		}
		if i >= len(tParts) {
			return false
		}
		if fp == "+" {
			continue
		}
		if fp != tParts[i] {
			return false
		}
	}
	return len(fParts) == len(tParts)
}
