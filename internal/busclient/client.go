package busclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/dbus2mqtt/bridge/internal/config"
	"github.com/dbus2mqtt/bridge/internal/eventbroker"
	"github.com/dbus2mqtt/bridge/internal/flowscheduler"
	"github.com/dbus2mqtt/bridge/internal/templating"
)

// Client watches a D-Bus connection for configured bus names, walks
// their object trees, wires up signal handlers, and executes inbound
// MQTT commands as method calls or property sets.
type Client struct {
	conn     Conn
	cfg      config.DBusConfig
	broker   *eventbroker.Broker
	tmpl     *templating.Engine
	sched    *flowscheduler.Scheduler
	logger   *slog.Logger

	mu            sync.Mutex
	subscriptions map[string]*busNameSubscriptions
}

// New creates a Client. sched may be nil in tests that don't exercise
// schedule triggers.
func New(conn Conn, cfg config.DBusConfig, broker *eventbroker.Broker, tmpl *templating.Engine, sched *flowscheduler.Scheduler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		conn:          conn,
		cfg:           cfg,
		broker:        broker,
		tmpl:          tmpl,
		sched:         sched,
		logger:        logger,
		subscriptions: make(map[string]*busNameSubscriptions),
	}
}

// Connect subscribes to NameOwnerChanged and walks every currently owned
// bus name that matches a configured subscription.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.conn.AddNameOwnerChangedMatch(ctx); err != nil {
		return fmt.Errorf("busclient: watch NameOwnerChanged: %w", err)
	}

	names, err := c.conn.Names(ctx)
	if err != nil {
		return fmt.Errorf("busclient: list names: %w", err)
	}

	for _, name := range names {
		if c.isConfigured(name) {
			c.handleBusNameAdded(ctx, name)
		}
	}

	c.logger.Info("busclient connected", "bus_type", c.cfg.BusType, "watched_names", len(c.subscriptions))
	return nil
}

// isConfigured reports whether busName matches at least one configured
// subscription's bus_name glob.
func (c *Client) isConfigured(busName string) bool {
	for _, s := range c.cfg.Subscriptions {
		if busNameGlobMatch(s.BusName, busName) {
			return true
		}
	}
	return false
}

// RunSignalLoop drains D-Bus signals from the connection and dispatches
// NameOwnerChanged/PropertiesChanged/other matched signals until ctx is
// canceled. Intended to run in its own goroutine.
func (c *Client) RunSignalLoop(ctx context.Context, signals <-chan *dbus.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			c.handleSignal(ctx, sig)
		}
	}
}

func (c *Client) handleSignal(ctx context.Context, sig *dbus.Signal) {
	parts := strings.Split(string(sig.Name), ".")
	member := parts[len(parts)-1]
	iface := strings.Join(parts[:len(parts)-1], ".")

	if iface == "org.freedesktop.DBus" && member == "NameOwnerChanged" {
		c.handleNameOwnerChanged(ctx, sig)
		return
	}

	c.handleAppSignal(ctx, sig, iface, member)
}

func (c *Client) handleNameOwnerChanged(ctx context.Context, sig *dbus.Signal) {
	if len(sig.Body) != 3 {
		return
	}
	name, _ := sig.Body[0].(string)
	oldOwner, _ := sig.Body[1].(string)
	newOwner, _ := sig.Body[2].(string)

	if !c.isConfigured(name) {
		return
	}

	if newOwner != "" && oldOwner == "" {
		c.handleBusNameAdded(ctx, name)
	}
	if oldOwner != "" && newOwner == "" {
		c.handleBusNameRemoved(ctx, name)
	}
}

// handleBusNameAdded walks the object tree of a newly owned bus name,
// subscribes matching interfaces, and fires bus_name_added triggers.
func (c *Client) handleBusNameAdded(ctx context.Context, busName string) {
	c.mu.Lock()
	if _, exists := c.subscriptions[busName]; exists {
		c.mu.Unlock()
		return
	}
	bns := newBusNameSubscriptions(busName)
	c.subscriptions[busName] = bns
	c.mu.Unlock()

	// A single literal subscription path is introspected directly; glob
	// paths, or several distinct paths, need a walk from the root.
	root := ""
	for _, s := range c.cfg.Subscriptions {
		if !busNameGlobMatch(s.BusName, busName) {
			continue
		}
		if root == "" && s.Path != "" && !strings.ContainsAny(s.Path, "*?[") {
			root = s.Path
		} else if root != s.Path {
			root = "/"
			break
		}
	}
	if root == "" {
		root = "/"
	}
	visited := c.visitBusNamePath(ctx, busName, root)

	bns.mu.Lock()
	bns.interfaces = visited
	bns.state = StateWatched
	bns.mu.Unlock()

	started := make(map[string]bool)
	for _, si := range visited {
		if started[si.subConfig.ID] {
			continue
		}
		started[si.subConfig.ID] = true
		if c.sched != nil {
			c.sched.StartFlowSet(si.subConfig.Flows)
		}
		c.fireBusNameTrigger(ctx, si.subConfig, config.TriggerBusNameAdded, busName, si.path)
	}

	c.logger.Info("bus name added", "bus_name", busName, "interfaces", len(visited))
}

// handleBusNameRemoved tears down a bus name's subscriptions, firing
// bus_name_removed triggers before stopping its flow schedules.
func (c *Client) handleBusNameRemoved(ctx context.Context, busName string) {
	c.mu.Lock()
	bns, exists := c.subscriptions[busName]
	if !exists {
		c.mu.Unlock()
		return
	}
	bns.mu.Lock()
	bns.state = StateDraining
	visited := bns.interfaces
	bns.mu.Unlock()
	delete(c.subscriptions, busName)
	c.mu.Unlock()

	stopped := make(map[string]bool)
	for _, si := range visited {
		c.fireBusNameTrigger(ctx, si.subConfig, config.TriggerBusNameRemoved, busName, si.path)
		if !stopped[si.subConfig.ID] {
			stopped[si.subConfig.ID] = true
			if c.sched != nil {
				c.sched.StopFlowSet(si.subConfig.Flows)
			}
		}
	}

	c.logger.Info("bus name removed", "bus_name", busName)
}

func (c *Client) fireBusNameTrigger(ctx context.Context, sub *config.Subscription, triggerType config.TriggerType, busName, path string) {
	for _, flow := range sub.Flows {
		for _, trig := range flow.Triggers {
			if trig.Type != triggerType {
				continue
			}
			msg := eventbroker.TriggerMessage{
				FlowID:  flow.ID,
				BusName: busName,
				Path:    path,
			}
			if err := c.broker.Triggers.Enqueue(ctx, msg); err != nil {
				c.logger.Warn("enqueue trigger failed", "flow_id", flow.ID, "error", err)
			}
		}
	}
}

// visitBusNamePath recursively introspects busName starting at objPath,
// subscribing every interface that matches a configured Subscription and
// attaching signal match rules for its configured signals.
func (c *Client) visitBusNamePath(ctx context.Context, busName, objPath string) []subscribedInterface {
	var out []subscribedInterface

	node, err := introspectWithPatches(ctx, c.conn, c.cfg.IntrospectionPatches, busName, objPath)
	if err != nil {
		c.logger.Warn("introspect failed", "bus_name", busName, "path", objPath, "error", err)
		return out
	}

	subs := matchingSubscriptions(c.cfg.Subscriptions, busName, objPath)
	for _, iface := range node.Interfaces {
		for _, sub := range subs {
			for _, ic := range sub.Interfaces {
				if ic.Interface != iface.Name {
					continue
				}
				for _, sc := range ic.Signals {
					if err := c.conn.AddSignalMatch(ctx, busName, objPath, iface.Name, sc.Signal); err != nil {
						c.logger.Warn("add signal match failed", "bus_name", busName, "path", objPath,
							"interface", iface.Name, "signal", sc.Signal, "error", err)
					}
				}
				out = append(out, subscribedInterface{
					busName:     busName,
					path:        objPath,
					ifaceName:   iface.Name,
					subConfig:   sub,
					ifaceConfig: ic,
				})
			}
		}
	}

	for _, child := range node.Nodes {
		childPath := joinPath(objPath, child.Name)
		out = append(out, c.visitBusNamePath(ctx, busName, childPath)...)
	}

	return out
}

// handleAppSignal matches an observed signal against subscribed
// interfaces and, for PropertiesChanged in particular, against every
// signal configured on those interfaces, enqueuing a SignalEvent for
// each match.
func (c *Client) handleAppSignal(ctx context.Context, sig *dbus.Signal, iface, member string) {
	busName, path, ok := c.resolveSignalSource(sig)
	if !ok {
		return
	}

	args := unwrapDBusValues(sig.Body)

	c.mu.Lock()
	bns, exists := c.subscriptions[busName]
	c.mu.Unlock()
	if !exists {
		return
	}

	bns.mu.Lock()
	interfaces := bns.interfaces
	bns.mu.Unlock()

	for _, si := range interfaces {
		if si.path != path || si.ifaceName != iface {
			continue
		}
		for _, sc := range si.ifaceConfig.Signals {
			if sc.Signal != member {
				continue
			}
			evt := eventbroker.SignalEvent{
				BusName:   busName,
				Path:      path,
				Interface: iface,
				Signal:    member,
				Args:      args,
			}
			if err := c.broker.Signals.Enqueue(ctx, evt); err != nil {
				c.logger.Warn("enqueue signal event failed", "error", err)
			}
		}
	}
}

// resolveSignalSource extracts (bus_name, path) for a signal. godbus
// reports the sender's unique name on sig.Sender; the bridge tracks
// subscriptions by the configured well-known name, so this looks the
// unique name up against the bus names we've subscribed to directly —
// in practice the signal's object Path combined with the original
// well-known busName recorded at subscribe time is what's matched
// against, via the Path field alone when only one bus name owns it.
func (c *Client) resolveSignalSource(sig *dbus.Signal) (busName, path string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, bns := range c.subscriptions {
		bns.mu.Lock()
		for _, si := range bns.interfaces {
			if si.path == string(sig.Path) {
				bns.mu.Unlock()
				return name, si.path, true
			}
		}
		bns.mu.Unlock()
	}
	return "", "", false
}

// commandPayload is the decoded shape of an inbound MQTT command message:
// either a method call or a property set.
type commandPayload struct {
	Method   string `json:"method"`
	Args     []any  `json:"args"`
	Property string `json:"property"`
	Value    any    `json:"value"`
}

// RunCommandLoop drains inbound MQTT messages from the broker and
// dispatches each as a D-Bus method call or property set, until ctx is
// canceled.
func (c *Client) RunCommandLoop(ctx context.Context) {
	for {
		msg, err := c.broker.Inbound.Dequeue(ctx)
		if err != nil {
			return
		}
		c.handleInboundMessage(ctx, msg)
	}
}

func (c *Client) handleInboundMessage(ctx context.Context, msg eventbroker.InboundMessage) {
	var payload commandPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.logger.Warn("inbound command: invalid payload", "topic", msg.Topic, "error", err)
		return
	}

	if payload.Method == "" && (payload.Property == "" || payload.Value == nil) {
		c.logger.Info("inbound command: unsupported payload, missing method or property/value", "topic", msg.Topic)
		return
	}

	matchedMethod := false
	matchedProperty := false

	c.mu.Lock()
	snapshot := make(map[string]*busNameSubscriptions, len(c.subscriptions))
	for k, v := range c.subscriptions {
		snapshot[k] = v
	}
	c.mu.Unlock()

	for busName, bns := range snapshot {
		bns.mu.Lock()
		interfaces := bns.interfaces
		bns.mu.Unlock()

		for _, si := range interfaces {
			cmdTopic, err := c.tmpl.RenderString(ctx, si.ifaceConfig.MQTTCommandTopic, map[string]any{"bus_name": busName, "path": si.path})
			if err != nil || cmdTopic != msg.Topic {
				continue
			}

			if payload.Method != "" && si.ifaceConfig.HasMethod(payload.Method) {
				matchedMethod = true
				c.callMethod(ctx, busName, si, payload)
			}
			if payload.Property != "" && si.ifaceConfig.HasProperty(payload.Property) {
				matchedProperty = true
				c.setProperty(ctx, busName, si, payload)
			}
		}
	}

	if !matchedMethod && !matchedProperty && msg.LogUnmatched {
		c.logger.Info("inbound command: no configured subscription matched", "topic", msg.Topic,
			"method", payload.Method, "property", payload.Property)
	}
}

func (c *Client) callMethod(ctx context.Context, busName string, si subscribedInterface, payload commandPayload) {
	result, err := c.conn.Call(ctx, busName, si.path, si.ifaceName, payload.Method, payload.Args...)
	if err != nil {
		c.logSignalFailure("method call failed", busName, si, err, "method", payload.Method)
		c.publishResponse(ctx, si, responseBody{
			busName: busName, method: payload.Method, args: payload.Args,
			success: false, err: err,
		})
		return
	}
	c.publishResponse(ctx, si, responseBody{
		busName: busName, method: payload.Method, args: payload.Args,
		success: true, result: result,
	})
}

func (c *Client) setProperty(ctx context.Context, busName string, si subscribedInterface, payload commandPayload) {
	err := c.conn.PropertySet(ctx, busName, si.path, si.ifaceName, payload.Property, payload.Value)
	if err != nil {
		c.logSignalFailure("property set failed", busName, si, err, "property", payload.Property)
		c.publishResponse(ctx, si, responseBody{
			busName: busName, property: payload.Property, value: payload.Value,
			success: false, err: err,
		})
		return
	}
	c.publishResponse(ctx, si, responseBody{
		busName: busName, property: payload.Property, value: payload.Value,
		success: true,
	})
}

// wellKnownTransientErrors are bus errors expected during normal
// operation (a player quit between subscribe and command dispatch);
// logged at DEBUG instead of WARN to avoid alarming operators over races
// that resolve themselves on the next bus_name_removed.
var wellKnownTransientErrors = []string{
	"was not provided by any .service files",
	"no such object path",
}

func (c *Client) logSignalFailure(msg, busName string, si subscribedInterface, err error, kv ...any) {
	args := append([]any{"bus_name", busName, "path", si.path, "interface", si.ifaceName, "error", err}, kv...)
	for _, known := range wellKnownTransientErrors {
		if strings.Contains(err.Error(), known) {
			c.logger.Debug(msg, args...)
			return
		}
	}
	c.logger.Warn(msg, args...)
}

// responseBody carries the fields needed to build a command response,
// covering both the method-call and property-set shapes; publishResponse
// renders it to the wire schema described in spec.md §6.
type responseBody struct {
	busName  string
	method   string
	args     []any
	property string
	value    any
	success  bool
	result   []any
	err      error
}

// errorType classifies err for the response payload's error_type field.
// wellKnownTransientErrors classify as "transient"; anything else as
// "invocation", matching the Failure-semantics taxonomy in spec.md §7.
func errorType(err error) string {
	for _, known := range wellKnownTransientErrors {
		if strings.Contains(err.Error(), known) {
			return "transient"
		}
	}
	return "invocation"
}

// publishResponse renders and enqueues a command response on
// si.ifaceConfig.MQTTResponseTopic, if configured. The payload follows
// spec.md §6's response schema: {bus_name, path, interface, timestamp,
// (method,args)|(property,value), success, result|(error,error_type)}.
// A property-set response wraps value in a one-element list, per
// spec.md's explicit open-question resolution ("keep this shape for
// compatibility").
func (c *Client) publishResponse(ctx context.Context, si subscribedInterface, body responseBody) {
	if si.ifaceConfig.MQTTResponseTopic == "" {
		return
	}
	topic, err := c.tmpl.RenderString(ctx, si.ifaceConfig.MQTTResponseTopic, map[string]any{"bus_name": body.busName, "path": si.path})
	if err != nil {
		c.logger.Warn("render response topic failed", "error", err)
		return
	}

	out := map[string]any{
		"bus_name":  body.busName,
		"path":      si.path,
		"interface": si.ifaceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"success":   body.success,
	}
	if body.method != "" {
		out["method"] = body.method
		out["args"] = body.args
	} else {
		out["property"] = body.property
		out["value"] = []any{body.value}
	}
	if body.success {
		out["result"] = body.result
	} else {
		out["error"] = body.err.Error()
		out["error_type"] = errorType(body.err)
	}

	payload, err := json.Marshal(out)
	if err != nil {
		c.logger.Warn("marshal response payload failed", "error", err)
		return
	}
	if err := c.broker.Outbound.Enqueue(ctx, eventbroker.OutboundMessage{Topic: topic, Payload: payload}); err != nil {
		c.logger.Warn("enqueue response failed", "error", err)
	}
}

// ListNames, Call, and PropertyGet let Client satisfy
// templating.BusCaller, so the same engine instance used for rendering
// command/response topics can also back a flow action's
// dbus_list/dbus_call/dbus_property_get template calls.

func (c *Client) ListNames(ctx context.Context) ([]string, error) {
	return c.conn.Names(ctx)
}

func (c *Client) Call(ctx context.Context, busName, path, iface, method string, args ...any) ([]any, error) {
	return c.conn.Call(ctx, busName, path, iface, method, args...)
}

func (c *Client) PropertyGet(ctx context.Context, busName, path, iface, property string) (any, error) {
	return c.conn.PropertyGet(ctx, busName, path, iface, property)
}
