// Package busclient bridges a D-Bus connection to the bridge's event
// queues: it discovers bus names, introspects matching objects, wires up
// signal handlers, and executes inbound MQTT commands as D-Bus method
// calls or property sets.
package busclient

import (
	"sync"

	"github.com/dbus2mqtt/bridge/internal/config"
)

// SubscriptionState is the lifecycle of one bus-name/path subscription.
type SubscriptionState int

const (
	// StateAbsent means the bus name is not currently owned on the bus.
	StateAbsent SubscriptionState = iota
	// StateDiscovered means NameOwnerChanged fired but introspection has
	// not completed yet.
	StateDiscovered
	// StateWatched means introspection completed, signal handlers and
	// flow schedules are active.
	StateWatched
	// StateDraining means the owner disappeared and bus_name_removed
	// triggers are being processed before teardown completes.
	StateDraining
)

func (s SubscriptionState) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateDiscovered:
		return "discovered"
	case StateWatched:
		return "watched"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// subscribedInterface records that one D-Bus interface at one
// bus_name/path matched one configured Subscription, and which signal
// handlers were attached for it.
type subscribedInterface struct {
	busName    string
	path       string
	ifaceName  string
	subConfig  *config.Subscription
	ifaceConfig config.InterfaceConfig
}

// busNameSubscriptions tracks every path visited under one bus name and
// that path's live subscribed interfaces, mirroring the teacher's
// scheduler map-of-live-state pattern.
type busNameSubscriptions struct {
	mu         sync.Mutex
	busName    string
	state      SubscriptionState
	interfaces []subscribedInterface
	// paths is allocated empty; the current introspection walk neither
	// fills nor reads it.
	paths map[string]bool
}

func newBusNameSubscriptions(busName string) *busNameSubscriptions {
	return &busNameSubscriptions{
		busName: busName,
		state:   StateDiscovered,
		paths:   make(map[string]bool),
	}
}
