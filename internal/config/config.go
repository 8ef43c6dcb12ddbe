// Package config handles dbus2mqtt bridge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is overridden in tests to avoid picking up real config
// files sitting on a developer or deploy machine.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first by FindConfig.
// Then: ./config.yaml, ~/.config/dbus2mqtt/config.yaml, /config/config.yaml,
// /etc/dbus2mqtt/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "dbus2mqtt", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/dbus2mqtt/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// BusType identifies which D-Bus bus to connect to.
type BusType string

const (
	// BusSession connects to the per-user session bus.
	BusSession BusType = "SESSION"
	// BusSystem connects to the system-wide bus.
	BusSystem BusType = "SYSTEM"
)

// Config holds all bridge configuration.
type Config struct {
	MQTT     MQTTConfig `yaml:"mqtt"`
	DBus     DBusConfig `yaml:"dbus"`
	Flows    []Flow     `yaml:"flows"`
	LogLevel string     `yaml:"log_level"`
	Verbose  bool       `yaml:"-"`
}

// MQTTConfig defines the broker connection and loopback behavior.
type MQTTConfig struct {
	Host               string   `yaml:"host"`
	Port               int      `yaml:"port"`
	Username           string   `yaml:"username"`
	Password           string   `yaml:"password"`
	SubscriptionTopics []string `yaml:"subscription_topics"`
	ClientIDPrefix     string   `yaml:"client_id_prefix"`
	ConnectTimeoutSec  int      `yaml:"connect_timeout_sec"`
	PublishTimeoutSec  int      `yaml:"publish_timeout_sec"`
}

// DBusConfig defines the bus side: which bus to use and what to watch.
type DBusConfig struct {
	BusType              BusType        `yaml:"bus_type"`
	Subscriptions        []Subscription `yaml:"subscriptions"`
	IntrospectionPatches []VendorPatch  `yaml:"introspection_patches"`
}

// VendorPatch substitutes a literal introspection document for a known
// broken service, matched by object path glob and bus-name prefix. See
// spec.md's vendor-patch discussion for MPRIS players (VLC, playerctl)
// whose Introspect() replies omit property annotations.
type VendorPatch struct {
	PathGlob      string `yaml:"path"`
	BusNamePrefix string `yaml:"bus_name_prefix"`
	XML           string `yaml:"xml"`
}

// Subscription is a bus-name/path glob pattern plus the interfaces and
// flows to apply to objects that match it.
type Subscription struct {
	// ID is a stable identity for this subscription, derived from
	// BusName+Path when not explicitly set.
	ID         string            `yaml:"id"`
	BusName    string            `yaml:"bus_name"`
	Path       string            `yaml:"path"`
	Interfaces []InterfaceConfig `yaml:"interfaces"`
	Flows      []Flow            `yaml:"flows"`
}

// InterfaceConfig configures how one D-Bus interface is bridged to MQTT.
type InterfaceConfig struct {
	Interface         string         `yaml:"interface"`
	MQTTCommandTopic  string         `yaml:"mqtt_command_topic"`
	MQTTResponseTopic string         `yaml:"mqtt_response_topic"`
	Signals           []SignalConfig `yaml:"signals"`
	Methods           []string       `yaml:"methods"`
	Properties        []string       `yaml:"properties"`
}

// SignalConfig names a watched signal and an optional filter expression
// evaluated against the signal's argument list.
type SignalConfig struct {
	Signal string `yaml:"signal"`
	Filter string `yaml:"filter"`
}

// HasMethod reports whether the interface config lists the given method
// name as callable.
func (i InterfaceConfig) HasMethod(name string) bool {
	for _, m := range i.Methods {
		if m == name {
			return true
		}
	}
	return false
}

// HasProperty reports whether the interface config lists the given
// property name as readable/writable.
func (i InterfaceConfig) HasProperty(name string) bool {
	for _, p := range i.Properties {
		if p == name {
			return true
		}
	}
	return false
}

// Flow pairs a set of triggers with a set of actions. Flows may be
// declared at the top level (global) or nested under a Subscription.
type Flow struct {
	ID       string    `yaml:"id"`
	Name     string    `yaml:"name"`
	Triggers []Trigger `yaml:"triggers"`
	Actions  []Action  `yaml:"actions"`
}

// TriggerType discriminates the Trigger tagged union.
type TriggerType string

const (
	TriggerSchedule       TriggerType = "schedule"
	TriggerDBusSignal     TriggerType = "dbus_signal"
	TriggerBusNameAdded   TriggerType = "bus_name_added"
	TriggerBusNameRemoved TriggerType = "bus_name_removed"
	TriggerObjectAdded    TriggerType = "object_added"
	TriggerObjectRemoved  TriggerType = "object_removed"
	TriggerMQTTMessage    TriggerType = "mqtt_message"
)

// Trigger is a tagged union keyed by Type; only the fields relevant to
// the given Type are populated.
type Trigger struct {
	Type TriggerType `yaml:"type"`

	// schedule
	Interval string `yaml:"interval"`
	Cron     string `yaml:"cron"`

	// dbus_signal / object_added / object_removed
	Interface string `yaml:"interface"`
	Signal    string `yaml:"signal"`
	BusName   string `yaml:"bus_name"`
	Path      string `yaml:"path"`

	// mqtt_message
	Topic  string `yaml:"topic"`
	Filter string `yaml:"filter"`
}

// ActionType discriminates the Action tagged union.
type ActionType string

const (
	ActionContextSet  ActionType = "context_set"
	ActionMQTTPublish ActionType = "mqtt_publish"
	ActionLog         ActionType = "log"
)

// PayloadType names the serialization used by a mqtt_publish action.
type PayloadType string

const (
	PayloadJSON   PayloadType = "json"
	PayloadYAML   PayloadType = "yaml"
	PayloadText   PayloadType = "text"
	PayloadBinary PayloadType = "binary"
)

// Action is a tagged union keyed by Type; only the fields relevant to
// the given Type are populated.
type Action struct {
	Type ActionType `yaml:"type"`

	// context_set
	GlobalContext map[string]any `yaml:"global_context"`
	Context       map[string]any `yaml:"context"`

	// mqtt_publish
	TopicTemplate   string      `yaml:"topic_template"`
	PayloadTemplate any         `yaml:"payload_template"`
	PayloadType     PayloadType `yaml:"payload_type"`

	// log
	Message string `yaml:"message"`
	Level   string `yaml:"level"`
}

// Load reads configuration from one or more YAML files (later files
// override earlier ones via Merge), expands environment variables,
// applies defaults, assigns stable IDs, and validates the result. After
// Load returns successfully, all fields are usable without additional
// nil/empty checks.
func Load(paths []string, verbose bool) (*Config, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no config paths given")
	}

	var cfg *Config
	for i, p := range paths {
		next, err := loadOne(p)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", p, err)
		}
		if i == 0 {
			cfg = next
		} else {
			cfg.Merge(next)
		}
	}

	cfg.Verbose = verbose
	cfg.applyEnv()
	cfg.applyDefaults()
	assignSubscriptionIDs(cfg)
	assignFlowIDs(cfg.Flows)
	for i := range cfg.DBus.Subscriptions {
		assignFlowIDs(cfg.DBus.Subscriptions[i].Flows)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadOne reads and decodes a single YAML file, applying the custom
// scalar-preservation semantics (see quoteAmbiguousScalars) before
// unmarshalling into the typed struct.
func loadOne(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${MQTT_HOST}, ${MQTT_PASSWORD}).
	expanded := os.ExpandEnv(string(data))

	var root yaml.Node
	if err := yaml.Unmarshal([]byte(expanded), &root); err != nil {
		return nil, err
	}
	quoteAmbiguousScalars(&root)

	cfg := &Config{}
	if len(root.Content) == 0 {
		return cfg, nil
	}
	if err := root.Content[0].Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides scalar MQTT fields from environment variables, for
// deployments that prefer secrets outside the config file.
func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv("DBUS2MQTT_MQTT_HOST"); ok {
		c.MQTT.Host = v
	}
	if v, ok := os.LookupEnv("DBUS2MQTT_MQTT_USERNAME"); ok {
		c.MQTT.Username = v
	}
	if v, ok := os.LookupEnv("DBUS2MQTT_MQTT_PASSWORD"); ok {
		c.MQTT.Password = v
	}
}

// Merge folds other into c: non-zero scalar fields in other override c's,
// slice fields are appended. Used to implement a repeatable --config flag.
func (c *Config) Merge(other *Config) {
	if other.MQTT.Host != "" {
		c.MQTT.Host = other.MQTT.Host
	}
	if other.MQTT.Port != 0 {
		c.MQTT.Port = other.MQTT.Port
	}
	if other.MQTT.Username != "" {
		c.MQTT.Username = other.MQTT.Username
	}
	if other.MQTT.Password != "" {
		c.MQTT.Password = other.MQTT.Password
	}
	if other.MQTT.ClientIDPrefix != "" {
		c.MQTT.ClientIDPrefix = other.MQTT.ClientIDPrefix
	}
	if other.MQTT.ConnectTimeoutSec != 0 {
		c.MQTT.ConnectTimeoutSec = other.MQTT.ConnectTimeoutSec
	}
	if other.MQTT.PublishTimeoutSec != 0 {
		c.MQTT.PublishTimeoutSec = other.MQTT.PublishTimeoutSec
	}
	c.MQTT.SubscriptionTopics = append(c.MQTT.SubscriptionTopics, other.MQTT.SubscriptionTopics...)

	if other.DBus.BusType != "" {
		c.DBus.BusType = other.DBus.BusType
	}
	c.DBus.Subscriptions = append(c.DBus.Subscriptions, other.DBus.Subscriptions...)
	c.DBus.IntrospectionPatches = append(c.DBus.IntrospectionPatches, other.DBus.IntrospectionPatches...)

	c.Flows = append(c.Flows, other.Flows...)

	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if len(c.MQTT.SubscriptionTopics) == 0 {
		c.MQTT.SubscriptionTopics = []string{"dbus2mqtt/#"}
	}
	if c.MQTT.ClientIDPrefix == "" {
		c.MQTT.ClientIDPrefix = "dbus2mqtt-"
	}
	if c.MQTT.ConnectTimeoutSec == 0 {
		c.MQTT.ConnectTimeoutSec = 5
	}
	if c.MQTT.PublishTimeoutSec == 0 {
		c.MQTT.PublishTimeoutSec = 1000
	}
	if c.DBus.BusType == "" {
		c.DBus.BusType = BusSession
	}
	if len(c.DBus.IntrospectionPatches) == 0 {
		c.DBus.IntrospectionPatches = DefaultVendorPatches()
	}
}

// assignSubscriptionIDs gives each subscription a stable identity
// derived from its bus-name/path pattern when not explicitly configured.
func assignSubscriptionIDs(c *Config) {
	for i := range c.DBus.Subscriptions {
		s := &c.DBus.Subscriptions[i]
		if s.ID == "" {
			s.ID = fmt.Sprintf("%s%s", s.BusName, s.Path)
		}
	}
}

// assignFlowIDs gives each flow a stable identity derived from its name
// or position when not explicitly configured.
func assignFlowIDs(flows []Flow) {
	for i := range flows {
		f := &flows[i]
		if f.ID == "" {
			if f.Name != "" {
				f.ID = f.Name
			} else {
				f.ID = fmt.Sprintf("flow-%d", i)
			}
		}
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.MQTT.Host == "" {
		return fmt.Errorf("mqtt.host is required")
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port %d out of range (1-65535)", c.MQTT.Port)
	}
	if c.DBus.BusType != BusSession && c.DBus.BusType != BusSystem {
		return fmt.Errorf("dbus.bus_type %q must be SESSION or SYSTEM", c.DBus.BusType)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	for _, f := range c.Flows {
		if err := validateFlow(f); err != nil {
			return err
		}
	}
	for _, s := range c.DBus.Subscriptions {
		for _, f := range s.Flows {
			if err := validateFlow(f); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateFlow(f Flow) error {
	for _, t := range f.Triggers {
		switch t.Type {
		case TriggerSchedule, TriggerDBusSignal, TriggerBusNameAdded, TriggerBusNameRemoved,
			TriggerObjectAdded, TriggerObjectRemoved, TriggerMQTTMessage:
		default:
			return fmt.Errorf("flow %q: unknown trigger type %q", f.ID, t.Type)
		}
		if t.Type == TriggerSchedule && t.Interval == "" && t.Cron == "" {
			return fmt.Errorf("flow %q: schedule trigger needs interval or cron", f.ID)
		}
	}
	for _, a := range f.Actions {
		switch a.Type {
		case ActionContextSet, ActionMQTTPublish, ActionLog:
		default:
			return fmt.Errorf("flow %q: unknown action type %q", f.ID, a.Type)
		}
	}
	return nil
}

// quoteAmbiguousScalars walks the YAML node tree and force-tags scalar
// nodes that gopkg.in/yaml.v3 would otherwise coerce away from strings:
// YAML 1.1 boolean-looking tokens (on/Off/TRUE/...) and template markers
// ({{ ... }}, {% ... %}) must survive Load as literal strings so the
// templating engine sees them, not a parsed bool.
func quoteAmbiguousScalars(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode && n.Tag != "!!str" {
		v := strings.TrimSpace(n.Value)
		if isYAML11Bool(n.Value) || strings.HasPrefix(v, "{{") || strings.HasPrefix(v, "{%") {
			n.Tag = "!!str"
		}
	}
	for _, c := range n.Content {
		quoteAmbiguousScalars(c)
	}
}

// yaml11Bools are the YAML 1.1 "core schema" boolean-like tokens that
// gopkg.in/yaml.v3 still recognizes on untagged scalars.
var yaml11Bools = map[string]bool{
	"y": true, "Y": true, "yes": true, "Yes": true, "YES": true,
	"n": true, "N": true, "no": true, "No": true, "NO": true,
	"on": true, "On": true, "ON": true,
	"off": true, "Off": true, "OFF": true,
	"true": true, "True": true, "TRUE": true,
	"false": true, "False": true, "FALSE": true,
}

func isYAML11Bool(s string) bool {
	return yaml11Bools[s]
}

// DefaultVendorPatches returns the built-in introspection patches for
// known-broken MPRIS players (VLC and playerctl-backed players omit
// property annotations in their Introspect() replies).
func DefaultVendorPatches() []VendorPatch {
	return []VendorPatch{
		{
			PathGlob:      "/org/mpris/MediaPlayer2",
			BusNamePrefix: "org.mpris.MediaPlayer2.vlc",
			XML:           mprisVLCIntrospection,
		},
		{
			PathGlob:      "/org/mpris/MediaPlayer2",
			BusNamePrefix: "org.mpris.MediaPlayer2.playerctld",
			XML:           mprisPlayerctldIntrospection,
		},
	}
}
