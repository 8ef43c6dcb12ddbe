// Command dbus2mqtt bridges D-Bus signals, methods, and properties to
// MQTT topics according to a flow-based configuration file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"

	"github.com/dbus2mqtt/bridge/internal/buildinfo"
	"github.com/dbus2mqtt/bridge/internal/busclient"
	"github.com/dbus2mqtt/bridge/internal/config"
	"github.com/dbus2mqtt/bridge/internal/eventbroker"
	"github.com/dbus2mqtt/bridge/internal/flowengine"
	"github.com/dbus2mqtt/bridge/internal/flowscheduler"
	"github.com/dbus2mqtt/bridge/internal/mqttbroker"
	"github.com/dbus2mqtt/bridge/internal/templating"
)

func main() {
	var configPaths []string
	flag.Func("config", "path to config file (repeatable; later files override earlier ones)", func(p string) error {
		configPaths = append(configPaths, p)
		return nil
	})
	dataDir := flag.String("data-dir", "./data", "directory for runtime state (client ID, etc.)")
	verbose := flag.Bool("verbose", false, "enable verbose (debug) logging, overriding config log_level")
	flag.BoolVar(verbose, "v", false, "shorthand for -verbose")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.String())
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if len(configPaths) == 0 {
		configPaths = []string{""}
	}
	cfgPaths := make([]string, 0, len(configPaths))
	for _, p := range configPaths {
		found, err := config.FindConfig(p)
		if err != nil {
			logger.Error("config", "error", err)
			os.Exit(1)
		}
		cfgPaths = append(cfgPaths, found)
	}

	cfg, err := config.Load(cfgPaths, *verbose)
	if err != nil {
		logger.Error("failed to load config", "paths", cfgPaths, "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		level, err = config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
	}
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	logger.Info("starting dbus2mqtt", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)
	logger.Info("config loaded", "paths", cfgPaths, "bus_type", cfg.DBus.BusType, "flows", len(cfg.Flows), "subscriptions", len(cfg.DBus.Subscriptions))

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", "path", *dataDir, "error", err)
		os.Exit(1)
	}

	broker := eventbroker.New(eventbroker.Config{})
	defer broker.Close()

	tmpl := templating.New(nil)

	sched := flowscheduler.New(broker, logger)
	defer sched.Stop()

	conn, err := busclient.Dial(string(cfg.DBus.BusType))
	if err != nil {
		logger.Error("failed to connect to D-Bus", "bus_type", cfg.DBus.BusType, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	client := busclient.New(conn, cfg.DBus, broker, tmpl, sched, logger)
	tmpl.SetBus(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		logger.Error("busclient connect failed", "error", err)
		os.Exit(1)
	}

	clientIDSuffix, err := mqttbroker.LoadOrCreateClientIDSuffix(*dataDir)
	if err != nil {
		logger.Error("failed to load/create mqtt client id", "error", err)
		os.Exit(1)
	}

	mqtt := mqttbroker.New(cfg.MQTT, cfg, clientIDSuffix, broker, logger)

	engine := flowengine.New(cfg, broker, tmpl, logger)

	sched.StartFlowSet(cfg.Flows)
	for _, sub := range cfg.DBus.Subscriptions {
		sched.StartFlowSet(sub.Flows)
	}

	signals := make(chan *dbus.Signal, 64)
	conn.Signals(signals)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		_ = mqtt.Stop(context.Background())
	}()

	go func() {
		if err := mqtt.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("mqtt broker failed", "error", err)
		}
	}()

	go client.RunSignalLoop(ctx, signals)
	go client.RunCommandLoop(ctx)
	go engine.RunSignalLoop(ctx)
	go engine.RunTriggerLoop(ctx)

	<-ctx.Done()
	logger.Info("dbus2mqtt stopped")
}
