// Command cisip-sim runs a simulated CIS-IP2 receiver.
//
// It listens for clients, answers get and set from a feature table seeded
// from the catalog, and pushes notify records on change. An interactive
// console changes values as if from the front panel and injects faults.
//
// Usage:
//
//	cisip-sim [flags]
//
// Flags:
//
//	-config string        YAML or TOML configuration file
//	-listen string        Listen address (default "127.0.0.1:33336")
//	-name string          Advertised instance name (default "CIS-IP2 Simulator")
//	-model string         Model name (default "STR-SIM1")
//	-advertise            Advertise over mDNS
//	-delay duration       Delay every answer
//	-state string         Keep values across restarts in this JSON file
//	-protocol-log string  Capture protocol events to a .clog file
//	-log-level string     debug, info, warn, error (default "info")
//	-console              Interactive console (default true)
//
// Examples:
//
//	# Local simulator discoverable by cisip-ctl discover
//	cisip-sim -listen :33336 -advertise
//
//	# Slow receiver
//	cisip-sim -delay 2s -log-level debug
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cisip-protocol/cisip-go/internal/cli"
	"github.com/cisip-protocol/cisip-go/internal/simulator"
	"github.com/cisip-protocol/cisip-go/pkg/discovery"
)

// Config holds the simulator settings. Field tags name the config file keys.
type Config struct {
	Listen      string            `yaml:"listen" toml:"listen"`
	Name        string            `yaml:"name" toml:"name"`
	Model       string            `yaml:"model" toml:"model"`
	Version     string            `yaml:"version" toml:"version"`
	Advertise   bool              `yaml:"advertise" toml:"advertise"`
	Interfaces  []string          `yaml:"interfaces" toml:"interfaces"`
	Delay       time.Duration     `yaml:"delay" toml:"delay"`
	ProtocolLog string            `yaml:"protocol_log" toml:"protocol_log"`
	State       string            `yaml:"state" toml:"state"`
	LogLevel    string            `yaml:"log_level" toml:"log_level"`
	Console     bool              `yaml:"-" toml:"-"`
	Values      map[string]string `yaml:"values" toml:"values"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "cisip-sim:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := parseConfig(args)
	if err != nil {
		return err
	}

	logger, err := cli.NewLogger(os.Stderr, cfg.LogLevel, "text")
	if err != nil {
		return err
	}
	plog, closeLog, err := cli.ProtocolLog(cfg.ProtocolLog)
	if err != nil {
		return err
	}
	defer closeLog()

	values := make(map[string]any, len(cfg.Values))
	for k, v := range cfg.Values {
		values[k] = v
	}

	sim := simulator.New(simulator.Config{
		Address:        cfg.Listen,
		ModelName:      cfg.Model,
		Version:        cfg.Version,
		Values:         values,
		ResponseDelay:  cfg.Delay,
		Logger:         logger,
		ProtocolLogger: plog,
		StatePath:      cfg.State,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := sim.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sim.Stop(); err != nil {
			logger.Error("simulator stop failed", slog.Any("error", err))
		}
	}()

	if cfg.Advertise {
		_, port := sim.HostPort()
		adv := discovery.NewAdvertiser(discovery.AdvertiserConfig{
			Interfaces: cfg.Interfaces,
			Logger:     logger,
		})
		if err := adv.Advertise(&discovery.ReceiverInfo{
			Instance: cfg.Name,
			Port:     port,
			Model:    cfg.Model,
			Firmware: cfg.Version,
		}); err != nil {
			logger.Warn("mDNS advertising failed", slog.Any("error", err))
		} else {
			defer adv.Stop()
		}
	}

	if cfg.Console {
		c, err := newConsole(sim)
		if err != nil {
			return err
		}
		c.Run(ctx, cancel)
		return nil
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func parseConfig(args []string) (Config, error) {
	fs := flag.NewFlagSet("cisip-sim", flag.ContinueOnError)
	var cfg Config
	configFile := fs.String("config", "", "YAML or TOML configuration file")
	fs.StringVar(&cfg.Listen, "listen", "127.0.0.1:33336", "Listen address")
	fs.StringVar(&cfg.Name, "name", "CIS-IP2 Simulator", "Advertised instance name")
	fs.StringVar(&cfg.Model, "model", "STR-SIM1", "Model name")
	fs.StringVar(&cfg.Version, "version", "1.0.0", "Firmware version")
	fs.BoolVar(&cfg.Advertise, "advertise", false, "Advertise over mDNS")
	fs.DurationVar(&cfg.Delay, "delay", 0, "Delay every answer")
	fs.StringVar(&cfg.ProtocolLog, "protocol-log", "", "Capture protocol events to a .clog file")
	fs.StringVar(&cfg.State, "state", "", "Keep values across restarts in this JSON file")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.BoolVar(&cfg.Console, "console", true, "Interactive console")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if *configFile == "" {
		return cfg, nil
	}

	var file Config
	if err := cli.LoadFile(*configFile, &file); err != nil {
		return Config{}, err
	}
	merge(&cfg, file, cli.Explicit(fs))
	return cfg, nil
}

// merge applies non-zero file values for flags not given on the command line.
func merge(cfg *Config, file Config, explicit map[string]bool) {
	setString := func(flag string, dst *string, v string) {
		if v != "" && !explicit[flag] {
			*dst = v
		}
	}
	setString("listen", &cfg.Listen, file.Listen)
	setString("name", &cfg.Name, file.Name)
	setString("model", &cfg.Model, file.Model)
	setString("version", &cfg.Version, file.Version)
	setString("protocol-log", &cfg.ProtocolLog, file.ProtocolLog)
	setString("state", &cfg.State, file.State)
	setString("log-level", &cfg.LogLevel, file.LogLevel)
	if file.Advertise && !explicit["advertise"] {
		cfg.Advertise = true
	}
	if file.Delay != 0 && !explicit["delay"] {
		cfg.Delay = file.Delay
	}
	cfg.Interfaces = file.Interfaces
	cfg.Values = file.Values
}
