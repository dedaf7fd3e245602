// Command cisip-ctl controls a CIS-IP2 receiver from the command line.
//
// Usage:
//
//	cisip-ctl [flags] <command> [args]
//
// Commands:
//
//	get <feature>...          Read one or more features
//	set <feature> <value>     Change a feature (waits for ACK)
//	watch [feature]...        Print notifications until interrupted
//	status                    Show receiver and connection status
//	features [prefix]         List known features
//	discover                  Find receivers on the local network
//	shell                     Interactive shell
//
// Flags:
//
//	-config string        YAML or TOML configuration file
//	-host string          Receiver host (default: first receiver discovered)
//	-port int             Receiver port (default 33336)
//	-timeout duration     Request timeout (default 10s)
//	-rate float           Max requests per second (0 = unlimited)
//	-keepalive duration   Ping interval for watch and shell (0 = off)
//	-protocol-log string  Capture protocol events to a .clog file
//	-log-level string     debug, info, warn, error (default "warn")
//
// Examples:
//
//	cisip-ctl -host 192.168.1.20 get main.power main.volumestep
//	cisip-ctl -host avr.local set main.input game
//	cisip-ctl -config ~/.cisip.yaml watch main.volumestep
//	cisip-ctl discover
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/cisip-protocol/cisip-go/internal/cli"
	"github.com/cisip-protocol/cisip-go/pkg/connection"
	"github.com/cisip-protocol/cisip-go/pkg/transport"
	"github.com/cisip-protocol/cisip-go/pkg/wire"
)

// Config holds the client settings. Field tags name the config file keys.
type Config struct {
	Host        string        `yaml:"host" toml:"host"`
	Port        int           `yaml:"port" toml:"port"`
	Timeout     time.Duration `yaml:"timeout" toml:"timeout"`
	Rate        float64       `yaml:"rate" toml:"rate"`
	KeepAlive   time.Duration `yaml:"keepalive" toml:"keepalive"`
	ServiceType string        `yaml:"service_type" toml:"service_type"`
	ProtocolLog string        `yaml:"protocol_log" toml:"protocol_log"`
	LogLevel    string        `yaml:"log_level" toml:"log_level"`
}

const usage = `cisip-ctl - CIS-IP2 receiver control

Usage:
  cisip-ctl [flags] <command> [args]

Commands:
  get <feature>...          Read one or more features
  set <feature> <value>     Change a feature (waits for ACK)
  watch [feature]...        Print notifications until interrupted
  status                    Show receiver and connection status
  features [prefix]         List known features
  discover                  Find receivers on the local network
  shell                     Interactive shell

Flags:
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "cisip-ctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	cfg, rest, err := parseConfig(args)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("command required")
	}

	a, err := newApp(cfg, out)
	if err != nil {
		return err
	}
	defer a.close()

	return a.dispatch(ctx, rest[0], rest[1:])
}

func parseConfig(args []string) (Config, []string, error) {
	fs := flag.NewFlagSet("cisip-ctl", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}

	var cfg Config
	configFile := fs.String("config", "", "YAML or TOML configuration file")
	fs.StringVar(&cfg.Host, "host", "", "Receiver host (default: first receiver discovered)")
	fs.IntVar(&cfg.Port, "port", wire.DefaultPort, "Receiver port")
	fs.DurationVar(&cfg.Timeout, "timeout", wire.DefaultTimeout, "Request timeout")
	fs.Float64Var(&cfg.Rate, "rate", 0, "Max requests per second (0 = unlimited)")
	fs.DurationVar(&cfg.KeepAlive, "keepalive", 0, "Ping interval for watch and shell (0 = off)")
	fs.StringVar(&cfg.ServiceType, "service", "", "mDNS service type for discovery")
	fs.StringVar(&cfg.ProtocolLog, "protocol-log", "", "Capture protocol events to a .clog file")
	fs.StringVar(&cfg.LogLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return Config{}, nil, err
	}

	if *configFile != "" {
		var file Config
		if err := cli.LoadFile(*configFile, &file); err != nil {
			return Config{}, nil, err
		}
		merge(&cfg, file, cli.Explicit(fs))
	}
	return cfg, fs.Args(), nil
}

// merge applies non-zero file values for flags not given on the command line.
func merge(cfg *Config, file Config, explicit map[string]bool) {
	if file.Host != "" && !explicit["host"] {
		cfg.Host = file.Host
	}
	if file.Port != 0 && !explicit["port"] {
		cfg.Port = file.Port
	}
	if file.Timeout != 0 && !explicit["timeout"] {
		cfg.Timeout = file.Timeout
	}
	if file.Rate != 0 && !explicit["rate"] {
		cfg.Rate = file.Rate
	}
	if file.KeepAlive != 0 && !explicit["keepalive"] {
		cfg.KeepAlive = file.KeepAlive
	}
	if file.ServiceType != "" && !explicit["service"] {
		cfg.ServiceType = file.ServiceType
	}
	if file.ProtocolLog != "" && !explicit["protocol-log"] {
		cfg.ProtocolLog = file.ProtocolLog
	}
	if file.LogLevel != "" && !explicit["log-level"] {
		cfg.LogLevel = file.LogLevel
	}
}

// connectionConfig builds the library config from the CLI settings.
func (c Config) connectionConfig() connection.Config {
	cc := connection.DefaultConfig()
	cc.RequestTimeout = c.Timeout
	cc.RateLimit = rate.Limit(c.Rate)
	if c.KeepAlive > 0 {
		cc.KeepAlive = transport.DefaultKeepAliveConfig()
		cc.KeepAlive.PingInterval = c.KeepAlive
	}
	return cc
}
