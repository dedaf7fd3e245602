package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cisip-protocol/cisip-go/internal/cli"
	"github.com/cisip-protocol/cisip-go/pkg/catalog"
	"github.com/cisip-protocol/cisip-go/pkg/connection"
	"github.com/cisip-protocol/cisip-go/pkg/discovery"
	"github.com/cisip-protocol/cisip-go/pkg/interaction"
	"github.com/cisip-protocol/cisip-go/pkg/log"
	"github.com/cisip-protocol/cisip-go/pkg/wire"
)

// app carries what every command needs.
type app struct {
	cfg      Config
	out      io.Writer
	logger   *slog.Logger
	plog     log.Logger
	closeLog func() error
	catalog  *catalog.Catalog

	// browse overrides mDNS lookups in tests.
	browse discovery.BrowseFunc
}

func newApp(cfg Config, out io.Writer) (*app, error) {
	logger, err := cli.NewLogger(os.Stderr, cfg.LogLevel, "text")
	if err != nil {
		return nil, err
	}
	plog, closeLog, err := cli.ProtocolLog(cfg.ProtocolLog)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:      cfg,
		out:      out,
		logger:   logger,
		plog:     plog,
		closeLog: closeLog,
		catalog:  catalog.Default(),
	}, nil
}

func (a *app) close() {
	if err := a.closeLog(); err != nil {
		a.logger.Warn("closing protocol log", slog.Any("error", err))
	}
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "get":
		return a.cmdGet(ctx, args)
	case "set":
		return a.cmdSet(ctx, args)
	case "watch":
		return a.cmdWatch(ctx, args)
	case "status":
		return a.cmdStatus(ctx)
	case "features":
		return a.cmdFeatures(args)
	case "discover":
		return a.cmdDiscover(ctx)
	case "shell":
		return a.cmdShell(ctx)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func (a *app) browser() *discovery.Browser {
	return discovery.NewBrowser(discovery.BrowserConfig{
		ServiceType: a.cfg.ServiceType,
		Browse:      a.browse,
		Logger:      a.logger,
	})
}

// target returns the receiver to talk to, discovering one if no host is
// configured.
func (a *app) target(ctx context.Context) (string, int, error) {
	if a.cfg.Host != "" {
		return a.cfg.Host, a.cfg.Port, nil
	}
	r, err := a.browser().FindFirst(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("no -host given and discovery failed: %w", err)
	}
	host := r.Host
	if len(r.Addresses) > 0 {
		host = r.Addresses[0]
	}
	a.logger.Info("using discovered receiver", slog.String("instance", r.Instance), slog.String("addr", r.Address()))
	return host, r.Port, nil
}

func (a *app) newConnection() *connection.Connection {
	cc := a.cfg.connectionConfig()
	cc.Logger = a.logger
	cc.ProtocolLogger = a.plog
	return connection.New(cc)
}

// connect opens a connection for a one-shot command.
func (a *app) connect(ctx context.Context) (*connection.Connection, error) {
	host, port, err := a.target(ctx)
	if err != nil {
		return nil, err
	}
	conn := a.newConnection()
	if err := conn.Connect(ctx, host, port); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (a *app) cmdGet(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: get <feature>...")
	}
	conn, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	var errs []error
	for _, feature := range args {
		v, err := conn.Get(ctx, feature)
		if err != nil {
			fmt.Fprintf(a.out, "%s: %v\n", feature, err)
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(a.out, "%s = %s\n", feature, wire.ValueString(v))
	}
	return errors.Join(errs...)
}

func (a *app) cmdSet(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	force := fs.Bool("force", false, "Send even if the catalog rejects the value")
	noAck := fs.Bool("no-ack", false, "Print the result instead of requiring ACK")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return errors.New("usage: set [-force] [-no-ack] <feature> <value>")
	}
	feature := fs.Arg(0)
	value := wire.ParseValue(strings.Join(fs.Args()[1:], " "))

	if err := a.checkSet(feature, value); err != nil && !*force {
		return fmt.Errorf("%w (use -force to send anyway)", err)
	}

	conn, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if *noAck {
		res, err := conn.Set(ctx, feature, value)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s: %s\n", feature, wire.ValueString(res))
		return nil
	}
	if err := conn.SetAck(ctx, feature, value); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s: %s\n", feature, wire.ResponseACK)
	return nil
}

// checkSet validates a set against the catalog. Features the catalog does
// not know pass; receivers differ.
func (a *app) checkSet(feature string, value any) error {
	err := a.catalog.Validate(feature, value)
	if errors.Is(err, catalog.ErrUnknownFeature) {
		a.logger.Debug("feature not in catalog", slog.String("feature", feature))
		return nil
	}
	return err
}

func (a *app) cmdWatch(ctx context.Context, args []string) error {
	host, port, err := a.target(ctx)
	if err != nil {
		return err
	}
	conn := a.newConnection()
	defer conn.Close()

	filters := args
	if len(filters) == 0 {
		filters = []string{interaction.AllFeatures}
	}
	for _, f := range filters {
		conn.Subscribe(f, func(feature string, value any) {
			fmt.Fprintf(a.out, "%s %s = %s\n", time.Now().Format("15:04:05.000"), feature, wire.ValueString(value))
		})
	}
	conn.OnStateChange(func(from, to connection.State, cause error) {
		if cause != nil {
			fmt.Fprintf(a.out, "# %s -> %s: %v\n", from, to, cause)
			return
		}
		fmt.Fprintf(a.out, "# %s -> %s\n", from, to)
	})

	mgr := connection.NewManager(conn, host, port, connection.ManagerConfig{
		Logger:         a.logger,
		ProtocolLogger: a.plog,
		OnReconnecting: func(attempt int, delay time.Duration) {
			fmt.Fprintf(a.out, "# reconnecting in %s (attempt %d)\n", delay.Round(time.Millisecond), attempt)
		},
	})
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Close()

	<-ctx.Done()
	flushCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = conn.Flush(flushCtx)
	return nil
}

func (a *app) cmdStatus(ctx context.Context) error {
	conn, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	rtt, err := conn.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	st := conn.Stats()
	fmt.Fprintf(a.out, "Receiver:   %s\n", st.RemoteAddr)
	fmt.Fprintf(a.out, "Connection: %s (%s)\n", st.State, st.ConnID)
	fmt.Fprintf(a.out, "Round trip: %s\n", rtt.Round(time.Microsecond))
	for _, feature := range []string{catalog.SystemModelname, catalog.SystemVersion, catalog.MainPower, catalog.MainInput, catalog.MainVolumestep} {
		v, err := conn.Get(ctx, feature)
		if err != nil {
			fmt.Fprintf(a.out, "%-18s (%v)\n", feature+":", err)
			continue
		}
		fmt.Fprintf(a.out, "%-18s %s\n", feature+":", wire.ValueString(v))
	}
	return nil
}

func (a *app) cmdFeatures(args []string) error {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	features := a.catalog.Features(prefix)
	if len(features) == 0 {
		return fmt.Errorf("%w: no feature starts with %q", catalog.ErrUnknownFeature, prefix)
	}
	for _, f := range features {
		constraint := ""
		switch {
		case len(f.Values) > 0:
			constraint = strings.Join(f.Values, "|")
		case f.Range != nil:
			constraint = fmt.Sprintf("%g..%g", f.Range.Min, f.Range.Max)
		}
		fmt.Fprintf(a.out, "%-22s %-15s %-24s %s\n", f.Name, f.Access, constraint, f.Description)
	}
	return nil
}

func (a *app) cmdDiscover(ctx context.Context) error {
	found, err := a.browser().Scan(ctx)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		return discovery.ErrNotFound
	}
	for _, r := range found {
		fmt.Fprintf(a.out, "%-24s %-22s %s\n", r.Instance, r.Address(), r.Model)
	}
	return nil
}
