package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/cisip-protocol/cisip-go/pkg/catalog"
	"github.com/cisip-protocol/cisip-go/pkg/connection"
	"github.com/cisip-protocol/cisip-go/pkg/interaction"
	"github.com/cisip-protocol/cisip-go/pkg/wire"
)

// shell is an interactive session over one managed connection.
type shell struct {
	a    *app
	conn *connection.Connection
	out  io.Writer

	mu   sync.Mutex
	subs map[string]interaction.SubscriptionID
}

func newShell(a *app, conn *connection.Connection, out io.Writer) *shell {
	return &shell{
		a:    a,
		conn: conn,
		out:  out,
		subs: make(map[string]interaction.SubscriptionID),
	}
}

func (a *app) cmdShell(ctx context.Context) error {
	host, port, err := a.target(ctx)
	if err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "cisip> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer(a.catalog),
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	var once sync.Once
	closeRL := func() { once.Do(func() { rl.Close() }) }
	defer closeRL()

	conn := a.newConnection()
	defer conn.Close()
	sh := newShell(a, conn, rl.Stdout())

	conn.OnStateChange(func(from, to connection.State, cause error) {
		if cause != nil {
			fmt.Fprintf(sh.out, "\n# %s (%v)\n", to, cause)
		} else {
			fmt.Fprintf(sh.out, "\n# %s\n", to)
		}
		rl.Refresh()
	})

	mgr := connection.NewManager(conn, host, port, connection.ManagerConfig{
		Logger:         a.logger,
		ProtocolLogger: a.plog,
	})
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Close()

	go func() {
		<-ctx.Done()
		closeRL()
	}()

	sh.printHelp()
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return nil
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		if !sh.exec(ctx, strings.ToLower(parts[0]), parts[1:]) {
			return nil
		}
	}
}

func completer(c *catalog.Catalog) *readline.PrefixCompleter {
	names := func(filter func(catalog.Feature) bool) []readline.PrefixCompleterInterface {
		var items []readline.PrefixCompleterInterface
		for _, f := range c.All() {
			if filter(f) {
				items = append(items, readline.PcItem(f.Name))
			}
		}
		return items
	}
	return readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("get", names(catalog.Feature.CanGet)...),
		readline.PcItem("set", names(catalog.Feature.CanSet)...),
		readline.PcItem("sub", names(catalog.Feature.CanNotify)...),
		readline.PcItem("unsub", names(catalog.Feature.CanNotify)...),
		readline.PcItem("status"),
		readline.PcItem("features"),
		readline.PcItem("quit"),
	)
}

// exec runs one command. It returns false to quit.
func (s *shell) exec(ctx context.Context, cmd string, args []string) bool {
	switch cmd {
	case "help", "?":
		s.printHelp()
	case "get", "g":
		s.cmdGet(ctx, args)
	case "set", "s":
		s.cmdSet(ctx, args)
	case "sub":
		s.cmdSub(args)
	case "unsub":
		s.cmdUnsub(args)
	case "status":
		s.cmdStatus(ctx)
	case "features", "f":
		prefix := ""
		if len(args) > 0 {
			prefix = args[0]
		}
		for _, f := range s.a.catalog.Features(prefix) {
			fmt.Fprintf(s.out, "%-22s %s\n", f.Name, f.Access)
		}
	case "quit", "exit", "q":
		fmt.Fprintln(s.out, "Exiting...")
		return false
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (s *shell) printHelp() {
	fmt.Fprintln(s.out, `
Commands:
  get <feature>...          - Read features
  set <feature> <value>     - Change a feature
  sub [feature]             - Print notifications (all if no feature)
  unsub [feature]           - Stop printing notifications
  status                    - Connection state and counters
  features [prefix]         - List known features
  quit                      - Exit`)
}

func (s *shell) cmdGet(ctx context.Context, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(s.out, "usage: get <feature>...")
		return
	}
	for _, feature := range args {
		v, err := s.conn.Get(ctx, feature)
		if err != nil {
			fmt.Fprintf(s.out, "%s: %v\n", feature, err)
			continue
		}
		fmt.Fprintf(s.out, "%s = %s\n", feature, wire.ValueString(v))
	}
}

func (s *shell) cmdSet(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.out, "usage: set <feature> <value>")
		return
	}
	feature := args[0]
	value := wire.ParseValue(strings.Join(args[1:], " "))
	if err := s.a.checkSet(feature, value); err != nil {
		fmt.Fprintf(s.out, "%v\n", err)
		return
	}
	res, err := s.conn.Set(ctx, feature, value)
	if err != nil {
		fmt.Fprintf(s.out, "%s: %v\n", feature, err)
		return
	}
	fmt.Fprintf(s.out, "%s: %s\n", feature, wire.ValueString(res))
}

func (s *shell) cmdSub(args []string) {
	filter := interaction.AllFeatures
	if len(args) > 0 {
		filter = args[0]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[filter]; ok {
		fmt.Fprintf(s.out, "already subscribed to %s\n", filter)
		return
	}
	s.subs[filter] = s.conn.Subscribe(filter, func(feature string, value any) {
		fmt.Fprintf(s.out, "%s %s = %s\n", time.Now().Format("15:04:05.000"), feature, wire.ValueString(value))
	})
	fmt.Fprintf(s.out, "subscribed to %s\n", filter)
}

func (s *shell) cmdUnsub(args []string) {
	filter := interaction.AllFeatures
	if len(args) > 0 {
		filter = args[0]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.subs[filter]
	if !ok {
		fmt.Fprintf(s.out, "not subscribed to %s\n", filter)
		return
	}
	s.conn.Unsubscribe(id)
	delete(s.subs, filter)
	fmt.Fprintf(s.out, "unsubscribed from %s\n", filter)
}

func (s *shell) cmdStatus(ctx context.Context) {
	st := s.conn.Stats()
	fmt.Fprintf(s.out, "state:         %s\n", st.State)
	fmt.Fprintf(s.out, "receiver:      %s\n", st.RemoteAddr)
	fmt.Fprintf(s.out, "connection:    %s\n", st.ConnID)
	fmt.Fprintf(s.out, "listener:      %s\n", st.Listener)
	fmt.Fprintf(s.out, "pending:       %d\n", st.Pending)
	s.mu.Lock()
	fmt.Fprintf(s.out, "subscriptions: %d\n", len(s.subs))
	s.mu.Unlock()
	if st.KeepAlive != nil {
		fmt.Fprintf(s.out, "keep-alive:    %d sent, %d missed\n", st.KeepAlive.Pings, st.KeepAlive.Missed)
	}
	if s.conn.IsConnected() {
		if rtt, err := s.conn.Ping(ctx); err == nil {
			fmt.Fprintf(s.out, "round trip:    %s\n", rtt.Round(time.Microsecond))
		}
	}
}
