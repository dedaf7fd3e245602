package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/cisip-protocol/cisip-go/internal/simulator"
	"github.com/cisip-protocol/cisip-go/pkg/wire"
)

// console is the interactive front panel of the simulator.
type console struct {
	sim *simulator.Simulator
	rl  *readline.Instance
	out io.Writer
}

func newConsole(sim *simulator.Simulator) (*console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "sim> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("help"),
			readline.PcItem("status"),
			readline.PcItem("get"),
			readline.PcItem("set"),
			readline.PcItem("notify"),
			readline.PcItem("fault",
				readline.PcItem("drop"),
				readline.PcItem("split"),
				readline.PcItem("coalesce"),
				readline.PcItem("garbage"),
				readline.PcItem("close"),
				readline.PcItem("none"),
			),
			readline.PcItem("inject"),
			readline.PcItem("kick"),
			readline.PcItem("requests"),
			readline.PcItem("save"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &console{sim: sim, rl: rl, out: rl.Stdout()}, nil
}

// Run reads commands until quit, EOF or ctx is done.
func (c *console) Run(ctx context.Context, cancel context.CancelFunc) {
	var once sync.Once
	closeRL := func() { once.Do(func() { c.rl.Close() }) }
	defer closeRL()

	go func() {
		<-ctx.Done()
		closeRL()
	}()

	c.printHelp()
	for {
		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			cancel()
			return
		}

		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		if !c.exec(strings.ToLower(parts[0]), parts[1:]) {
			cancel()
			return
		}
	}
}

// exec runs one command. It returns false to quit.
func (c *console) exec(cmd string, args []string) bool {
	switch cmd {
	case "help", "?":
		c.printHelp()
	case "status", "s":
		c.cmdStatus()
	case "get", "g":
		c.cmdGet(args)
	case "set":
		c.cmdSet(args, false)
	case "notify", "n":
		c.cmdSet(args, true)
	case "fault", "f":
		c.cmdFault(args)
	case "inject":
		n := c.sim.Inject([]byte(strings.Join(args, " ") + "\n"))
		fmt.Fprintf(c.out, "written to %d client(s)\n", n)
	case "kick":
		fmt.Fprintf(c.out, "closed %d client(s)\n", c.sim.CloseClients())
	case "requests", "r":
		for _, msg := range c.sim.Received() {
			fmt.Fprintln(c.out, msg)
		}
	case "save":
		if err := c.sim.SaveState(); err != nil {
			fmt.Fprintf(c.out, "%v\n", err)
		} else {
			fmt.Fprintln(c.out, "state saved")
		}
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Exiting...")
		return false
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (c *console) printHelp() {
	fmt.Fprintln(c.out, `
Simulator Commands:
  Values:
    get [feature]            - Show one value, or all
    set <feature> <value>    - Change a value (notifies clients)
    notify <feature> <value> - Send a notify without changing state

  Faults:
    fault <name> [on|off]    - drop, split, coalesce, garbage, close
    fault none               - Clear all faults
    inject <text>            - Write raw text to every client
    kick                     - Close every client connection

  General:
    status                   - Show clients and faults
    requests                 - List received requests
    save                     - Write values to the -state file
    quit                     - Exit`)
}

func (c *console) cmdStatus() {
	host, port := c.sim.HostPort()
	f := c.sim.Faults()
	fmt.Fprintf(c.out, "listening: %s:%d\n", host, port)
	fmt.Fprintf(c.out, "clients:   %d\n", c.sim.Clients())
	fmt.Fprintf(c.out, "requests:  %d\n", len(c.sim.Received()))
	fmt.Fprintf(c.out, "faults:    drop=%t split=%t coalesce=%t garbage=%t close=%t\n",
		f.DropResponses, f.SplitWrites, f.Coalesce, f.Garbage, f.CloseOnRequest)
}

func (c *console) cmdGet(args []string) {
	if len(args) == 0 {
		for _, name := range c.sim.Features() {
			v, _ := c.sim.Value(name)
			fmt.Fprintf(c.out, "%-24s %s\n", name, wire.ValueString(v))
		}
		return
	}
	v, ok := c.sim.Value(args[0])
	if !ok {
		fmt.Fprintf(c.out, "unknown feature: %s\n", args[0])
		return
	}
	fmt.Fprintf(c.out, "%s = %s\n", args[0], wire.ValueString(v))
}

func (c *console) cmdSet(args []string, notifyOnly bool) {
	if len(args) < 2 {
		fmt.Fprintln(c.out, "usage: set|notify <feature> <value>")
		return
	}
	value := wire.ParseValue(strings.Join(args[1:], " "))
	var n int
	if notifyOnly {
		n = c.sim.Notify(args[0], value)
	} else {
		n = c.sim.SetValue(args[0], value)
	}
	fmt.Fprintf(c.out, "%s = %v (notified %d client(s))\n", args[0], value, n)
}

func (c *console) cmdFault(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(c.out, "usage: fault <drop|split|coalesce|garbage|close|none> [on|off]")
		return
	}
	on := len(args) < 2 || args[1] != "off"

	f := c.sim.Faults()
	switch args[0] {
	case "drop":
		f.DropResponses = on
	case "split":
		f.SplitWrites = on
	case "coalesce":
		f.Coalesce = on
	case "garbage":
		f.Garbage = on
	case "close":
		f.CloseOnRequest = on
	case "none":
		f = simulator.Faults{}
	default:
		fmt.Fprintf(c.out, "unknown fault: %s\n", args[0])
		return
	}
	c.sim.SetFaults(f)
	c.cmdStatus()
}
