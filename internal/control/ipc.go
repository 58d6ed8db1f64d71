package control

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
)

// AgentSeed is one agent description loaded from an initial-population or
// add_agents payload document.
type AgentSeed struct {
	AgentType int
	Payload   []byte
}

// PopulationLoader parses an on-disk population document into seeds,
// implemented by internal/modelio and injected here so control stays
// independent of the document format.
type PopulationLoader interface {
	Load(path string) ([]AgentSeed, error)
}

// SetLoader wires the population loader used by the "init" and "add_agents"
// commands.
func (p *Plane) SetLoader(l PopulationLoader) { p.loader = l }

// Dispatch parses and executes one IPC command line, root-only (spec §4.7:
// only the front-end master accepts commands; every other master only ever
// reacts to the resulting broadcast). It returns a single-line response
// ("ok ..." or "error: ..."), never panics, and never mutates state on a
// malformed command (§7 Config error kind).
func (p *Plane) Dispatch(ctx context.Context, line string) string {
	if !p.IsRoot() {
		return "error: control: Dispatch called on non-root master"
	}
	cmd, err := ParseCommand(line)
	if err != nil {
		return "error: " + err.Error()
	}
	if err := p.execute(ctx, cmd); err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

// execute runs one parsed command. "pause" is handled before anything else
// and never takes execMu: it must be able to reach a "run" command that is
// still in flight (UntilPaused blocks inside applyRun for the run's entire
// duration), which it can only do if pause's own execution never queues
// behind that same lock. Every other command serializes on execMu so root
// never has two fab.Broadcast calls outstanding for its own rank at once —
// see ListenAndServe, which now services connections concurrently.
func (p *Plane) execute(ctx context.Context, cmd Command) error {
	if cmd.Name == "pause" {
		p.requestPause()
		return nil
	}

	p.execMu.Lock()
	defer p.execMu.Unlock()

	switch cmd.Name {
	case "init":
		return p.loadAndApply(ctx, cmd.Args[0])

	case "add_agents":
		return p.loadAndApply(ctx, cmd.Args[0])

	case "run":
		msg := orderMessage{Order: OrderRun}
		if len(cmd.Args) == 1 {
			n, err := strconv.Atoi(cmd.Args[0])
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}
			msg.N = n
		} else {
			msg.UntilPaused = true
		}
		return p.issue(ctx, msg)

	case "kill":
		return p.issue(ctx, orderMessage{Order: OrderKill})

	case "set_period":
		n, err := strconv.Atoi(cmd.Args[0])
		if err != nil {
			return fmt.Errorf("set_period: %w", err)
		}
		if n <= 0 {
			return fmt.Errorf("set_period: period must be positive, got %d", n)
		}
		return p.issue(ctx, orderMessage{Order: OrderChangePeriod, N: n})

	case "set_nb_threads":
		if p.Started() {
			return fmt.Errorf("set_nb_threads: cannot change thread count while a simulation is alive")
		}
		if _, err := strconv.Atoi(cmd.Args[0]); err != nil {
			return fmt.Errorf("set_nb_threads: %w", err)
		}
		return nil

	case "export_json":
		return p.issue(ctx, orderMessage{Order: OrderExport, Kind: "json", Path: cmd.Args[0]})

	case "export_ubjson":
		return p.issue(ctx, orderMessage{Order: OrderExport, Kind: "ubjson", Path: cmd.Args[0]})

	case "convert":
		return p.export.Convert(ctx, cmd.Args[0], cmd.Args[1])

	case "modify_attribute":
		id, err := strconv.ParseInt(cmd.Args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("modify_attribute: bad gid: %w", err)
		}
		attr, err := strconv.Atoi(cmd.Args[1])
		if err != nil {
			return fmt.Errorf("modify_attribute: bad attribute index: %w", err)
		}
		value, err := hex.DecodeString(cmd.Args[2])
		if err != nil {
			return fmt.Errorf("modify_attribute: bad hex value: %w", err)
		}
		return p.issue(ctx, orderMessage{Order: OrderModifyAttribute, GID: id, Attr: attr, Value: value})

	case "quit", "exit":
		if err := p.issue(ctx, orderMessage{Order: OrderKill}); err != nil {
			return err
		}
		return errQuit

	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name)
	}
}

// errQuit signals ListenAndServe to stop accepting new connections after
// the current one closes.
var errQuit = fmt.Errorf("control: quit requested")

func (p *Plane) loadAndApply(ctx context.Context, path string) error {
	if p.loader == nil {
		return fmt.Errorf("init: no population loader configured")
	}
	seeds, err := p.loader.Load(path)
	if err != nil {
		return fmt.Errorf("init: load %s: %w", path, err)
	}
	for _, s := range seeds {
		p.planner.RequestBirth(s.AgentType, s.Payload)
	}
	return p.issue(ctx, orderMessage{Order: OrderAddAgents})
}

// ListenAndServe accepts line-oriented commands on a Unix domain socket at
// socketPath (spec §6: a named IPC channel the front-end CLI connects to),
// one command per line, one response line back, until a "quit"/"exit"
// command is processed or ctx is cancelled. Root-only.
//
// Each accepted connection is served on its own goroutine so Accept can keep
// taking new connections while one is mid-command — in particular while a
// no-count "run" is blocked inside applyRun, only a concurrently-accepted
// connection can ever deliver the "pause" that unblocks it (see execute).
func (p *Plane) ListenAndServe(ctx context.Context, socketPath string) error {
	if !p.IsRoot() {
		return fmt.Errorf("control: ListenAndServe called on non-root master")
	}
	_ = os.Remove(socketPath)
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", socketPath, err)
	}
	defer ln.Close()
	defer os.Remove(socketPath)

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()

	go func() {
		<-serveCtx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if serveCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control: accept: %w", err)
		}
		go func() {
			if p.serveConn(ctx, conn) {
				cancelServe()
			}
		}()
	}
}

func (p *Plane) serveConn(ctx context.Context, conn net.Conn) (quit bool) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	w := bufio.NewWriter(conn)
	defer w.Flush()

	for scanner.Scan() {
		line := scanner.Text()
		cmd, err := ParseCommand(line)
		if err != nil {
			fmt.Fprintln(w, "error: "+err.Error())
			w.Flush()
			continue
		}
		execErr := p.execute(ctx, cmd)
		if execErr == errQuit {
			fmt.Fprintln(w, "ok")
			w.Flush()
			return true
		}
		if execErr != nil {
			fmt.Fprintln(w, "error: "+execErr.Error())
		} else {
			fmt.Fprintln(w, "ok")
		}
		w.Flush()
	}
	return false
}
