package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"distsim/internal/config"
	"distsim/internal/engine"
	"distsim/internal/modeldef"
	"distsim/pkg/distsim"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "run":
		// With --socket and no --model, "run [<n>]" is forwarded to a running
		// cluster's control socket; otherwise "run" boots a cluster.
		given := func(name string) bool {
			for _, a := range args[1:] {
				a = strings.TrimLeft(a, "-")
				if a == name || strings.HasPrefix(a, name+"=") {
					return true
				}
			}
			return false
		}
		if given("socket") && !given("model") {
			return runSend(ctx, args[0], args[1:])
		}
		return runRun(ctx, args[1:])
	case "init", "pause", "kill", "set_period", "set_nb_threads",
		"export_json", "export_ubjson", "convert", "modify_attribute", "quit", "exit":
		return runSend(ctx, args[0], args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

// runRun boots a cluster in-process and serves its control plane until a
// "quit"/"exit" command tears it down. This stands in for spec §6's "front-
// end spawns M peer processes" — masters here are goroutines sharing
// internal/fabric's channel fabric rather than OS processes.
func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional run config YAML path")
	modelPath := fs.String("model", "", "model schema YAML path (required)")
	rank := fs.Int("rank", -1, "this process's master rank override")
	totalMasters := fs.Int("total-masters", -1, "total master count override")
	numShards := fs.Int("num-shards", -1, "shard count per master override")
	totalAgentTypes := fs.Int("total-agent-types", -1, "total declared agent type count override")
	period := fs.Int("period", -1, "steps-per-run-batch override")
	socketPath := fs.String("socket", "", "control IPC socket path override")
	logLevel := fs.String("log-level", "", "log level override: debug|info|warn|error")
	storeKind := fs.String("store", "memory", "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "distsim.db", "sqlite database path")
	verbose := fs.Bool("v", false, "raise log level to debug")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *modelPath == "" {
		return usageError("run requires --model")
	}

	setFlags := make(map[string]bool)
	values := make(map[string]any)
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "rank":
			setFlags["rank"] = true
			values["rank"] = *rank
		case "total-masters":
			setFlags["total-masters"] = true
			values["total-masters"] = *totalMasters
		case "num-shards":
			setFlags["num-shards"] = true
			values["num-shards"] = *numShards
		case "total-agent-types":
			setFlags["total-agent-types"] = true
			values["total-agent-types"] = *totalAgentTypes
		case "period":
			setFlags["period"] = true
			values["period"] = *period
		case "socket":
			setFlags["socket"] = true
			values["socket"] = *socketPath
		case "log-level":
			setFlags["log-level"] = true
			values["log-level"] = *logLevel
		}
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	overrides := config.Overrides{Set: setFlags, Values: values}
	if err := overrides.Apply(&cfg); err != nil {
		return err
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	registry, err := modeldef.Load(*modelPath)
	if err != nil {
		return err
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("distsimctl: log level %q: %w", cfg.LogLevel, err)
	}
	logger.SetLevel(level)

	cluster, err := distsim.New(ctx, distsim.Options{
		TotalMasters:    cfg.TotalMasters,
		NumShards:       cfg.NumShards,
		TotalAgentTypes: cfg.TotalAgentTypes,
		Period:          cfg.Period,
		SocketPath:      cfg.SocketPath,
		StoreKind:       *storeKind,
		DBPath:          *dbPath,
		Log:             logrus.NewEntry(logger),
	}, registry)
	if err != nil {
		return err
	}
	defer func() {
		_ = cluster.Close()
	}()

	registerNoopBehaviors(cluster, registry)

	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Println(cluster.Token)
	}

	return cluster.Run(ctx)
}

// registerNoopBehaviors binds a trivial Behavior to every declared agent
// type. distsimctl has no source of model-specific Behavior code (that is
// the precompiler's job, out of scope per spec §1); this keeps the step
// pipeline runnable end to end for IPC-driven smoke runs and lets library
// consumers of pkg/distsim register real behaviors directly in Go instead.
func registerNoopBehaviors(cluster *distsim.Cluster, registry interface {
	ListAgentTypeIDs() []int
}) {
	for _, m := range cluster.Masters {
		for _, id := range registry.ListAgentTypeIDs() {
			m.Scheduler.RegisterBehavior(id, func(*engine.BehaviorContext) {})
		}
	}
}

// runSend dials the control IPC socket and issues one command line, per
// spec §6's command table.
func runSend(ctx context.Context, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	socketPath := fs.String("socket", "", "control IPC socket path (required)")
	timeout := fs.Duration("timeout", 10*time.Second, "dial and response timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *socketPath == "" {
		return usageError(cmd + " requires --socket")
	}

	line := strings.TrimSpace(strings.Join(append([]string{cmd}, fs.Args()...), " "))

	dialer := net.Dialer{Timeout: *timeout}
	conn, err := dialer.DialContext(ctx, "unix", *socketPath)
	if err != nil {
		return fmt.Errorf("distsimctl: dial %s: %w", *socketPath, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(*timeout))
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("distsimctl: send %q: %w", line, err)
	}

	resp, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("distsimctl: read response: %w", err)
	}
	resp = strings.TrimSpace(resp)

	switch cmd {
	case "export_json", "export_ubjson":
		if len(fs.Args()) > 0 {
			if info, statErr := os.Stat(fs.Args()[0]); statErr == nil {
				fmt.Printf("%s %s (%s)\n", resp, fs.Args()[0], humanize.Bytes(uint64(info.Size())))
				return nil
			}
		}
	}
	fmt.Println(resp)
	return nil
}

func usageError(msg string) error {
	return fmt.Errorf("distsimctl: %s", msg)
}
