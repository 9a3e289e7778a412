package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/rasemu/internal/config"
	"github.com/tinyrange/rasemu/internal/devices/ras"
	"github.com/tinyrange/rasemu/internal/fdt"
	"github.com/tinyrange/rasemu/internal/hart"
	"github.com/tinyrange/rasemu/internal/platform"
	"github.com/tinyrange/rasemu/internal/ras/agent"
	"github.com/tinyrange/rasemu/internal/server"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "rasemu: %v\n", err)
		os.Exit(1)
	}
}

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, args []string) error
}

var commands = []command{
	{"serve", "run a machine and serve metrics and the control API", runServe},
	{"inject", "inject one error, synchronize it and print the result", runInject},
	{"dtb", "write the device tree describing the RAS sources", runDTB},
	{"soak", "inject, synchronize and clear errors in a loop", runSoak},
	{"config", "print the default configuration", runConfig},
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: rasemu <command> [flags]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", c.name, c.usage)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		usage()
		return fmt.Errorf("command required")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, c := range commands {
		if c.name == args[0] {
			return c.run(ctx, args[1:])
		}
	}
	usage()
	return fmt.Errorf("unknown command %q", args[0])
}

// commonFlags are shared by every command that builds a machine.
type commonFlags struct {
	configPath string
	debug      bool
	json       bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Platform configuration YAML (default: built-in single bank)")
	fs.BoolVar(&c.debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&c.json, "json", !term.IsTerminal(int(os.Stdout.Fd())), "Print results as JSON (default when stdout is not a terminal)")
}

func (c *commonFlags) setup() (config.Config, error) {
	level := slog.LevelInfo
	if c.debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if c.configPath == "" {
		return config.Default(), nil
	}
	return config.Load(c.configPath)
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	addr := fs.String("addr", "127.0.0.1:9464", "Listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.setup()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m, err := platform.New(cfg, platform.Options{Registerer: reg})
	if err != nil {
		return err
	}

	l, err := net.Listen("tcp", *addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.Run(ctx) })
	g.Go(func() error { return server.New(m, reg, slog.Default()).Serve(ctx, l) })
	return g.Wait()
}

func runInject(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("inject", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	device := fs.String("device", "", "Device name (default: first device)")
	record := fs.Int("record", 0, "Record index")
	severity := fs.String("severity", "high", "Severity (low, high)")
	addrFlag := fs.String("addr", "0x4000000", "Faulting address")
	timeout := fs.Duration("timeout", time.Second, "How long to wait for the error to be signalled")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.setup()
	if err != nil {
		return err
	}
	sev, err := ras.ParseSeverity(*severity)
	if err != nil {
		return err
	}
	addr, err := strconv.ParseUint(*addrFlag, 0, 64)
	if err != nil {
		return fmt.Errorf("addr: %w", err)
	}

	m, err := platform.New(cfg, platform.Options{})
	if err != nil {
		return err
	}
	if *device == "" {
		*device = cfg.Devices[0].Name
	}
	dev, err := m.Device(*device)
	if err != nil {
		return err
	}
	h, err := m.Hart(dev.HartID())
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	if err := m.Inject(*device, *record, sev, addr, 0); err != nil {
		return err
	}
	if err := waitSignalled(ctx, h, sev, *timeout); err != nil {
		return err
	}

	resp, err := agent.DecodeSyncResponse(m.Agent().Handle(agent.ServiceSyncErrors, dev.HartID()))
	if err != nil {
		return err
	}
	if resp.Status != agent.StatusSuccess {
		return fmt.Errorf("sync: firmware status %d", resp.Status)
	}

	type logLine struct {
		Seq      uint64 `json:"seq"`
		Source   string `json:"source"`
		Severity string `json:"severity"`
		Address  string `json:"address"`
		CPER     string `json:"cper"`
	}
	var entries []logLine
	for _, e := range m.Log().Entries() {
		entries = append(entries, logLine{
			Seq:      e.Seq,
			Source:   e.Component.String(),
			Severity: e.Severity.String(),
			Address:  fmt.Sprintf("0x%x", e.Address),
			CPER:     hex.EncodeToString(e.Block()),
		})
	}

	if common.json {
		return json.NewEncoder(os.Stdout).Encode(struct {
			Device   string    `json:"device"`
			Hart     int       `json:"hart"`
			MIP      string    `json:"mip"`
			Status   int32     `json:"status"`
			Returned uint32    `json:"returned"`
			Vectors  []int64   `json:"pendingVecs"`
			Log      []logLine `json:"log"`
		}{*device, h.ID(), fmt.Sprintf("0x%x", h.MIP()), resp.Status, resp.Returned, vectorList(resp.PendingVecs), entries})
	}
	fmt.Printf("device %s hart %d mip 0x%x\n", *device, h.ID(), h.MIP())
	fmt.Printf("sync: status=%d returned=%d remaining=%d vectors=%v\n", resp.Status, resp.Returned, resp.Remaining, resp.PendingVecs)
	for _, e := range entries {
		fmt.Printf("log: #%d %s %s addr=%s\n  cper %s\n", e.Seq, e.Source, e.Severity, e.Address, e.CPER)
	}
	return nil
}

func vectorList[V ~uint32](vs []V) []int64 {
	out := make([]int64, 0, len(vs))
	for _, v := range vs {
		out = append(out, int64(v))
	}
	return out
}

// waitSignalled polls the hart until the interrupt for sev is pending.
func waitSignalled(ctx context.Context, h *hart.Hart, sev ras.Severity, timeout time.Duration) error {
	mask := hart.MipRASLow
	if sev == ras.SeverityHigh {
		mask = hart.MipRASHigh
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(100 * time.Microsecond)
	defer ticker.Stop()
	for !h.IsPending(mask) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("error not signalled on hart %d: %w", h.ID(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func runDTB(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("dtb", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	out := fs.String("o", "", "Output file (default: stdout)")
	source := fs.Bool("dts", false, "Write device-tree source instead of a blob")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.setup()
	if err != nil {
		return err
	}

	m, err := platform.New(cfg, platform.Options{})
	if err != nil {
		return err
	}
	blob, err := m.DeviceTree()
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	if !*source {
		_, err = w.Write(blob)
		return err
	}
	root, err := fdt.Decode(blob)
	if err != nil {
		return err
	}
	return fdt.WriteSource(w, root)
}

func runConfig(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return config.Write(os.Stdout, config.Default())
}

var errSoakFailed = errors.New("soak: sync did not deliver the injected error")
