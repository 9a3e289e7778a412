package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/time/rate"

	"github.com/tinyrange/rasemu/internal/devices/ras"
	"github.com/tinyrange/rasemu/internal/platform"
)

type soakStats struct {
	Iterations int           `json:"iterations"`
	Delivered  int           `json:"delivered"`
	Elapsed    time.Duration `json:"elapsed"`
}

func runSoak(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("soak", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	iterations := fs.Int("n", 1000, "Number of inject/sync/clear rounds")
	perSecond := fs.Float64("rate", 0, "Maximum rounds per second (0: unlimited)")
	timeout := fs.Duration("timeout", time.Second, "How long to wait for each error to be signalled")
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
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	limit := rate.Inf
	if *perSecond > 0 {
		limit = rate.Limit(*perSecond)
	}
	limiter := rate.NewLimiter(limit, 1)

	var bar *progressbar.ProgressBar
	if !common.json {
		bar = progressbar.Default(int64(*iterations), "soak")
		defer bar.Close()
	}

	devices := m.Devices()
	stats := soakStats{}
	start := time.Now()
	for i := 0; i < *iterations; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		dev := devices[i%len(devices)]
		sev := ras.SeverityLow
		if i%2 == 1 {
			sev = ras.SeverityHigh
		}
		record := (i / len(devices)) % dev.NumRecords()
		addr := uint64(0x8000_0000 + i*0x1000)

		if err := soakRound(ctx, m, dev, record, sev, addr, *timeout); err != nil {
			return fmt.Errorf("round %d on %s: %w", i, dev.Name(), err)
		}
		stats.Iterations++
		stats.Delivered++
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	stats.Elapsed = time.Since(start)

	if common.json {
		return writeJSONLine(stats)
	}
	fmt.Printf("\n%d rounds, %d delivered in %s\n", stats.Iterations, stats.Delivered, stats.Elapsed.Round(time.Millisecond))
	return nil
}

func soakRound(ctx context.Context, m *platform.Machine, dev *ras.Device, record int, sev ras.Severity, addr uint64, timeout time.Duration) error {
	h, err := m.Hart(dev.HartID())
	if err != nil {
		return err
	}
	if err := dev.Inject(record, sev, addr, 0); err != nil {
		return err
	}
	if err := waitSignalled(ctx, h, sev, timeout); err != nil {
		return err
	}

	resp, err := m.SynchronizeErrors(h.ID())
	if err != nil {
		return err
	}
	if resp.Returned != 1 {
		return errSoakFailed
	}
	dev.Clear(1 << record)
	return nil
}
