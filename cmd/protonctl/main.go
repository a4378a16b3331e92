// Command protonctl boots a single ProtonOS instance in the hosted
// simulation: it allocates the physical arena, stands up the virtual
// memory manager and scheduler, seals the kernel bridge, and runs the
// boot sequence end to end, reporting each stage on a progress bar.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/protonos/core/internal/archhal"
	"github.com/protonos/core/internal/bootcfg"
	"github.com/protonos/core/internal/interrupt"
	"github.com/protonos/core/internal/pagealloc"
	"github.com/protonos/core/internal/runtimesvc/bridge"
	"github.com/protonos/core/internal/sched"
	"github.com/protonos/core/internal/vmm"
)

func main() {
	configPath := flag.String("config", "", "path to a boot config YAML file (optional)")
	bootTimeout := flag.Duration("timeout", 2*time.Second, "how long to let the scheduler run before shutdown")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, *bootTimeout); err != nil {
		logger.Error("boot failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, bootTimeout time.Duration) error {
	cfg := bootcfg.DefaultConfig()
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		cfg, err = bootcfg.Parse(data)
		if err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}

	bar := progressbar.NewOptions(5,
		progressbar.OptionSetDescription("booting protonos"),
		progressbar.OptionSetWriter(os.Stderr),
	)

	var (
		hal   = archhal.New()
		arena *pagealloc.Arena
		space *vmm.AddressSpace
		ctrl  = interrupt.New()
		sc    *sched.Scheduler
		reg   = bridge.New()
	)

	seq := bootcfg.NewSequencer(50 * time.Millisecond)
	seq.Report = func(stage string, err error) {
		_ = bar.Add(1)
		if err != nil {
			slog.Error("boot stage failed", "stage", stage, "error", err)
			return
		}
		slog.Info("boot stage complete", "stage", stage)
	}

	seq.Add(bootcfg.Stage{Name: "allocate-arena", Run: func(context.Context) error {
		var err error
		arena, err = pagealloc.NewArena(cfg.Memory.ArenaBytes)
		return err
	}})
	seq.Add(bootcfg.Stage{Name: "init-address-space", Run: func(context.Context) error {
		var err error
		space, err = vmm.NewAddressSpace(arena)
		return err
	}})
	seq.Add(bootcfg.Stage{Name: "start-timer", Run: func(context.Context) error {
		timer := interrupt.StartTimer(ctrl, time.Duration(cfg.Scheduler.TimerTick))
		go func() {
			<-time.After(bootTimeout)
			timer.Stop()
		}()
		return nil
	}})
	seq.Add(bootcfg.Stage{Name: "start-scheduler", Run: func(context.Context) error {
		sc = sched.New(cfg.Scheduler.CPUCount, time.Duration(cfg.Scheduler.Quantum))
		return nil
	}})
	seq.Add(bootcfg.Stage{Name: "seal-kernel-bridge", Run: func(context.Context) error {
		exports := bridge.NewKernelExports(hal, arena, space, sc, ctrl)
		if err := exports.RegisterAll(reg); err != nil {
			return fmt.Errorf("register kernel exports: %w", err)
		}
		reg.Seal()
		return nil
	}})

	if err := seq.Run(context.Background()); err != nil {
		return err
	}
	defer func() {
		if arena != nil {
			_ = arena.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), bootTimeout)
	defer cancel()

	_, _ = sc.Spawn(-1, func(ctx context.Context, self *sched.TCB) {
		slog.Debug("idle thread running", "interrupts-enabled", hal.InterruptsEnabled())
	})

	slog.Info("protonos up", "address-space-root", fmt.Sprintf("%p", space))
	return sc.Run(ctx)
}
