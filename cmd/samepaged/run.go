// Copyright 2026 The Samepage Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"samepage.dev/samepage/pkg/hostarch"
	"samepage.dev/samepage/pkg/log"
	"samepage.dev/samepage/pkg/mem"
	"samepage.dev/samepage/pkg/samepage"
)

// config is the on-disk TOML configuration.
type config struct {
	Scanner  scannerConfig  `toml:"scanner"`
	Workload workloadConfig `toml:"workload"`
}

type scannerConfig struct {
	PagesToScan    uint32 `toml:"pages_to_scan"`
	SleepMillis    uint32 `toml:"sleep_ms"`
	RefreshPeriodS uint32 `toml:"refresh_period_s"`
	DeferredTimer  bool   `toml:"deferred_timer"`
}

type workloadConfig struct {
	Frames        int `toml:"frames"`
	Spaces        int `toml:"spaces"`
	PagesPerSpace int `toml:"pages_per_space"`
	// Distinct is the number of distinct page contents spread across the
	// workload; the rest are duplicates and zero pages.
	Distinct  int `toml:"distinct"`
	DurationS int `toml:"duration_s"`
}

func defaultConfig() config {
	return config{
		Scanner: scannerConfig{
			PagesToScan:    100,
			SleepMillis:    20,
			RefreshPeriodS: 10,
		},
		Workload: workloadConfig{
			Frames:        1 << 14,
			Spaces:        4,
			PagesPerSpace: 256,
			Distinct:      16,
			DurationS:     2,
		},
	}
}

type runCmd struct {
	configPath string
	debug      bool
}

// Name implements subcommands.Command.Name.
func (*runCmd) Name() string { return "run" }

// Synopsis implements subcommands.Command.Synopsis.
func (*runCmd) Synopsis() string { return "run the engine against a synthetic workload" }

// Usage implements subcommands.Command.Usage.
func (*runCmd) Usage() string { return "run [-config <file>] [-debug]\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (c *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "TOML configuration file")
	f.BoolVar(&c.debug, "debug", false, "enable debug logging")
}

// Execute implements subcommands.Command.Execute.
func (c *runCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	cfg := defaultConfig()
	if c.configPath != "" {
		if _, err := toml.DecodeFile(c.configPath, &cfg); err != nil {
			log.Warningf("samepaged: bad config %q: %v", c.configPath, err)
			return subcommands.ExitUsageError
		}
	}
	if c.debug {
		log.SetLevel(log.Debug)
	}
	if err := run(ctx, cfg); err != nil {
		log.Warningf("samepaged: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func run(ctx context.Context, cfg config) error {
	alloc, err := mem.NewAllocator(cfg.Workload.Frames)
	if err != nil {
		return err
	}
	defer alloc.Destroy()

	engine, err := samepage.New(samepage.Config{
		Allocator:         alloc,
		PagesToScan:       cfg.Scanner.PagesToScan,
		SleepMillis:       cfg.Scanner.SleepMillis,
		RefreshPeriodSecs: cfg.Scanner.RefreshPeriodS,
		DeferredTimer:     cfg.Scanner.DeferredTimer,
	})
	if err != nil {
		return err
	}
	alloc.SetReleaseHook(func(p *mem.Page) {
		// Frames the engine never saw, or already severed, are fine.
		_ = engine.OnDeath(p)
	})

	engine.Start()
	defer engine.Stop()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Workload.DurationS)*time.Second)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return workload(ctx, engine, alloc, cfg.Workload)
	})
	g.Go(func() error {
		t := time.NewTicker(500 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				s := engine.Stats()
				log.Infof("samepaged: shared=%d sharing=%d unshared=%d zero=%d items=%d scans=%d",
					s.PagesShared, s.PagesSharing, s.PagesUnshared, s.PagesZeroSharing, s.RmapItems, s.FullScans)
			}
		}
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	s := engine.Stats()
	fmt.Printf("pages_shared       %d\n", s.PagesShared)
	fmt.Printf("pages_sharing      %d\n", s.PagesSharing)
	fmt.Printf("pages_unshared     %d\n", s.PagesUnshared)
	fmt.Printf("pages_zero_sharing %d\n", s.PagesZeroSharing)
	fmt.Printf("stable_nodes       %d\n", s.StableNodes)
	fmt.Printf("rmap_items         %d\n", s.RmapItems)
	fmt.Printf("full_scans         %d\n", s.FullScans)
	return nil
}

// workload fills a handful of address spaces with anonymous pages drawn
// from a small set of contents, so the scanner has duplicates and zero
// pages to find.
func workload(ctx context.Context, engine *samepage.Engine, alloc *mem.Allocator, cfg workloadConfig) error {
	if cfg.Distinct < 1 {
		cfg.Distinct = 1
	}
	for i := 0; i < cfg.Spaces; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		as := mem.NewAddressSpace(uint64(i + 1))
		if err := engine.EnterSpace(as); err != nil {
			return err
		}
		vma := as.NewVMA(0x10000, 0x10000+uint64(cfg.PagesPerSpace)*hostarch.PageSize, 0)
		for j := 0; j < cfg.PagesPerSpace; j++ {
			page, err := alloc.Allocate()
			if err != nil {
				return err
			}
			// Every fourth page stays zero; the rest cycle through
			// the distinct contents.
			if j%4 != 0 {
				fill(page.Data(), uint64(j%cfg.Distinct)+1)
			}
			addr := 0x10000 + uint64(j)*hostarch.PageSize
			if err := vma.MapAnon(addr, page); err != nil {
				return err
			}
			it, err := engine.AllocItem()
			if err != nil {
				return err
			}
			if err := engine.OnBirth(page, it, vma.Root); err != nil {
				engine.FreeItem(it)
				return err
			}
			alloc.Release(page)
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func fill(data []byte, pattern uint64) {
	for i := range data {
		data[i] = byte(pattern + uint64(i)*pattern)
	}
}

// controlsCmd prints the administrative control surface of a fresh engine.
type controlsCmd struct{}

// Name implements subcommands.Command.Name.
func (*controlsCmd) Name() string { return "controls" }

// Synopsis implements subcommands.Command.Synopsis.
func (*controlsCmd) Synopsis() string { return "list control keys and their defaults" }

// Usage implements subcommands.Command.Usage.
func (*controlsCmd) Usage() string { return "controls\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (*controlsCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*controlsCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	alloc, err := mem.NewAllocator(8)
	if err != nil {
		log.Warningf("samepaged: %v", err)
		return subcommands.ExitFailure
	}
	defer alloc.Destroy()
	engine, err := samepage.New(samepage.Config{Allocator: alloc})
	if err != nil {
		log.Warningf("samepaged: %v", err)
		return subcommands.ExitFailure
	}
	for _, key := range samepage.ControlKeys() {
		v, _ := engine.ReadControl(key)
		fmt.Printf("%-20s %s\n", key, v)
	}
	return subcommands.ExitSuccess
}
