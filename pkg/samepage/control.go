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

package samepage

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"samepage.dev/samepage/pkg/log"
)

var (
	// ErrNoControl indicates an unknown control key.
	ErrNoControl = errors.New("samepage: no such control")

	// ErrReadOnly indicates a write to a read-only control.
	ErrReadOnly = errors.New("samepage: control is read-only")

	// ErrBadValue indicates an unparsable or out-of-range control value.
	ErrBadValue = errors.New("samepage: bad control value")
)

// SetRun switches the run mode: RunStop parks the scanner, RunMerge runs
// it, RunUnmerge breaks all sharing once and then parks. Takes the engine
// mutex to exclude an in-flight batch.
func (e *Engine) SetRun(mode uint32) error {
	if mode > RunUnmerge {
		return ErrBadValue
	}
	e.mu.Lock()
	old := e.run.Swap(mode)
	e.mu.Unlock()
	if old != mode {
		log.Infof("samepage: run mode %d -> %d", old, mode)
	}
	if mode != RunStop {
		e.wakeup()
	}
	return nil
}

// Run returns the current run mode.
func (e *Engine) Run() uint32 {
	return e.run.Load()
}

// SetPagesToScan sets the scan batch size.
func (e *Engine) SetPagesToScan(n uint32) {
	e.pagesToScan.Store(n)
}

// SetSleepMillis sets the inter-batch sleep.
func (e *Engine) SetSleepMillis(ms uint32) {
	e.sleepMillis.Store(ms)
}

// SetRefreshPeriod sets the full unstable-refresh period in seconds.
func (e *Engine) SetRefreshPeriod(secs uint32) {
	e.refreshPeriod.Store(secs)
}

// SetDeferredTimer selects the coalesced sleep source.
func (e *Engine) SetDeferredTimer(v bool) {
	e.deferredTimer.Store(v)
}

// control is one entry of the flat key-value administrative surface.
type control struct {
	read  func(e *Engine) string
	write func(e *Engine, v string) error
}

func parseU32(v string) (uint32, error) {
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, ErrBadValue
	}
	return uint32(n), nil
}

var controls = map[string]control{
	"run": {
		read: func(e *Engine) string { return strconv.FormatUint(uint64(e.run.Load()), 10) },
		write: func(e *Engine, v string) error {
			n, err := parseU32(v)
			if err != nil {
				return err
			}
			return e.SetRun(n)
		},
	},
	"pages_to_scan": {
		read: func(e *Engine) string { return strconv.FormatUint(uint64(e.pagesToScan.Load()), 10) },
		write: func(e *Engine, v string) error {
			n, err := parseU32(v)
			if err != nil {
				return err
			}
			e.SetPagesToScan(n)
			return nil
		},
	},
	"sleep_ms": {
		read: func(e *Engine) string { return strconv.FormatUint(uint64(e.sleepMillis.Load()), 10) },
		write: func(e *Engine, v string) error {
			n, err := parseU32(v)
			if err != nil {
				return err
			}
			e.SetSleepMillis(n)
			return nil
		},
	},
	"refresh_period_s": {
		read: func(e *Engine) string { return strconv.FormatUint(uint64(e.refreshPeriod.Load()), 10) },
		write: func(e *Engine, v string) error {
			n, err := parseU32(v)
			if err != nil {
				return err
			}
			e.SetRefreshPeriod(n)
			return nil
		},
	},
	"deferred_timer": {
		read: func(e *Engine) string {
			if e.deferredTimer.Load() {
				return "1"
			}
			return "0"
		},
		write: func(e *Engine, v string) error {
			n, err := parseU32(v)
			if err != nil || n > 1 {
				return ErrBadValue
			}
			e.SetDeferredTimer(n == 1)
			return nil
		},
	},
	"pages_shared":       {read: func(e *Engine) string { return fmt.Sprint(e.Stats().PagesShared) }},
	"pages_sharing":      {read: func(e *Engine) string { return fmt.Sprint(e.Stats().PagesSharing) }},
	"pages_unshared":     {read: func(e *Engine) string { return fmt.Sprint(e.Stats().PagesUnshared) }},
	"pages_zero_sharing": {read: func(e *Engine) string { return fmt.Sprint(e.Stats().PagesZeroSharing) }},
	"stable_nodes":       {read: func(e *Engine) string { return fmt.Sprint(e.Stats().StableNodes) }},
	"rmap_items":         {read: func(e *Engine) string { return fmt.Sprint(e.Stats().RmapItems) }},
	"full_scans":         {read: func(e *Engine) string { return fmt.Sprint(e.Stats().FullScans) }},
}

// ControlKeys returns the administrative surface's keys, sorted.
func ControlKeys() []string {
	keys := make([]string, 0, len(controls))
	for k := range controls {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ReadControl reads one key of the administrative surface.
func (e *Engine) ReadControl(key string) (string, error) {
	c, ok := controls[key]
	if !ok {
		return "", ErrNoControl
	}
	return c.read(e), nil
}

// WriteControl writes one key of the administrative surface.
func (e *Engine) WriteControl(key, value string) error {
	c, ok := controls[key]
	if !ok {
		return ErrNoControl
	}
	if c.write == nil {
		return ErrReadOnly
	}
	return c.write(e, value)
}
