/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logger implements the storage Logger: it drains the shared bus
// into sequentially numbered binary log files, one per activation, each a
// header-less stream of packed <timestamp_ms, id, value> records.
package logger

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/disk"
	log "github.com/sirupsen/logrus"

	"github.com/fsae-rt/telemetry/bus"
	"github.com/fsae-rt/telemetry/clock"
	"github.com/fsae-rt/telemetry/internal/errs"
)

// BlockSize is the number of records buffered before a mandatory flush.
const BlockSize = 64

// FlushInterval forces a flush of a non-empty, under-sized block.
const FlushInterval = 2 * time.Second

// idleSleep is how long the logger parks when the bus yields nothing.
const idleSleep = 10 * time.Millisecond

// deactivatedSleep is how long the top-level loop parks between sessions.
const deactivatedSleep = 100 * time.Millisecond

// lowSpaceWarnPct is the free-space threshold below which a warning is logged.
const lowSpaceWarnPct = 5.0

// recordSize is the on-disk size of one packed record: u32 ms + u8 id + f32 value.
const recordSize = 4 + 1 + 4

// Stats receives logger observability counters.
type Stats interface {
	AddBytesWritten(n int)
	IncRotations()
}

type noopStats struct{}

func (noopStats) AddBytesWritten(int) {}
func (noopStats) IncRotations()       {}

// Logger drains bus.Bus into sequentially numbered files under Dir while
// Active is true. Construct with New and run Run in its own goroutine.
type Logger struct {
	dir    string
	prefix string
	bus    *bus.Bus
	clock  *clock.Clock
	stats  Stats
	log    *log.Entry

	active atomic.Bool
	count  int
}

// New constructs a Logger writing into dir with the given filename prefix.
func New(dir, prefix string, b *bus.Bus, clk *clock.Clock, stats Stats, logger *log.Entry) *Logger {
	if stats == nil {
		stats = noopStats{}
	}
	return &Logger{dir: dir, prefix: prefix, bus: b, clock: clk, stats: stats, log: logger.WithField("component", "logger")}
}

// Start activates logging; the next Run loop iteration opens a new session file.
func (l *Logger) Start() { l.active.Store(true) }

// Stop deactivates logging; the current session file is flushed and closed.
func (l *Logger) Stop() { l.active.Store(false) }

// Run is the logger's top-level loop: it polls the active flag and drives
// one logging session per activation. It returns when ctx is cancelled.
func (l *Logger) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if !l.active.Load() {
			sleep(ctx, deactivatedSleep)
			continue
		}
		if err := l.runSession(ctx); err != nil {
			l.log.WithError(err).Warn("logging session ended with error")
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (l *Logger) runSession(ctx context.Context) error {
	l.detectExistingLogs()
	l.warnIfLowSpace()

	filename := l.generateFilename()
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("%w: creating log file %s: %v", errs.ErrStorageIO, filename, err)
	}
	l.log.WithField("file", filename).Info("starting log file")
	l.stats.IncRotations()
	w := bufio.NewWriter(f)

	block := make([]byte, 0, BlockSize*recordSize)
	count := 0
	lastFlush := time.Now()

	flush := func() error {
		if count == 0 {
			return nil
		}
		n, err := w.Write(block)
		if err == nil {
			err = w.Flush()
		}
		if err != nil {
			return err
		}
		l.stats.AddBytesWritten(n)
		block = block[:0]
		count = 0
		lastFlush = time.Now()
		return nil
	}

	defer func() {
		_ = flush()
		_ = f.Close()
		l.count++
	}()

	for l.active.Load() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		s, ok := l.bus.Pop()
		if ok {
			block = appendRecord(block, s)
			count++
		}

		if count >= BlockSize || (count > 0 && time.Since(lastFlush) > FlushInterval) {
			if err := flush(); err != nil {
				l.log.WithError(err).Error("storage write failed, closing log file")
				return fmt.Errorf("%w: writing log file: %v", errs.ErrStorageIO, err)
			}
		}
		if !ok {
			sleep(ctx, idleSleep)
		}
	}
	return nil
}

// appendRecord packs one Sample as <u32 timestamp_ms><u8 id><f32 value>,
// little-endian, matching the on-disk log file format.
func appendRecord(block []byte, s bus.Sample) []byte {
	var rec [recordSize]byte
	binary.LittleEndian.PutUint32(rec[0:4], uint32(s.TimestampUs/1000))
	rec[4] = s.ID
	binary.LittleEndian.PutUint32(rec[5:9], math.Float32bits(s.Value))
	return append(block, rec[:]...)
}

// generateFilename builds "<dir>/YYYY-MM-DD_HH-MM-SS_<prefix><seq>.bin" using
// the disciplined clock's current time, per the documented filename recipe.
func (l *Logger) generateFilename() string {
	nowUs := l.clock.NowUs()
	t := time.UnixMicro(int64(nowUs)).UTC()
	name := fmt.Sprintf("%s_%s%d.bin", t.Format("2006-01-02_15-04-05"), l.prefix, l.count)
	return filepath.Join(l.dir, name)
}

// detectExistingLogs scans dir for files bearing prefix and sets count to
// one past the maximum sequence number found. Directory scan failures
// default count to 0.
func (l *Logger) detectExistingLogs() {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		l.log.WithError(err).Warn("log directory scan failed, starting sequence at 0")
		l.count = 0
		return
	}
	maxSeq := -1
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		idx := strings.LastIndex(name, l.prefix)
		if idx == -1 {
			continue
		}
		rest := strings.TrimSuffix(name[idx+len(l.prefix):], ".bin")
		seq, err := strconv.Atoi(rest)
		if err != nil {
			continue
		}
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	l.count = maxSeq + 1
}

func (l *Logger) warnIfLowSpace() {
	usage, err := disk.Usage(l.dir)
	if err != nil {
		l.log.WithError(err).Debug("unable to read disk usage for log directory")
		return
	}
	freePct := 100 - usage.UsedPercent
	if freePct < lowSpaceWarnPct {
		l.log.WithField("free_pct", freePct).Warn("log directory is nearly full")
	}
}
