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

// Package clock implements the module's disciplined time source: a hybrid
// NTP-over-radio and GPS/PPS synchronizer that produces a monotone,
// sub-millisecond global microsecond timestamp for both the sampling and
// logging paths.
package clock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eclesh/welford"
	log "github.com/sirupsen/logrus"

	"github.com/fsae-rt/telemetry/internal/errs"
	"github.com/fsae-rt/telemetry/tlv"
)

// Well-known TLV ids used in the sync exchange, see SPEC_FULL.md §6.
const (
	fieldCmd   uint8 = 0x01
	fieldPktID uint8 = 0x02
	fieldT1    uint8 = 0x03
	fieldT2    uint8 = 0x04
	fieldT3    uint8 = 0x05
)

const windowSize = 30
const slewAlpha = 0.1

type syncState uint8

const (
	stateIdle syncState = iota
	stateWaitingResponse
)

// Sender delivers an encoded sync request over whatever carries the radio
// channel. Implemented by the radio gateway in production, a fake in tests.
type Sender interface {
	Send(buf []byte) error
}

// Stats receives clock observability counters. A nil Stats is replaced with
// a no-op implementation, so callers that don't care about metrics can pass
// nil.
type Stats interface {
	IncSyncAccepted()
	IncSyncDiscarded(reason string)
	SetOffsetMicroseconds(v float64)
	SetOffsetJitterMicroseconds(v float64)
}

type noopStats struct{}

func (noopStats) IncSyncAccepted()                    {}
func (noopStats) IncSyncDiscarded(string)             {}
func (noopStats) SetOffsetMicroseconds(float64)       {}
func (noopStats) SetOffsetJitterMicroseconds(float64) {}

// Config holds the clock's tunables. See SPEC_FULL.md §4.2 for their
// meaning; defaults match the original firmware's NTP_Client constants.
type Config struct {
	SyncIntervalMs    int64
	ResponseTimeoutMs int64
	MaxDelayUs        int64
}

// DefaultConfig returns the firmware-matching defaults.
func DefaultConfig() Config {
	return Config{
		SyncIntervalMs:    2000,
		ResponseTimeoutMs: 900,
		MaxDelayUs:        500000,
	}
}

// Clock is the disciplined time source. All exported methods are
// goroutine-safe.
type Clock struct {
	log    *log.Entry
	sender Sender
	stats  Stats
	cfg    Config

	startMono time.Time

	mu                  sync.Mutex
	st                  syncState
	pktID               uint32
	requestLocalUs      uint64
	lastSyncAttemptUs   uint64
	window              *offsetWindow
	targetOffsetUs      float64
	currentOffsetUs     float64
	lastReturnedUs      uint64
	firstOffsetReceived bool
	jitter              *welford.Stats

	ppsMu     sync.Mutex
	ppsLastUs uint64
	ppsNowUs  uint64
	ppsFlag   bool

	gpsMu    sync.Mutex
	gpsValid bool
	gpsUTC   time.Time
}

// New constructs a Clock. sender is used to transmit sync requests; stats
// and logger may be nil.
func New(sender Sender, cfg Config, stats Stats, logger *log.Entry) *Clock {
	if stats == nil {
		stats = noopStats{}
	}
	if logger == nil {
		logger = log.WithField("component", "clock")
	}
	return &Clock{
		log:       logger,
		sender:    sender,
		stats:     stats,
		cfg:       cfg,
		startMono: time.Now(),
		window:    newOffsetWindow(windowSize),
		jitter:    welford.New(),
	}
}

// localUs returns the free-running local microsecond counter: microseconds
// elapsed since the Clock was constructed. Using time.Since rather than
// time.Now().UnixMicro() keeps this immune to wall-clock adjustments,
// matching the original firmware's free-running hardware counter.
func (c *Clock) localUs() uint64 {
	return uint64(time.Since(c.startMono).Microseconds())
}

// LocalUs exposes the free-running local microsecond counter to collaborators
// that must timestamp events against the same counter NowUs disciplines,
// such as the GPS Source's PPS edge capture.
func (c *Clock) LocalUs() uint64 {
	return c.localUs()
}

// NowUs returns a monotone nondecreasing global timestamp in microseconds,
// slewing currentOffset toward targetOffset by a fraction alpha of the
// residual on every call.
func (c *Clock) NowUs() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	local := c.localUs()
	c.currentOffsetUs += slewAlpha * (c.targetOffsetUs - c.currentOffsetUs)

	corrected := float64(local) + c.currentOffsetUs
	var correctedUs uint64
	if corrected > 0 {
		correctedUs = uint64(corrected)
	}
	if correctedUs < c.lastReturnedUs {
		correctedUs = c.lastReturnedUs
	}
	c.lastReturnedUs = correctedUs
	return correctedUs
}

// StartSync issues an offset exchange request. It is safe to call
// concurrently with Run; Run calls it automatically on SyncIntervalMs.
func (c *Clock) StartSync() error {
	c.mu.Lock()
	c.pktID++
	pktID := c.pktID
	t1 := c.localUs()
	c.requestLocalUs = t1
	c.st = stateWaitingResponse
	c.mu.Unlock()

	var buf []byte
	buf = tlv.WriteCmd(buf, fieldCmd, tlv.CmdSyncReq)
	buf = tlv.WriteU32(buf, fieldPktID, pktID)
	buf = tlv.WriteU64(buf, fieldT1, t1)

	if err := c.sender.Send(buf); err != nil {
		c.mu.Lock()
		c.st = stateIdle
		c.mu.Unlock()
		c.log.WithError(err).Warn("failed to send sync request")
		return fmt.Errorf("%w: %v", errs.ErrTransportDown, err)
	}
	return nil
}

// HandleSyncResponse consumes a decoded sync response and updates the
// offset filter. Stale (mismatched pktId) or out-of-state responses are
// silently dropped, per SPEC_FULL.md §4.2.
func (c *Clock) HandleSyncResponse(fields tlv.Fields) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.st != stateWaitingResponse {
		return
	}
	cmdField, ok := fields[fieldCmd]
	if !ok || cmdField.Cmd != tlv.CmdSyncResp {
		return
	}
	pktField, ok := fields[fieldPktID]
	if !ok || pktField.U32 != c.pktID {
		err := fmt.Errorf("%w: sync response packet id mismatch", errs.ErrTimingStale)
		c.log.WithError(err).Debug("dropping sync response")
		return
	}
	t1Field, ok1 := fields[fieldT1]
	t2Field, ok2 := fields[fieldT2]
	t3Field, ok3 := fields[fieldT3]
	if !ok1 || !ok2 || !ok3 {
		c.log.Warn("dropping malformed sync response")
		return
	}

	t1, t2, t3 := t1Field.U64, t2Field.U64, t3Field.U64
	t4 := c.localUs()
	c.st = stateIdle

	offsetUs := (float64(int64(t2-t1)) + float64(int64(t3-t4))) / 2
	delayUs := int64(t4-t1) - int64(t3-t2)

	if !c.firstOffsetReceived {
		c.firstOffsetReceived = true
		c.acceptOffset(offsetUs)
		c.currentOffsetUs = offsetUs
		c.log.Info("initial clock offset received")
		return
	}

	if delayUs > c.cfg.MaxDelayUs {
		err := fmt.Errorf("%w: round trip delay %dus exceeds %dus", errs.ErrTimingStale, delayUs, c.cfg.MaxDelayUs)
		c.log.WithError(err).WithField("delay_us", delayUs).Warn("discarding sample")
		c.stats.IncSyncDiscarded("delay")
		return
	}
	c.acceptOffset(offsetUs)
	c.jitter.Add(float64(delayUs))
	c.stats.SetOffsetJitterMicroseconds(c.jitter.Stddev())
}

// acceptOffset must be called with mu held.
func (c *Clock) acceptOffset(offsetUs float64) {
	c.window.add(offsetUs)
	c.targetOffsetUs = c.window.mean()
	c.stats.IncSyncAccepted()
	c.stats.SetOffsetMicroseconds(c.targetOffsetUs)
}

// OnPpsEdge records the local counter value at a PPS rising edge. It is
// deliberately tiny and allocation-free so it is safe to invoke from an
// interrupt-style context: it only writes the three PPS-owned fields under
// their own short-held mutex.
func (c *Clock) OnPpsEdge(localUs uint64) {
	c.ppsMu.Lock()
	c.ppsLastUs = c.ppsNowUs
	c.ppsNowUs = localUs
	c.ppsFlag = true
	c.ppsMu.Unlock()
}

// SetGPSDateTime records the latest GPS-derived UTC wall-clock time, used
// the next time a PPS edge is disciplined. Called by the GPS source after
// parsing a sentence with a valid fix; the GPS receiver is owned solely by
// that source, so this is its only entry point into the Clock.
func (c *Clock) SetGPSDateTime(t time.Time) {
	c.gpsMu.Lock()
	c.gpsUTC = t
	c.gpsValid = true
	c.gpsMu.Unlock()
}

// gpsEpochUs computes the absolute UTC microsecond timestamp of "now" given
// the GPS UTC time latched at the last PPS edge, the local counter value at
// that edge, and the current local counter value. Extracted as a pure
// function for testability.
func gpsEpochUs(utc time.Time, ppsLocalUs, nowLocalUs uint64) uint64 {
	return uint64(utc.UnixMicro()) + (nowLocalUs - ppsLocalUs)
}

// disciplinePPS checks for a pending PPS edge and, if GPS has a valid fix,
// clamps the whole offset window to the GPS-derived offset, making PPS
// authoritative over radio-NTP.
func (c *Clock) disciplinePPS() {
	c.ppsMu.Lock()
	flag := c.ppsFlag
	ppsNow := c.ppsNowUs
	c.ppsFlag = false
	c.ppsMu.Unlock()
	if !flag {
		return
	}

	c.gpsMu.Lock()
	valid := c.gpsValid
	utc := c.gpsUTC
	c.gpsMu.Unlock()
	if !valid {
		return
	}

	local := c.localUs()
	gpsNowUs := gpsEpochUs(utc, ppsNow, local)
	gpsOffset := float64(gpsNowUs) - float64(local)

	c.mu.Lock()
	c.window.clampAll(gpsOffset)
	c.targetOffsetUs = gpsOffset
	c.mu.Unlock()
	c.log.WithField("offset_us", gpsOffset).Info("pps discipline applied, offset clamped to gps")
}

// Run drives the clock's periodic behavior: issuing sync requests on
// SyncIntervalMs, abandoning responses that exceed ResponseTimeoutMs, and
// applying PPS discipline as edges arrive. It returns when ctx is
// cancelled, matching the errgroup-managed worker lifecycle used by
// cmd/telemetry.
func (c *Clock) Run(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Clock) tick() {
	c.disciplinePPS()

	c.mu.Lock()
	local := c.localUs()
	st := c.st
	var timedOut, shouldSync bool
	switch st {
	case stateWaitingResponse:
		if local-c.requestLocalUs > uint64(c.cfg.ResponseTimeoutMs*1000) {
			timedOut = true
			c.st = stateIdle
		}
	case stateIdle:
		if local-c.lastSyncAttemptUs >= uint64(c.cfg.SyncIntervalMs*1000) {
			shouldSync = true
			c.lastSyncAttemptUs = local
		}
	}
	c.mu.Unlock()

	if timedOut {
		err := fmt.Errorf("%w: sync response timed out after %dms", errs.ErrTimingStale, c.cfg.ResponseTimeoutMs)
		c.log.WithError(err).Warn("sync response timed out")
		c.stats.IncSyncDiscarded("timeout")
	}
	if shouldSync {
		if err := c.StartSync(); err != nil {
			c.log.WithError(err).Debug("sync request failed, will retry next interval")
		}
	}
}
