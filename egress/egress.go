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

// Package egress implements Telemetry Egress: two independent paths, both
// fed from bus.LatestSnapshot, that carry the car's live state off-vehicle.
// The UDP path is link-state aware and DSCP-marked; the radio path frames
// onto a bounded FIFO paced by a Radio Gateway.
package egress

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jsimonetti/rtnetlink"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/fsae-rt/telemetry/bus"
	"github.com/fsae-rt/telemetry/clock"
	"github.com/fsae-rt/telemetry/internal/errs"
	"github.com/fsae-rt/telemetry/tlv"
)

// LoraMax is the maximum payload per radio frame, per the AT+SEND grammar.
const LoraMax = 96

// TxGuardMs bounds how long a radio send may hold txBusy before being
// force-cleared, matching the original firmware's TX_GUARD_MS.
const TxGuardMs = 100 * time.Millisecond

// radioPollPeriod matches the original firmware's LoRaManager task delay.
const radioPollPeriod = 20 * time.Millisecond

// fifoCapacity bounds the radio transmit queue.
const fifoCapacity = 64

// Stats receives egress observability counters.
type Stats interface {
	IncFramesSent()
	IncTxRetries()
}

type noopStats struct{}

func (noopStats) IncFramesSent() {}
func (noopStats) IncTxRetries()  {}

// LinkChecker reports whether a network interface is administratively and
// operationally up.
type LinkChecker interface {
	IsUp(ifaceName string) (bool, error)
}

// RadioSender issues one already-bounded frame to the radio UART.
type RadioSender interface {
	Send(destAddr string, payload []byte) error
}

// Egress runs the UDP and radio telemetry paths.
type Egress struct {
	bus    *bus.Bus
	clock  *clock.Clock
	stats  Stats
	log    *log.Entry

	udpConn   net.Conn
	iface     string
	linkCheck LinkChecker

	radio      RadioSender
	radioAddr  string
	fifoMu     sync.Mutex
	fifo       [][]byte
	txBusy     bool
	lastTxTime time.Time
}

// Config configures an Egress instance.
type Config struct {
	Host         string
	UDPPort      uint16
	TelemRateHz  uint16
	Iface        string
	RadioDest    string
}

// New constructs an Egress path. radio may be nil to disable the radio path.
func New(cfg Config, b *bus.Bus, clk *clock.Clock, linkCheck LinkChecker, radio RadioSender, stats Stats, logger *log.Entry) (*Egress, error) {
	if stats == nil {
		stats = noopStats{}
	}
	conn, err := dialDSCP(cfg.Host, cfg.UDPPort)
	if err != nil {
		return nil, err
	}
	return &Egress{
		bus:       b,
		clock:     clk,
		stats:     stats,
		log:       logger.WithField("component", "egress"),
		udpConn:   conn,
		iface:     cfg.Iface,
		linkCheck: linkCheck,
		radio:     radio,
		radioAddr: cfg.RadioDest,
	}, nil
}

func dialDSCP(host string, port uint16) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", errs.ErrTransportDown, addr, err)
	}
	if udpConn, ok := conn.(*net.UDPConn); ok {
		if err := setDSCP(udpConn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: setting DSCP on telemetry socket: %v", errs.ErrTransportDown, err)
		}
	}
	return conn, nil
}

// telemetryDSCP is the DSCP class used for the UDP telemetry stream, set
// once at socket creation.
const telemetryDSCP = 0x20

func setDSCP(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		localAddr, _ := conn.LocalAddr().(*net.UDPAddr)
		if localAddr != nil && localAddr.IP.To4() == nil {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, telemetryDSCP<<2)
		} else {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, telemetryDSCP<<2)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

// encodeSnapshot renders a LatestSnapshot as a single TLV buffer: a U64
// timestamp field followed by one F32 field per signal id.
func encodeSnapshot(nowUs uint64, snapshot map[uint8]float32) []byte {
	var buf []byte
	buf = tlv.WriteU64(buf, 0x00, nowUs)
	for id, v := range snapshot {
		buf = tlv.WriteF32(buf, id, v)
	}
	return buf
}

// RunUDP sends the latest snapshot to host:udpPort at telemRateHz until ctx
// is cancelled.
func (e *Egress) RunUDP(ctx context.Context, telemRateHz uint16, maxAge time.Duration) error {
	if telemRateHz == 0 {
		telemRateHz = 1
	}
	ticker := time.NewTicker(time.Second / time.Duration(telemRateHz))
	defer ticker.Stop()
	defer e.udpConn.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.sendUDPOnce(maxAge)
		}
	}
}

func (e *Egress) sendUDPOnce(maxAge time.Duration) {
	if e.linkCheck != nil {
		up, err := e.linkCheck.IsUp(e.iface)
		if err != nil || !up {
			e.log.WithField("iface", e.iface).Warn("interface down, skipping telemetry send")
			return
		}
	}
	now := e.clock.NowUs()
	snapshot := e.bus.LatestSnapshot(now, maxAge)
	buf := encodeSnapshot(now, snapshot)
	if _, err := e.udpConn.Write(buf); err != nil {
		e.log.WithError(err).Debug("udp telemetry send failed, will retry next tick")
	}
}

// EnqueueRadio splits the current snapshot into LoraMax-bounded frames and
// appends them to the bounded transmit FIFO.
func (e *Egress) EnqueueRadio(maxAge time.Duration) {
	now := e.clock.NowUs()
	snapshot := e.bus.LatestSnapshot(now, maxAge)
	buf := encodeSnapshot(now, snapshot)
	frames, err := tlv.SplitOnBoundaries(buf, LoraMax)
	if err != nil {
		e.log.WithError(err).Warn("failed to frame telemetry snapshot for radio")
		return
	}

	e.fifoMu.Lock()
	defer e.fifoMu.Unlock()
	for _, f := range frames {
		if len(e.fifo) >= fifoCapacity {
			e.fifo = e.fifo[1:]
		}
		e.fifo = append(e.fifo, f)
	}
}

// RunRadioPacing drains the FIFO onto the Radio Gateway, one frame at a
// time, honoring txBusy and TxGuardMs. It returns when ctx is cancelled.
func (e *Egress) RunRadioPacing(ctx context.Context) error {
	if e.radio == nil {
		return nil
	}
	ticker := time.NewTicker(radioPollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.processQueue()
		}
	}
}

func (e *Egress) processQueue() {
	e.fifoMu.Lock()
	defer e.fifoMu.Unlock()

	if e.txBusy && time.Since(e.lastTxTime) > TxGuardMs {
		e.txBusy = false
	}
	if e.txBusy || len(e.fifo) == 0 {
		return
	}

	frame := e.fifo[0]
	e.fifo = e.fifo[1:]
	if err := e.radio.Send(e.radioAddr, frame); err != nil {
		e.log.WithError(err).Warn("radio send failed")
		e.stats.IncTxRetries()
		return
	}
	e.txBusy = true
	e.lastTxTime = time.Now()
	e.stats.IncFramesSent()
}

// OnRadioAck clears txBusy on an explicit acknowledgement from the radio.
func (e *Egress) OnRadioAck() {
	e.fifoMu.Lock()
	e.txBusy = false
	e.fifoMu.Unlock()
}

// OnRadioErr clears txBusy on an error line from the radio.
func (e *Egress) OnRadioErr() {
	e.fifoMu.Lock()
	e.txBusy = false
	e.fifoMu.Unlock()
}

// rtnetlinkLinkChecker implements LinkChecker over RTM_GETLINK queries.
type rtnetlinkLinkChecker struct{}

// NewLinkChecker returns the production LinkChecker backed by rtnetlink.
func NewLinkChecker() LinkChecker { return rtnetlinkLinkChecker{} }

func (rtnetlinkLinkChecker) IsUp(ifaceName string) (bool, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return false, fmt.Errorf("%w: resolving interface %s: %v", errs.ErrTransportDown, ifaceName, err)
	}
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return false, fmt.Errorf("%w: dialing rtnetlink: %v", errs.ErrTransportDown, err)
	}
	defer conn.Close()

	msg, err := conn.Link.Get(uint32(iface.Index))
	if err != nil {
		return false, fmt.Errorf("%w: querying link state for %s: %v", errs.ErrTransportDown, ifaceName, err)
	}
	return msg.Attributes != nil && msg.Attributes.OperationalState == rtnetlink.OperStateUp, nil
}
