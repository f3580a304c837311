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

// Package radio implements the Radio Gateway: a thin AT-command framer over
// a LoRa UART bridge. It issues setup and send commands and runs a
// background read loop that splits the incoming byte stream on '\n' and
// dispatches +RCV=/+ERR= lines to registered handlers. This reworks the
// original firmware's LoRaManager from a FreeRTOS task pinned to a core
// into a goroutine reading off a serial.Port.
package radio

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/fsae-rt/telemetry/internal/errs"
	"github.com/fsae-rt/telemetry/tlv"
)

// defaultBaud matches the original firmware's HardwareSerial.begin baud.
const defaultBaud = 115200

// RCVHandler is invoked for each decoded incoming TLV frame.
type RCVHandler func(fields tlv.Fields)

// Gateway owns the serial port to the LoRa radio module.
type Gateway struct {
	port  serial.Port
	log   *log.Entry
	onRCV RCVHandler
	onAck func()
	onErr func()
}

// Open opens device at the LoRa module's fixed baud rate.
func Open(device string, logger *log.Entry) (*Gateway, error) {
	port, err := serial.Open(device, &serial.Mode{BaudRate: defaultBaud})
	if err != nil {
		return nil, fmt.Errorf("%w: opening radio device %s: %v", errs.ErrTransportDown, device, err)
	}
	return &Gateway{port: port, log: logger.WithField("component", "radio")}, nil
}

// SetHandlers registers the Egress worker's callbacks for incoming frames,
// send acknowledgements (+OK), and error (+ERR=) lines.
func (g *Gateway) SetHandlers(onRCV RCVHandler, onAck, onErr func()) {
	g.onRCV = onRCV
	g.onAck = onAck
	g.onErr = onErr
}

// Configure issues the four RYLR setup commands once at startup.
func (g *Gateway) Configure(addr, netID, bandHz, param string) error {
	g.sendAT("AT+RESET")
	time.Sleep(500 * time.Millisecond)
	g.sendAT("AT+ADDRESS=" + addr)
	g.sendAT("AT+NETWORKID=" + netID)
	g.sendAT("AT+BAND=" + bandHz)
	g.sendAT("AT+PARAMETER=" + param)
	return nil
}

func (g *Gateway) sendAT(cmd string) {
	if _, err := g.port.Write([]byte(cmd + "\r\n")); err != nil {
		g.log.WithError(err).WithField("cmd", cmd).Warn("failed to write AT command")
	}
}

// Send issues AT+SEND=<destAddr>,<hexLen>,<hex> for one already-bounded
// frame. It is the only method the Egress worker's pacing loop calls.
func (g *Gateway) Send(destAddr string, payload []byte) error {
	hex := tlv.BytesToHex(payload)
	cmd := fmt.Sprintf("AT+SEND=%s,%d,%s", destAddr, len(hex), hex)
	if _, err := g.port.Write([]byte(cmd + "\r\n")); err != nil {
		return fmt.Errorf("%w: writing radio send command: %v", errs.ErrTransportDown, err)
	}
	return nil
}

// Run reads lines from the UART until ctx is cancelled, dispatching
// +RCV=/+ERR= lines to the registered handlers.
func (g *Gateway) Run(ctx context.Context) error {
	defer g.port.Close()
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(g.port)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return fmt.Errorf("%w: radio serial stream closed", errs.ErrTransportDown)
			}
			g.handleLine(line)
		}
	}
}

func (g *Gateway) handleLine(line string) {
	switch {
	case strings.HasPrefix(line, "+RCV="):
		g.handleRCV(line)
	case strings.HasPrefix(line, "+ERR="):
		if g.onErr != nil {
			g.onErr()
		}
	case strings.HasPrefix(line, "+OK"):
		if g.onAck != nil {
			g.onAck()
		}
	}
}

func (g *Gateway) handleRCV(line string) {
	parts := strings.SplitN(strings.TrimPrefix(line, "+RCV="), ",", 3)
	if len(parts) != 3 {
		g.log.WithField("line", line).Warn("malformed +RCV line")
		return
	}
	if _, err := strconv.Atoi(parts[1]); err != nil {
		g.log.WithField("line", line).Warn("malformed +RCV length field")
		return
	}
	fields, err := tlv.Decode(tlv.HexToBytes(parts[2]))
	if err != nil {
		g.log.WithError(err).Warn("failed to decode +RCV payload")
		return
	}
	// Only frames carrying a command id (field 0x01) are dispatched.
	if _, ok := fields[0x01]; !ok {
		return
	}
	if g.onRCV != nil {
		g.onRCV(fields)
	}
}
