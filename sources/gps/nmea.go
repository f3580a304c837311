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

package gps

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/fsae-rt/telemetry/internal/errs"
)

const nmeaBaud = 9600

// pollPeriod governs how often the PPS sysfs value is sampled for a rising
// edge; the receiver's PPS line is wired to a GPIO input, not an interrupt
// the Go runtime can catch, so this polls it the same way the original
// firmware's ISR-free fallback path did.
const pollPeriod = time.Millisecond

// SerialReader implements NMEAReader over a GPS receiver's NMEA serial
// line plus a GPIO line carrying its PPS pulse.
type SerialReader struct {
	port     serial.Port
	scanner  *bufio.Scanner
	ppsPath  string
	edges    chan uint64
	stopPoll chan struct{}
	localUs  func() uint64
}

// OpenSerialReader opens device at the GPS module's fixed NMEA baud rate
// and, if ppsGPIOValuePath is non-empty, starts polling it for rising
// edges. localUs supplies the free-running local counter used to timestamp
// edges, matching the Clock's own counter.
func OpenSerialReader(device, ppsGPIOValuePath string, localUs func() uint64) (*SerialReader, error) {
	port, err := serial.Open(device, &serial.Mode{BaudRate: nmeaBaud})
	if err != nil {
		return nil, fmt.Errorf("%w: opening gps device %s: %v", errs.ErrTransportDown, device, err)
	}
	r := &SerialReader{
		port:     port,
		scanner:  bufio.NewScanner(port),
		ppsPath:  ppsGPIOValuePath,
		edges:    make(chan uint64, 8),
		stopPoll: make(chan struct{}),
		localUs:  localUs,
	}
	if r.ppsPath != "" {
		go r.pollPPS()
	}
	return r, nil
}

// Close releases the underlying serial port and stops PPS polling.
func (r *SerialReader) Close() error {
	close(r.stopPoll)
	return r.port.Close()
}

// PPSEdges implements NMEAReader.
func (r *SerialReader) PPSEdges() <-chan uint64 { return r.edges }

func (r *SerialReader) pollPPS() {
	defer close(r.edges)
	var last byte
	ticker := time.NewTicker(pollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopPoll:
			return
		case <-ticker.C:
			b, err := os.ReadFile(r.ppsPath)
			if err != nil || len(b) == 0 {
				continue
			}
			cur := b[0]
			if cur == '1' && last == '0' {
				select {
				case r.edges <- r.localUs():
				default:
				}
			}
			last = cur
		}
	}
}

// ReadFix implements NMEAReader, blocking on the next $GPRMC or $GPGGA
// sentence.
func (r *SerialReader) ReadFix(ctx context.Context) (Fix, error) {
	for {
		select {
		case <-ctx.Done():
			return Fix{}, ctx.Err()
		default:
		}
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return Fix{}, fmt.Errorf("%w: reading gps serial stream: %v", errs.ErrTransportDown, err)
			}
			return Fix{}, fmt.Errorf("%w: gps serial stream closed", errs.ErrTransportDown)
		}
		line := r.scanner.Text()
		switch {
		case strings.HasPrefix(line, "$GPRMC") || strings.HasPrefix(line, "$GNRMC"):
			if fix, ok := parseRMC(line); ok {
				return fix, nil
			}
		case strings.HasPrefix(line, "$GPGGA") || strings.HasPrefix(line, "$GNGGA"):
			if fix, ok := parseGGA(line); ok {
				return fix, nil
			}
		}
	}
}

// parseRMC decodes a Recommended Minimum sentence: lat/lon, speed, heading,
// and UTC date+time.
func parseRMC(line string) (Fix, bool) {
	fields := strings.Split(strings.SplitN(line, "*", 2)[0], ",")
	if len(fields) < 10 || fields[2] != "A" {
		return Fix{}, false
	}
	lat, okLat := parseCoordinate(fields[3], fields[4])
	lon, okLon := parseCoordinate(fields[5], fields[6])
	speedKnots, _ := strconv.ParseFloat(fields[7], 32)
	heading, _ := strconv.ParseFloat(fields[8], 32)
	utc, okTime := parseUTCDateTime(fields[1], fields[9])
	if !okLat || !okLon {
		return Fix{}, false
	}
	return Fix{
		Lat:       lat,
		Lon:       lon,
		Speed:     float32(speedKnots * 1.852), // knots to km/h
		Heading:   float32(heading),
		TimeValid: okTime,
		UTC:       utc,
	}, true
}

// parseGGA decodes a Global Positioning System Fix sentence: lat/lon and
// satellite count. It carries no UTC date, so TimeValid is always false.
func parseGGA(line string) (Fix, bool) {
	fields := strings.Split(strings.SplitN(line, "*", 2)[0], ",")
	if len(fields) < 8 || fields[6] == "0" {
		return Fix{}, false
	}
	lat, okLat := parseCoordinate(fields[2], fields[3])
	lon, okLon := parseCoordinate(fields[4], fields[5])
	sats, _ := strconv.Atoi(fields[7])
	if !okLat || !okLon {
		return Fix{}, false
	}
	return Fix{Lat: lat, Lon: lon, Satellites: uint8(sats)}, true
}

// parseCoordinate decodes NMEA's ddmm.mmmm degrees-minutes format into
// signed decimal degrees.
func parseCoordinate(raw, hemisphere string) (float32, bool) {
	if raw == "" {
		return 0, false
	}
	dotIdx := strings.IndexByte(raw, '.')
	if dotIdx < 2 {
		return 0, false
	}
	degDigits := dotIdx - 2
	deg, err := strconv.ParseFloat(raw[:degDigits], 64)
	if err != nil {
		return 0, false
	}
	minutes, err := strconv.ParseFloat(raw[degDigits:], 64)
	if err != nil {
		return 0, false
	}
	decimal := deg + minutes/60
	if hemisphere == "S" || hemisphere == "W" {
		decimal = -decimal
	}
	return float32(decimal), true
}

// parseUTCDateTime combines RMC's hhmmss.sss time field and ddmmyy date
// field into a UTC time.Time.
func parseUTCDateTime(timeField, dateField string) (time.Time, bool) {
	if len(timeField) < 6 || len(dateField) != 6 {
		return time.Time{}, false
	}
	layout := "020106150405"
	t, err := time.ParseInLocation(layout, dateField+timeField[:6], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
