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

package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fsae-rt/telemetry/bus"
	"github.com/fsae-rt/telemetry/clock"
	"github.com/fsae-rt/telemetry/config"
	"github.com/fsae-rt/telemetry/egress"
	"github.com/fsae-rt/telemetry/internal/metrics"
	"github.com/fsae-rt/telemetry/logger"
	"github.com/fsae-rt/telemetry/radio"
	"github.com/fsae-rt/telemetry/sources/analog"
	"github.com/fsae-rt/telemetry/sources/can"
	"github.com/fsae-rt/telemetry/sources/gps"
	"github.com/fsae-rt/telemetry/sources/imu"
)

const watchdogPing = 5 * time.Second

var runFlags struct {
	configPath string
	busSize    int

	canIface string

	imuI2CDevice string
	imuI2CAddr   uint16

	analogIIODevice string

	gpsDevice  string
	gpsPPSPath string

	radioDevice string
	radioDest   string

	logDir    string
	logPrefix string

	telemIface    string
	metricsListen string
}

func init() {
	RootCmd.AddCommand(runCmd)
	f := runCmd.Flags()
	f.StringVar(&runFlags.configPath, "config", "/etc/telemetry/config.json", "path to the persisted configuration")
	f.IntVar(&runFlags.busSize, "bus-size", bus.DefaultCapacity, "sample bus ring capacity")
	f.StringVar(&runFlags.canIface, "can-iface", "can0", "SocketCAN interface name")
	f.StringVar(&runFlags.imuI2CDevice, "imu-i2c-device", "/dev/i2c-1", "IMU i2c-dev device path")
	f.Uint16Var(&runFlags.imuI2CAddr, "imu-i2c-addr", 0x68, "IMU i2c slave address")
	f.StringVar(&runFlags.analogIIODevice, "analog-iio-device", "/sys/bus/iio/devices/iio:device0", "analog ADC IIO device directory")
	f.StringVar(&runFlags.gpsDevice, "gps-device", "/dev/ttyAMA0", "GPS receiver NMEA serial device")
	f.StringVar(&runFlags.gpsPPSPath, "gps-pps-gpio", "", "sysfs GPIO value file carrying the GPS PPS pulse, empty disables PPS discipline")
	f.StringVar(&runFlags.radioDevice, "radio-device", "/dev/ttyUSB0", "LoRa radio module serial device")
	f.StringVar(&runFlags.radioDest, "radio-dest", "0", "LoRa address of the base station")
	f.StringVar(&runFlags.logDir, "log-dir", "/var/lib/telemetry/logs", "storage log directory")
	f.StringVar(&runFlags.logPrefix, "log-prefix", "run", "storage log filename prefix")
	f.StringVar(&runFlags.telemIface, "telem-iface", "wlan0", "network interface carrying the UDP telemetry stream")
	f.StringVar(&runFlags.metricsListen, "metrics-listen", ":9273", "address the /metrics endpoint listens on")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the on-vehicle telemetry daemon",
	RunE: func(_ *cobra.Command, _ []string) error {
		ConfigureVerbosity()
		return runDaemon()
	},
}

// radioSyncSender adapts the shared Radio Gateway to the narrow Sender
// interface the Clock uses to transmit sync requests.
type radioSyncSender struct {
	gw   *radio.Gateway
	dest string
}

func (s radioSyncSender) Send(buf []byte) error {
	return s.gw.Send(s.dest, buf)
}

func runDaemon() error {
	logger := log.WithField("component", "daemon")

	settings, err := config.Load(runFlags.configPath)
	if err != nil {
		return err
	}

	reg := metrics.New()
	b := bus.New(runFlags.busSize)
	b.SetStats(reg)

	gw, err := radio.Open(runFlags.radioDevice, log.NewEntry(log.StandardLogger()))
	if err != nil {
		return err
	}
	if err := gw.Configure(settings.Main.LoraAddress, settings.Main.LoraNetID, settings.Main.LoraBand, settings.Main.LoraParam); err != nil {
		return err
	}

	clk := clock.New(radioSyncSender{gw: gw, dest: runFlags.radioDest}, clock.DefaultConfig(), reg, log.NewEntry(log.StandardLogger()))

	eg, err := egress.New(egress.Config{
		Host:        settings.Main.Host,
		UDPPort:     settings.Main.UDPPort,
		TelemRateHz: settings.Main.TelemRateHz,
		Iface:       runFlags.telemIface,
		RadioDest:   runFlags.radioDest,
	}, b, clk, egress.NewLinkChecker(), gw, reg, log.NewEntry(log.StandardLogger()))
	if err != nil {
		return err
	}

	gw.SetHandlers(clk.HandleSyncResponse, eg.OnRadioAck, eg.OnRadioErr)

	canReader, err := can.OpenSocketCAN(runFlags.canIface)
	if err != nil {
		return err
	}
	canSource := can.New(canReader, b, clk, settings.CANMap, log.NewEntry(log.StandardLogger()))

	analogSource := analog.New(analog.NewSysfsPinReader(runFlags.analogIIODevice), b, clk, settings.Analogs, settings.Main.SampleRateHz, log.NewEntry(log.StandardLogger()))

	imuReader, err := imu.OpenI2CReader(runFlags.imuI2CDevice, runFlags.imuI2CAddr)
	if err != nil {
		return err
	}
	imuSource := imu.New(imuReader, b, clk, settings.Main.SampleRateHz, log.NewEntry(log.StandardLogger()))

	gpsReader, err := gps.OpenSerialReader(runFlags.gpsDevice, runFlags.gpsPPSPath, clk.LocalUs)
	if err != nil {
		return err
	}
	gpsSource := gps.New(gpsReader, b, clk, log.NewEntry(log.StandardLogger()))

	storageLogger := logger.New(runFlags.logDir, runFlags.logPrefix, b, clk, reg, log.NewEntry(log.StandardLogger()))
	storageLogger.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	mux.HandleFunc("/status", statusHandler(b, clk))
	metricsServer := &http.Server{Addr: runFlags.metricsListen, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return clk.Run(gctx) })
	group.Go(func() error { return gw.Run(gctx) })
	group.Go(func() error { return canSource.Run(gctx) })
	group.Go(func() error { return analogSource.Run(gctx) })
	group.Go(func() error { return imuSource.Run(gctx) })
	group.Go(func() error { return gpsSource.Run(gctx) })
	group.Go(func() error { return storageLogger.Run(gctx) })
	group.Go(func() error { return eg.RunUDP(gctx, settings.Main.TelemRateHz, 2*time.Second) })
	group.Go(func() error { return eg.RunRadioPacing(gctx) })
	group.Go(func() error { return runRadioEnqueue(gctx, eg, settings.Main.TelemRateHz) })
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error { return runWatchdog(gctx) })

	if err := sdNotifyReady(); err != nil {
		logger.WithError(err).Warn("failed to notify systemd of readiness")
	}

	return group.Wait()
}

// sdNotifyReady notifies systemd (if present) that startup has completed.
func sdNotifyReady() error {
	supported, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if !supported && err != nil {
		return err
	}
	if !supported {
		log.Debug("sd_notify not supported, skipping readiness notification")
	}
	return nil
}

// StatusChannel is one entry in the /status JSON payload the trackside
// "status" subcommand polls: the bus's current value for one signal id, and
// whether it was refreshed within statusFreshWindow.
type StatusChannel struct {
	ID    uint8   `json:"id"`
	Value float32 `json:"value"`
	Fresh bool    `json:"fresh"`
}

// statusFreshWindow marks a channel "live" in the status table.
const statusFreshWindow = 500 * time.Millisecond

// statusRetainWindow is how long a channel with no recent samples still
// shows up in the status table at all, marked stale rather than vanishing.
const statusRetainWindow = 24 * time.Hour

func statusHandler(b *bus.Bus, clk *clock.Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		now := clk.NowUs()
		all := b.LatestSnapshot(now, statusRetainWindow)
		fresh := b.LatestSnapshot(now, statusFreshWindow)

		channels := make([]StatusChannel, 0, len(all))
		for id, v := range all {
			_, isFresh := fresh[id]
			channels = append(channels, StatusChannel{ID: id, Value: v, Fresh: isFresh})
		}
		sort.Slice(channels, func(i, j int) bool { return channels[i].ID < channels[j].ID })

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(channels)
	}
}

// radioSnapshotMaxAge bounds how stale a signal may be and still ride along
// on the radio telemetry path, matching the UDP path's staleness window.
const radioSnapshotMaxAge = 2 * time.Second

// runRadioEnqueue periodically frames the latest bus snapshot onto the
// Egress worker's radio transmit FIFO, at the same cadence as the UDP path.
// RunRadioPacing only drains that FIFO; something else has to fill it.
func runRadioEnqueue(ctx context.Context, eg *egress.Egress, telemRateHz uint16) error {
	if telemRateHz == 0 {
		telemRateHz = 1
	}
	ticker := time.NewTicker(time.Second / time.Duration(telemRateHz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			eg.EnqueueRadio(radioSnapshotMaxAge)
		}
	}
}

// runWatchdog pings systemd's watchdog, if configured, until ctx is
// cancelled.
func runWatchdog(ctx context.Context) error {
	ticker := time.NewTicker(watchdogPing)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.WithError(err).Debug("sd_notify watchdog ping failed")
			}
		}
	}
}
