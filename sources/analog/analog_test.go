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

package analog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	log "github.com/sirupsen/logrus"

	"github.com/fsae-rt/telemetry/bus"
	"github.com/fsae-rt/telemetry/clock"
	"github.com/fsae-rt/telemetry/config"
)

type fakePinReader struct {
	volts map[uint8]float32
	err   map[uint8]error
}

func (f *fakePinReader) ReadVolts(pin uint8) (float32, error) {
	if err, ok := f.err[pin]; ok {
		return 0, err
	}
	return f.volts[pin], nil
}

type noopSender struct{}

func (noopSender) Send([]byte) error { return nil }

func TestLinearMapZeroVolts(t *testing.T) {
	assert.Equal(t, float32(0), linearMap(0, 0, 2000))
}

func TestLinearMapFullScale(t *testing.T) {
	assert.InDelta(t, float32(2000), linearMap(referenceVolts, 0, 2000), 0.001)
}

func TestLinearMapMidScale(t *testing.T) {
	assert.InDelta(t, float32(1000), linearMap(referenceVolts/2, 0, 2000), 0.001)
}

func TestSampleOncePushesEachSignal(t *testing.T) {
	b := bus.New(8)
	clk := clock.New(noopSender{}, clock.DefaultConfig(), nil, log.WithField("test", "analog"))
	reader := &fakePinReader{volts: map[uint8]float32{34: 1.65, 35: 3.3}}
	signals := []config.AnalogSignal{
		{ID: 10, Pin: 34, Val0V: 0, Val3V: 2000},
		{ID: 11, Pin: 35, Val0V: 0, Val3V: 75},
	}
	src := New(reader, b, clk, signals, 50, log.WithField("test", "analog"))

	src.sampleOnce()

	s1, ok := b.Pop()
	require.True(t, ok)
	assert.Equal(t, uint8(10), s1.ID)
	assert.InDelta(t, float32(1000), s1.Value, 1)

	s2, ok := b.Pop()
	require.True(t, ok)
	assert.Equal(t, uint8(11), s2.ID)
	assert.InDelta(t, float32(75), s2.Value, 0.01)
}

func TestSampleOnceSkipsFailedChannel(t *testing.T) {
	b := bus.New(8)
	clk := clock.New(noopSender{}, clock.DefaultConfig(), nil, log.WithField("test", "analog"))
	reader := &fakePinReader{err: map[uint8]error{34: errors.New("adc fault")}}
	signals := []config.AnalogSignal{{ID: 10, Pin: 34, Val0V: 0, Val3V: 2000}}
	src := New(reader, b, clk, signals, 50, log.WithField("test", "analog"))

	src.sampleOnce()

	_, ok := b.Pop()
	assert.False(t, ok)
}

func TestSysfsPinReaderAppliesSharedScale(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in_voltage3_raw"), []byte("2048\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in_voltage_scale"), []byte("0.805664\n"), 0o644))

	r := NewSysfsPinReader(dir)
	volts, err := r.ReadVolts(3)
	require.NoError(t, err)
	assert.InDelta(t, float32(1.65), volts, 0.01)
}

func TestSysfsPinReaderMissingFileFails(t *testing.T) {
	r := NewSysfsPinReader(t.TempDir())
	_, err := r.ReadVolts(0)
	assert.Error(t, err)
}
