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

package imu

import (
	"errors"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsae-rt/telemetry/bus"
	"github.com/fsae-rt/telemetry/clock"
)

type fakeReader struct {
	reading Reading
	err     error
}

func (f *fakeReader) Read() (Reading, error) { return f.reading, f.err }

type noopSender struct{}

func (noopSender) Send([]byte) error { return nil }

func TestPollOncePushesSevenChannels(t *testing.T) {
	b := bus.New(16)
	clk := clock.New(noopSender{}, clock.DefaultConfig(), nil, log.WithField("test", "imu"))
	reader := &fakeReader{reading: Reading{AccelX: 1, AccelY: 2, AccelZ: 3, Heading: 90, Pitch: 1.5, Roll: -1.5, Velocity: 42}}
	src := New(reader, b, clk, 50, log.WithField("test", "imu"))

	src.pollOnce()

	got := make(map[uint8]float32)
	for i := 0; i < 7; i++ {
		s, ok := b.Pop()
		require.True(t, ok)
		got[s.ID] = s.Value
	}
	assert.Equal(t, float32(1), got[ChannelAccelX])
	assert.Equal(t, float32(2), got[ChannelAccelY])
	assert.Equal(t, float32(3), got[ChannelAccelZ])
	assert.Equal(t, float32(90), got[ChannelHeading])
	assert.Equal(t, float32(42), got[ChannelVelocity])
}

func TestPollOnceSkipsOnReadError(t *testing.T) {
	b := bus.New(16)
	clk := clock.New(noopSender{}, clock.DefaultConfig(), nil, log.WithField("test", "imu"))
	reader := &fakeReader{err: errors.New("i2c timeout")}
	src := New(reader, b, clk, 50, log.WithField("test", "imu"))

	src.pollOnce()

	_, ok := b.Pop()
	assert.False(t, ok)
}
