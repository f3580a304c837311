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

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsae-rt/telemetry/tlv"
)

type fakeSender struct {
	sent [][]byte
	err  error
}

func (f *fakeSender) Send(buf []byte) error {
	f.sent = append(f.sent, buf)
	return f.err
}

func TestOffsetWindowMovingAverage(t *testing.T) {
	w := newOffsetWindow(3)
	w.add(10)
	w.add(20)
	assert.InDelta(t, 15, w.mean(), 0.001)
	w.add(30)
	w.add(90) // evicts the first 10
	assert.InDelta(t, (20.0+30.0+90.0)/3, w.mean(), 0.001)
}

func TestOffsetWindowClampAll(t *testing.T) {
	w := newOffsetWindow(3)
	w.add(1)
	w.add(2)
	w.clampAll(500000)
	assert.InDelta(t, 500000, w.mean(), 0.001)
}

func TestHandleSyncResponseComputesOffset(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, DefaultConfig(), nil, nil)

	// pin the local counter so t4 is deterministic
	c.startMono = time.Now().Add(-300 * time.Microsecond)
	c.pktID = 1
	c.st = stateWaitingResponse
	c.requestLocalUs = 100

	var buf []byte
	buf = tlv.WriteCmd(buf, fieldCmd, tlv.CmdSyncResp)
	buf = tlv.WriteU32(buf, fieldPktID, 1)
	buf = tlv.WriteU64(buf, fieldT1, 100)
	buf = tlv.WriteU64(buf, fieldT2, 1000100)
	buf = tlv.WriteU64(buf, fieldT3, 1000200)
	fields, err := tlv.Decode(buf)
	require.NoError(t, err)

	c.HandleSyncResponse(fields)

	assert.True(t, c.firstOffsetReceived)
	assert.InDelta(t, 999950, c.targetOffsetUs, 50)
	assert.Equal(t, stateIdle, c.st)
}

func TestHandleSyncResponseDropsMismatchedPacketID(t *testing.T) {
	c := New(&fakeSender{}, DefaultConfig(), nil, nil)
	c.pktID = 5
	c.st = stateWaitingResponse

	var buf []byte
	buf = tlv.WriteCmd(buf, fieldCmd, tlv.CmdSyncResp)
	buf = tlv.WriteU32(buf, fieldPktID, 4)
	fields, _ := tlv.Decode(buf)

	c.HandleSyncResponse(fields)
	assert.False(t, c.firstOffsetReceived)
	assert.Equal(t, stateWaitingResponse, c.st)
}

func TestHandleSyncResponseIgnoredWhenIdle(t *testing.T) {
	c := New(&fakeSender{}, DefaultConfig(), nil, nil)
	c.st = stateIdle

	var buf []byte
	buf = tlv.WriteCmd(buf, fieldCmd, tlv.CmdSyncResp)
	buf = tlv.WriteU32(buf, fieldPktID, 1)
	fields, _ := tlv.Decode(buf)

	c.HandleSyncResponse(fields)
	assert.False(t, c.firstOffsetReceived)
}

func TestHandleSyncResponseDiscardsHighDelayButKeepsPriorTarget(t *testing.T) {
	c := New(&fakeSender{}, DefaultConfig(), nil, nil)
	c.firstOffsetReceived = true
	c.targetOffsetUs = 1000
	c.window.add(1000)
	c.pktID = 1
	c.st = stateWaitingResponse
	c.requestLocalUs = 0
	// force a huge apparent delay: about 20s elapse locally (t4 - t1) while
	// the server holds the request for only 5s (t3 - t2)
	c.startMono = time.Now().Add(-20 * time.Second)
	var buf []byte
	buf = tlv.WriteCmd(buf, fieldCmd, tlv.CmdSyncResp)
	buf = tlv.WriteU32(buf, fieldPktID, 1)
	buf = tlv.WriteU64(buf, fieldT1, 0)
	buf = tlv.WriteU64(buf, fieldT2, 0)
	buf = tlv.WriteU64(buf, fieldT3, uint64(DefaultConfig().MaxDelayUs)*10)
	fields, _ := tlv.Decode(buf)

	c.HandleSyncResponse(fields)
	assert.InDelta(t, 1000, c.targetOffsetUs, 0.001)
}

func TestNowUsSlewsTowardTarget(t *testing.T) {
	c := New(&fakeSender{}, DefaultConfig(), nil, nil)
	c.firstOffsetReceived = true
	c.targetOffsetUs = 500000
	c.currentOffsetUs = 0
	c.lastReturnedUs = 0

	c.NowUs()
	assert.InDelta(t, 50000, c.currentOffsetUs, 0.001)
}

func TestNowUsIsMonotone(t *testing.T) {
	c := New(&fakeSender{}, DefaultConfig(), nil, nil)
	var prev uint64
	for i := 0; i < 50; i++ {
		now := c.NowUs()
		assert.GreaterOrEqual(t, now, prev)
		prev = now
	}
}

func TestNowUsMonotoneAcrossBackwardJump(t *testing.T) {
	c := New(&fakeSender{}, DefaultConfig(), nil, nil)
	c.targetOffsetUs = 1_000_000
	first := c.NowUs()
	// simulate the target jumping far backward
	c.mu.Lock()
	c.targetOffsetUs = -1_000_000
	c.mu.Unlock()
	second := c.NowUs()
	assert.GreaterOrEqual(t, second, first)
}

func TestGpsEpochUs(t *testing.T) {
	utc := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	got := gpsEpochUs(utc, 1000, 1500)
	want := uint64(utc.UnixMicro()) + 500
	assert.Equal(t, want, got)
}

func TestDisciplinePPSClampsOffset(t *testing.T) {
	c := New(&fakeSender{}, DefaultConfig(), nil, nil)
	c.startMono = time.Now().Add(-10 * time.Second)
	local := c.localUs()

	c.OnPpsEdge(local)
	c.SetGPSDateTime(time.Now().UTC())

	c.disciplinePPS()

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.True(t, c.window.full() || c.window.currentSize > 0)
}

func TestStartSyncTransitionsToWaitingResponse(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, DefaultConfig(), nil, nil)
	err := c.StartSync()
	require.NoError(t, err)
	assert.Equal(t, stateWaitingResponse, c.st)
	assert.Len(t, sender.sent, 1)
}

func TestTickAbandonsTimedOutRequest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResponseTimeoutMs = 0
	c := New(&fakeSender{}, cfg, nil, nil)
	c.st = stateWaitingResponse
	c.requestLocalUs = 0
	time.Sleep(time.Millisecond)
	c.tick()
	assert.Equal(t, stateIdle, c.st)
}
