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

package egress

import (
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsae-rt/telemetry/tlv"
)

type fakeRadio struct {
	sent [][]byte
	err  error
}

func (f *fakeRadio) Send(destAddr string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, payload)
	return nil
}

func newTestEgress(radio RadioSender) *Egress {
	return &Egress{
		log:       log.WithField("test", "egress"),
		radio:     radio,
		radioAddr: "2",
		stats:     noopStats{},
	}
}

func TestEncodeSnapshotDecodesBack(t *testing.T) {
	buf := encodeSnapshot(1000, map[uint8]float32{1: 1.5, 2: 2.5})
	fields, err := tlv.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), fields[0x00].U64)
	assert.Equal(t, float32(1.5), fields[1].F32)
	assert.Equal(t, float32(2.5), fields[2].F32)
}

func TestProcessQueueSendsHeadFrameAndSetsBusy(t *testing.T) {
	radio := &fakeRadio{}
	e := newTestEgress(radio)
	e.fifo = [][]byte{{1, 2, 3}, {4, 5, 6}}

	e.processQueue()

	require.Len(t, radio.sent, 1)
	assert.Equal(t, []byte{1, 2, 3}, radio.sent[0])
	assert.True(t, e.txBusy)
	assert.Len(t, e.fifo, 1)
}

func TestProcessQueueSkipsWhenBusy(t *testing.T) {
	radio := &fakeRadio{}
	e := newTestEgress(radio)
	e.fifo = [][]byte{{1}}
	e.txBusy = true
	e.lastTxTime = time.Now()

	e.processQueue()

	assert.Empty(t, radio.sent)
	assert.Len(t, e.fifo, 1)
}

func TestProcessQueueClearsBusyAfterTxGuard(t *testing.T) {
	radio := &fakeRadio{}
	e := newTestEgress(radio)
	e.fifo = [][]byte{{1}}
	e.txBusy = true
	e.lastTxTime = time.Now().Add(-2 * TxGuardMs)

	e.processQueue()

	require.Len(t, radio.sent, 1)
	assert.True(t, e.txBusy)
}

func TestOnRadioAckClearsBusy(t *testing.T) {
	e := newTestEgress(&fakeRadio{})
	e.txBusy = true
	e.OnRadioAck()
	assert.False(t, e.txBusy)
}

func TestOnRadioErrClearsBusy(t *testing.T) {
	e := newTestEgress(&fakeRadio{})
	e.txBusy = true
	e.OnRadioErr()
	assert.False(t, e.txBusy)
}

func TestProcessQueueDropsFrameOnSendFailure(t *testing.T) {
	radio := &fakeRadio{err: errors.New("uart write failed")}
	e := newTestEgress(radio)
	e.fifo = [][]byte{{1}}

	e.processQueue()

	assert.False(t, e.txBusy)
	assert.Len(t, e.fifo, 0)
}
