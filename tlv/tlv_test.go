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

package tlv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsae-rt/telemetry/internal/errs"
)

func TestWriteU16(t *testing.T) {
	buf := WriteU16(nil, 0x10, 0x1234)
	assert.Equal(t, []byte{0x10, 0x02, 0x34, 0x12}, buf)
}

func TestWriteName(t *testing.T) {
	buf := WriteName(nil, 0x20, "RPM")
	assert.Equal(t, []byte{0x20, 0x00, 0x03, 0x52, 0x50, 0x4D}, buf)
}

func TestDecodeRoundTrip(t *testing.T) {
	var buf []byte
	buf = WriteName(buf, 1, "RPM")
	buf = WriteU8(buf, 2, 7)
	buf = WriteU16(buf, 3, 6000)
	buf = WriteU32(buf, 4, 123456)
	buf = WriteF32(buf, 5, 3.14)
	buf = WriteString(buf, 6, "hello")
	buf = WriteBool(buf, 7, true)
	buf = WriteCmd(buf, 8, CmdSyncReq)
	buf = WriteU64(buf, 9, 1<<40)

	fields, err := Decode(buf)
	require.NoError(t, err)
	require.Len(t, fields, 9)
	assert.Equal(t, "RPM", fields[1].Name)
	assert.Equal(t, uint8(7), fields[2].U8)
	assert.Equal(t, uint16(6000), fields[3].U16)
	assert.Equal(t, uint32(123456), fields[4].U32)
	assert.InDelta(t, float32(3.14), fields[5].F32, 0.0001)
	assert.Equal(t, "hello", fields[6].Str)
	assert.Equal(t, true, fields[7].Bool)
	assert.Equal(t, CmdSyncReq, fields[8].Cmd)
	assert.Equal(t, uint64(1<<40), fields[9].U64)
}

func TestDecodeEmpty(t *testing.T) {
	fields, err := Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestDecodeDuplicateIDLastWins(t *testing.T) {
	var buf []byte
	buf = WriteU8(buf, 1, 1)
	buf = WriteU8(buf, 1, 2)
	fields, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), fields[1].U8)
}

func TestDecodeTruncatedHeader(t *testing.T) {
	_, err := Decode([]byte{0x01})
	require.ErrorIs(t, err, errs.ErrMalformedTLV)
}

func TestDecodeTruncatedPayload(t *testing.T) {
	_, err := Decode([]byte{0x01, uint8(TagU32), 0x00, 0x00})
	require.ErrorIs(t, err, errs.ErrMalformedTLV)
}

func TestDecodeTruncatedVariablePayload(t *testing.T) {
	_, err := Decode([]byte{0x01, uint8(TagString), 0x05, 'h', 'i'})
	require.ErrorIs(t, err, errs.ErrMalformedTLV)
}

func TestDecodeUnknownTag(t *testing.T) {
	_, err := Decode([]byte{0x01, 0xFF, 0x00})
	require.ErrorIs(t, err, errs.ErrMalformedTLV)
}

func TestSplitOnBoundaries(t *testing.T) {
	var buf []byte
	buf = WriteU32(buf, 0x01, 0) // 6 bytes
	buf = WriteU64(buf, 0x02, 0) // 10 bytes

	parts, err := SplitOnBoundaries(buf, 10)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, buf[:6], parts[0])
	assert.Equal(t, buf[6:], parts[1])
}

func TestSplitOnBoundariesEmpty(t *testing.T) {
	parts, err := SplitOnBoundaries(nil, 10)
	require.NoError(t, err)
	assert.Empty(t, parts)
}

func TestSplitOnBoundariesOversizedField(t *testing.T) {
	buf := WriteU64(nil, 0x01, 0)
	_, err := SplitOnBoundaries(buf, 4)
	require.ErrorIs(t, err, errs.ErrMalformedTLV)
}

func TestSplitOnBoundariesReassembles(t *testing.T) {
	var buf []byte
	for i := uint8(0); i < 40; i++ {
		buf = WriteU32(buf, i, uint32(i))
	}
	parts, err := SplitOnBoundaries(buf, 20)
	require.NoError(t, err)

	var reassembled []byte
	for _, p := range parts {
		assert.LessOrEqual(t, len(p), 20)
		reassembled = append(reassembled, p...)
	}
	assert.Equal(t, buf, reassembled)
}

func TestHexRoundTrip(t *testing.T) {
	b := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	assert.Equal(t, "DEADBEEF", BytesToHex(b))
	assert.Equal(t, b, HexToBytes("deadbeef"))
}

func TestHexToBytesTruncatesOddNibble(t *testing.T) {
	assert.Equal(t, []byte{0xAB}, HexToBytes("ABC"))
}
