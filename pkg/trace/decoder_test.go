/*
 * Copyright 2025 Google LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package trace

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeRecords(t *testing.T, records []Record) []byte {
	t.Helper()

	var buf bytes.Buffer

	w := NewWriter(&buf)

	for i := range records {
		require.NoError(t, w.WriteRecord(&records[i]))
	}

	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		records []Record
	}{
		{
			name:    "empty stream",
			records: nil,
		},
		{
			name: "single record",
			records: []Record{
				{Type: RecordInternedString, InternID: 1, Str: "https://example.com"},
			},
		},
		{
			name: "many records",
			records: []Record{
				{Type: RecordInternedString, InternID: 1, Str: "https://example.com"},
				{Type: RecordNetworkEvent, TimestampNs: 100, InternID: 1},
				{Type: RecordProcessDied, TimestampNs: 200, PID: 42, Name: "com.example.app", Reason: "crash"},
				{Type: RecordRaw, Raw: []byte{0xde, 0xad, 0xbe, 0xef}},
			},
		},
		{
			name: "zero value record",
			records: []Record{
				{Type: RecordRaw},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := encodeRecords(t, tt.records)

			d := NewDecoder(bytes.NewReader(data), int64(len(data)), ModeFinalized)

			packets, err := d.ReadAll()
			require.NoError(t, err)
			assert.Empty(t, d.DecodeErrors())
			require.Len(t, packets, len(tt.records))

			for i, pkt := range packets {
				assert.Equal(t, i, pkt.Seq)
				assert.Equal(t, tt.records[i], pkt.Record)
			}
		})
	}
}

func TestSequencePositionsNonDecreasing(t *testing.T) {
	records := make([]Record, 10)
	for i := range records {
		records[i] = Record{Type: RecordRaw, TimestampNs: int64(i)}
	}

	data := encodeRecords(t, records)

	d := NewDecoder(bytes.NewReader(data), int64(len(data)), ModeFinalized)

	packets, err := d.ReadAll()
	require.NoError(t, err)

	lastOff := int64(-1)

	for i, pkt := range packets {
		assert.Equal(t, i, pkt.Seq)
		assert.Greater(t, pkt.Offset, lastOff)
		lastOff = pkt.Offset
	}
}

func TestTruncatedLengthPrefix(t *testing.T) {
	records := []Record{
		{Type: RecordInternedString, InternID: 1, Str: "a"},
		{Type: RecordInternedString, InternID: 2, Str: "b"},
	}

	data := encodeRecords(t, records)
	truncated := append([]byte{}, data...)
	truncated = append(truncated, 0x07, 0x00) // two of four length bytes

	t.Run("live mode defers silently", func(t *testing.T) {
		d := NewDecoder(bytes.NewReader(truncated), int64(len(truncated)), ModeLive)

		packets, err := d.ReadAll()
		require.NoError(t, err)
		assert.Len(t, packets, 2)
		assert.Empty(t, d.DecodeErrors())
	})

	t.Run("finalized mode reports one decode error", func(t *testing.T) {
		d := NewDecoder(bytes.NewReader(truncated), int64(len(truncated)), ModeFinalized)

		packets, err := d.ReadAll()
		require.NoError(t, err)
		assert.Len(t, packets, 2)
		require.Len(t, d.DecodeErrors(), 1)
		assert.Equal(t, int64(len(data)), d.DecodeErrors()[0].Offset)
	})
}

func TestTruncatedRecordBody(t *testing.T) {
	records := []Record{
		{Type: RecordInternedString, InternID: 1, Str: "a"},
		{Type: RecordInternedString, InternID: 2, Str: "b"},
	}

	data := encodeRecords(t, records)

	// Claim a 100-byte record but provide only 3 bytes of body.
	truncated := append([]byte{}, data...)

	var lenBuf [4]byte

	binary.LittleEndian.PutUint32(lenBuf[:], 100)
	truncated = append(truncated, lenBuf[:]...)
	truncated = append(truncated, 0x01, 0x02, 0x03)

	t.Run("live mode defers silently", func(t *testing.T) {
		d := NewDecoder(bytes.NewReader(truncated), int64(len(truncated)), ModeLive)

		packets, err := d.ReadAll()
		require.NoError(t, err)
		assert.Len(t, packets, 2)
		assert.Empty(t, d.DecodeErrors())
	})

	t.Run("finalized mode reports one decode error", func(t *testing.T) {
		d := NewDecoder(bytes.NewReader(truncated), int64(len(truncated)), ModeFinalized)

		packets, err := d.ReadAll()
		require.NoError(t, err)
		assert.Len(t, packets, 2)
		require.Len(t, d.DecodeErrors(), 1)
		assert.Equal(t, int64(len(data)), d.DecodeErrors()[0].Offset)
	})
}

func TestMalformedLengthRecovery(t *testing.T) {
	head := encodeRecords(t, []Record{{Type: RecordInternedString, InternID: 1, Str: "before"}})
	tail := encodeRecords(t, []Record{{Type: RecordInternedString, InternID: 2, Str: "after"}})

	// A length above the record cap is skipped; decoding resumes right
	// after the malformed length field.
	var corrupt bytes.Buffer

	corrupt.Write(head)

	var lenBuf [4]byte

	binary.LittleEndian.PutUint32(lenBuf[:], uint32(maxRecordLength+1))
	corrupt.Write(lenBuf[:])
	corrupt.Write(tail)

	data := corrupt.Bytes()

	d := NewDecoder(bytes.NewReader(data), int64(len(data)), ModeFinalized)

	packets, err := d.ReadAll()
	require.NoError(t, err)
	require.Len(t, packets, 2)
	assert.Equal(t, "before", packets[0].Record.Str)
	assert.Equal(t, "after", packets[1].Record.Str)
	require.Len(t, d.DecodeErrors(), 1)
	assert.Equal(t, int64(len(head)), d.DecodeErrors()[0].Offset)
}

func TestUndecodableRecordBodySkipped(t *testing.T) {
	head := encodeRecords(t, []Record{{Type: RecordInternedString, InternID: 1, Str: "before"}})
	tail := encodeRecords(t, []Record{{Type: RecordInternedString, InternID: 2, Str: "after"}})

	var corrupt bytes.Buffer

	corrupt.Write(head)

	garbage := []byte{0xff, 0xff, 0xff}

	var lenBuf [4]byte

	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(garbage)))
	corrupt.Write(lenBuf[:])
	corrupt.Write(garbage)
	corrupt.Write(tail)

	data := corrupt.Bytes()

	d := NewDecoder(bytes.NewReader(data), int64(len(data)), ModeFinalized)

	packets, err := d.ReadAll()
	require.NoError(t, err)
	require.Len(t, packets, 2)
	assert.Equal(t, "after", packets[1].Record.Str)
	assert.Len(t, d.DecodeErrors(), 1)
}

func TestOpenPlainFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.pftrace")

	records := []Record{
		{Type: RecordNetworkEvent, TimestampNs: 1, InternID: 7},
	}

	require.NoError(t, os.WriteFile(path, encodeRecords(t, records), 0o600))

	d, err := Open(path, ModeFinalized)
	require.NoError(t, err)

	defer func() { require.NoError(t, d.Close()) }()

	packets, err := d.ReadAll()
	require.NoError(t, err)
	require.Len(t, packets, 1)
	assert.Equal(t, records[0], packets[0].Record)
}

func TestOpenZstdCompressedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.pftrace")

	records := []Record{
		{Type: RecordInternedString, InternID: 1, Str: "https://example.com"},
		{Type: RecordNetworkEvent, TimestampNs: 5, InternID: 1},
	}

	raw := encodeRecords(t, records)

	f, err := os.Create(path)
	require.NoError(t, err)

	zw, err := zstd.NewWriter(f)
	require.NoError(t, err)

	_, err = zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	d, err := Open(path, ModeFinalized)
	require.NoError(t, err)

	defer func() { require.NoError(t, d.Close()) }()

	packets, err := d.ReadAll()
	require.NoError(t, err)
	require.Len(t, packets, 2)
	assert.Equal(t, records[0], packets[0].Record)
	assert.Equal(t, records[1], packets[1].Record)
	assert.Empty(t, d.DecodeErrors())
}

func TestRestartFromStart(t *testing.T) {
	records := []Record{
		{Type: RecordInternedString, InternID: 1, Str: "a"},
		{Type: RecordInternedString, InternID: 2, Str: "b"},
	}

	data := encodeRecords(t, records)

	for i := 0; i < 2; i++ {
		d := NewDecoder(bytes.NewReader(data), int64(len(data)), ModeFinalized)

		packets, err := d.ReadAll()
		require.NoError(t, err)
		assert.Len(t, packets, 2)
	}
}
