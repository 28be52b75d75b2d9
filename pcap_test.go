// SPDX-License-Identifier: GPL-3.0-or-later

package flowaudit_test

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/allisonhenderson/flowaudit"
	"github.com/bassosimone/iotest"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPcapTraceCloseHeaderWriteError(t *testing.T) {
	writeErr := errors.New("mocked write error")
	closeErr := errors.New("mocked close error")
	wc := &iotest.FuncWriteCloser{
		WriteFunc: func([]byte) (int, error) {
			return 0, writeErr
		},
		CloseFunc: func() error {
			return closeErr
		},
	}
	trace := flowaudit.NewPcapTrace(wc, flowaudit.MTUEthernet)
	err := trace.Close()
	require.Error(t, err)
	assert.True(t, errors.Is(err, writeErr))
	assert.True(t, errors.Is(err, closeErr))
}

func TestPcapTraceDroppedWhenBufferFull(t *testing.T) {
	gate := make(chan struct{})
	wc := &iotest.FuncWriteCloser{
		WriteFunc: func(b []byte) (int, error) {
			<-gate
			return len(b), nil
		},
		CloseFunc: func() error {
			return nil
		},
	}
	trace := flowaudit.NewPcapTrace(wc, flowaudit.MTUEthernet, flowaudit.PcapTraceOptionBuffer(1))
	// the header write blocks the loop, so the second snapshot has no room
	trace.Dump([]byte{0x00})
	trace.Dump([]byte{0x01})
	assert.Equal(t, uint64(1), trace.Dropped())
	close(gate)
	require.NoError(t, trace.Close())
}

func TestPcapTraceFirstPacketWriteFails(t *testing.T) {
	// prepare the mock for failing during the first write
	writeErr := errors.New("mocked write error")
	closeErr := errors.New("mocked close error")
	var countWrites uint32
	packetWrite := make(chan struct{})
	wc := &iotest.FuncWriteCloser{
		WriteFunc: func(b []byte) (int, error) {
			if atomic.AddUint32(&countWrites, 1) == 1 {
				return len(b), nil
			}
			close(packetWrite)
			return 0, writeErr
		},
		CloseFunc: func() error {
			return closeErr
		},
	}

	// create the dumper and dump the first packet whose write should fail
	trace := flowaudit.NewPcapTrace(wc, flowaudit.MTUEthernet)
	trace.Dump([]byte{0x00})

	// wait for the first write to happen before continuing
	<-packetWrite

	// close the dumper and check we see both errors
	err := trace.Close()
	t.Log(err)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), writeErr.Error()))
	assert.True(t, errors.Is(err, closeErr))
}

func TestPcapTraceSnapshotsArePersisted(t *testing.T) {
	var buf bytes.Buffer
	wc := &iotest.FuncWriteCloser{
		WriteFunc: buf.Write,
		CloseFunc: func() error {
			return nil
		},
	}
	trace := flowaudit.NewPcapTrace(wc, 4)
	trace.Dump([]byte{0x45, 0x00, 0x00, 0x1c, 0xde, 0xad})
	trace.Dump([]byte{0x60, 0x00})
	require.NoError(t, trace.Close())
	assert.Equal(t, uint64(2), trace.Saved())
	assert.Equal(t, uint64(0), trace.Dropped())

	reader, err := pcapgo.NewReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeRaw, reader.LinkType())
	assert.Equal(t, uint32(4), reader.Snaplen())

	// the first packet is truncated to the snapshot length
	data, ci, err := reader.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x45, 0x00, 0x00, 0x1c}, data)
	assert.Equal(t, 6, ci.Length)

	data, ci, err = reader.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x00}, data)
	assert.Equal(t, 2, ci.Length)

	_, _, err = reader.ReadPacketData()
	assert.True(t, errors.Is(err, io.EOF))
}
