package fix

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfix/fixengine/message"
)

func buildFrame(t *testing.T, msgType string, seq int) []byte {
	t.Helper()
	m := message.New(msgType)
	m.Set(message.TagSenderCompID, "A")
	m.Set(message.TagTargetCompID, "B")
	m.SetInt(message.TagMsgSeqNum, seq)
	raw, err := m.Marshal(nil)
	require.NoError(t, err)
	return raw
}

func TestFrameReaderReadsOneFrameAtATime(t *testing.T) {
	t.Parallel()
	local, peer := net.Pipe()
	defer local.Close()
	defer peer.Close()

	fr := newFrameReader(local, 4096)
	done := make(chan struct{})

	f1 := buildFrame(t, message.MsgTypeHeartbeat, 1)
	f2 := buildFrame(t, message.MsgTypeHeartbeat, 2)

	go func() {
		peer.Write(f1)
		peer.Write(f2)
	}()

	got1, err := fr.next(done)
	require.NoError(t, err)
	assert.Equal(t, f1, got1)

	got2, err := fr.next(done)
	require.NoError(t, err)
	assert.Equal(t, f2, got2)
}

func TestFrameReaderReadsAcrossMultipleWrites(t *testing.T) {
	t.Parallel()
	local, peer := net.Pipe()
	defer local.Close()
	defer peer.Close()

	fr := newFrameReader(local, 4096)
	done := make(chan struct{})

	full := buildFrame(t, message.MsgTypeHeartbeat, 1)
	mid := len(full) / 2

	go func() {
		peer.Write(full[:mid])
		time.Sleep(10 * time.Millisecond)
		peer.Write(full[mid:])
	}()

	got, err := fr.next(done)
	require.NoError(t, err)
	assert.Equal(t, full, got)
}

func TestFrameReaderRejectsOversizeFrame(t *testing.T) {
	t.Parallel()
	local, peer := net.Pipe()
	defer local.Close()
	defer peer.Close()

	fr := newFrameReader(local, 32)
	done := make(chan struct{})

	full := buildFrame(t, message.MsgTypeHeartbeat, 1)
	go peer.Write(full)

	_, err := fr.next(done)
	require.Error(t, err)
	var fe *Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, CodeOverflow, fe.Code)
}

func TestFrameReaderStopsOnDone(t *testing.T) {
	t.Parallel()
	local, peer := net.Pipe()
	defer local.Close()
	defer peer.Close()

	fr := newFrameReader(local, 4096)
	done := make(chan struct{})
	close(done)

	_, err := fr.next(done)
	assert.ErrorIs(t, err, errSessionDone)
}
