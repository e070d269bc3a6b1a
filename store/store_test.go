package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreAddGet(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ACCEPTOR-20240102.030405.fix")
	fs, err := Create(path, "INITIATOR")
	require.NoError(t, err)
	defer fs.Close()

	raw := []byte("8=FIX.4.4\x019=5\x0135=0\x0110=000\x01")
	require.NoError(t, fs.Add(1, Send, raw))

	got, err := fs.Get(1, Send)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	_, err = fs.Get(2, Send)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = fs.Get(1, Recv)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreReplaysOnReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ACCEPTOR-20240102.030405.fix")
	fs, err := Create(path, "INITIATOR")
	require.NoError(t, err)

	raw := []byte("8=FIX.4.4\x019=5\x0135=0\x0110=000\x01")
	require.NoError(t, fs.Add(1, Send, raw))
	require.NoError(t, fs.Add(2, Recv, raw))
	require.NoError(t, fs.Close())

	reopened, err := Create(path, "INITIATOR")
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(1, Send)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	assert.Equal(t, 1, reopened.MaxSeq(Send))
	assert.Equal(t, 2, reopened.MaxSeq(Recv))
}

func TestFileStoreEncodesSOHForInspection(t *testing.T) {
	t.Parallel()

	line := encodeLine(3, Send, []byte("35=0\x01"))
	assert.NotContains(t, line, "\x01")
	assert.Contains(t, line, "^")

	seq, dir, raw, err := decodeLine(line[:len(line)-1])
	require.NoError(t, err)
	assert.Equal(t, 3, seq)
	assert.Equal(t, Send, dir)
	assert.Equal(t, []byte("35=0\x01"), raw)
}

func TestNullStoreIsNoOp(t *testing.T) {
	t.Parallel()

	var s NullStore
	assert.NoError(t, s.Add(1, Send, []byte("x")))
	_, err := s.Get(1, Send)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.Close())
}
