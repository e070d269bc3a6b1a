package fix

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfix/fixengine/fixlog"
	"github.com/quantfix/fixengine/message"
	"github.com/quantfix/fixengine/store"
)

// newTestSession wires a Session to one end of an in-process net.Pipe,
// returning the peer end so a test can play the role of the other side
// of the wire without a real TCP socket.
func newTestSession(t *testing.T, isAcceptor bool, senderID, targetID string) (*Session, net.Conn) {
	t.Helper()
	local, peer := net.Pipe()

	sess := newSession(sessionConfig{
		senderID:          senderID,
		targetID:          targetID,
		isAcceptor:        isAcceptor,
		conn:              local,
		heartbeatInterval: 30 * time.Second,
		maxFrameSize:      4096,
		log:               fixlog.Discard(),
		appMsgTypes:       []string{"D", "8"},
		acceptorStoreDir:  t.TempDir(),
	})
	if !isAcceptor {
		sess.setStore(store.NullStore{})
	}
	t.Cleanup(sess.Close)
	return sess, peer
}

func readFrame(t *testing.T, conn net.Conn) *message.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	msg, err := message.Parse(buf[:n])
	require.NoError(t, err)
	return msg
}

func writeFrame(t *testing.T, conn net.Conn, msg *message.Message) {
	t.Helper()
	raw, err := msg.Marshal(nil)
	require.NoError(t, err)
	_, err = conn.Write(raw)
	require.NoError(t, err)
}

func TestSendStampsHeaderAndIncrementsSeq(t *testing.T) {
	t.Parallel()
	sess, peer := newTestSession(t, false, "INIT", "ACPT")
	defer peer.Close()

	done := make(chan *message.Message, 1)
	go func() { done <- readFrame(t, peer) }()

	msg := message.New(message.MsgTypeHeartbeat)
	require.NoError(t, sess.Send(context.Background(), msg))

	got := <-done
	sender, _ := got.Get(message.TagSenderCompID)
	target, _ := got.Get(message.TagTargetCompID)
	seq, _ := got.GetInt(message.TagMsgSeqNum)
	assert.Equal(t, "INIT", sender)
	assert.Equal(t, "ACPT", target)
	assert.Equal(t, 1, seq)
	assert.Equal(t, 1, sess.SentSeq())
}

func TestHandleFrameRejectsWrongSenderCompID(t *testing.T) {
	t.Parallel()
	sess, peer := newTestSession(t, false, "INIT", "ACPT")
	defer peer.Close()

	replies := make(chan *message.Message, 2)
	go func() {
		replies <- readFrame(t, peer)
		replies <- readFrame(t, peer)
	}()

	inbound := message.New(message.MsgTypeHeartbeat)
	inbound.Set(message.TagSenderCompID, "IMPOSTOR")
	inbound.Set(message.TagTargetCompID, "INIT")
	inbound.SetInt(message.TagMsgSeqNum, 1)
	raw, err := inbound.Marshal(nil)
	require.NoError(t, err)

	require.NoError(t, sess.handleFrame(context.Background(), raw))

	rej := <-replies
	assert.Equal(t, message.MsgTypeReject, rej.MsgType())
	refTag, _ := rej.GetInt(message.TagRefTagID)
	assert.Equal(t, 49, refTag)

	logout := <-replies
	assert.Equal(t, message.MsgTypeLogout, logout.MsgType())

	select {
	case <-sess.Done():
	default:
		t.Fatal("expected session to be closed after sender mismatch")
	}
	assert.Equal(t, 1, sess.RecvSeq())
}

func TestHandleFrameRejectsWrongTargetCompID(t *testing.T) {
	t.Parallel()
	sess, peer := newTestSession(t, false, "INIT", "ACPT")
	defer peer.Close()

	replies := make(chan *message.Message, 2)
	go func() {
		replies <- readFrame(t, peer)
		replies <- readFrame(t, peer)
	}()

	inbound := message.New(message.MsgTypeHeartbeat)
	inbound.Set(message.TagSenderCompID, "ACPT")
	inbound.Set(message.TagTargetCompID, "WRONG")
	inbound.SetInt(message.TagMsgSeqNum, 1)
	raw, err := inbound.Marshal(nil)
	require.NoError(t, err)

	require.NoError(t, sess.handleFrame(context.Background(), raw))

	rej := <-replies
	refTag, _ := rej.GetInt(message.TagRefTagID)
	assert.Equal(t, 56, refTag)
	<-replies

	select {
	case <-sess.Done():
	default:
		t.Fatal("expected session to be closed after target mismatch")
	}
}

func TestHandleFrameRejectsUnknownMsgType(t *testing.T) {
	t.Parallel()
	sess, peer := newTestSession(t, false, "INIT", "ACPT")
	defer peer.Close()

	replies := make(chan *message.Message, 2)
	go func() {
		replies <- readFrame(t, peer)
		replies <- readFrame(t, peer)
	}()

	inbound := message.New("Z")
	inbound.Set(message.TagSenderCompID, "ACPT")
	inbound.Set(message.TagTargetCompID, "INIT")
	inbound.SetInt(message.TagMsgSeqNum, 1)
	raw, err := inbound.Marshal(nil)
	require.NoError(t, err)

	require.NoError(t, sess.handleFrame(context.Background(), raw))

	rej := <-replies
	refTag, _ := rej.GetInt(message.TagRefTagID)
	assert.Equal(t, 35, refTag)
	<-replies

	assert.Equal(t, 0, sess.RecvSeq(), "recv_seq should not advance on an unknown MsgType")
}

func TestHandleFrameDetectsSequenceGapAndRequestsResend(t *testing.T) {
	t.Parallel()
	sess, peer := newTestSession(t, false, "INIT", "ACPT")
	defer peer.Close()

	resend := make(chan *message.Message, 1)
	go func() { resend <- readFrame(t, peer) }()

	inbound := message.New(message.MsgTypeHeartbeat)
	inbound.Set(message.TagSenderCompID, "ACPT")
	inbound.Set(message.TagTargetCompID, "INIT")
	inbound.SetInt(message.TagMsgSeqNum, 5)
	raw, err := inbound.Marshal(nil)
	require.NoError(t, err)

	require.NoError(t, sess.handleFrame(context.Background(), raw))

	req := <-resend
	assert.Equal(t, message.MsgTypeResendRequest, req.MsgType())
	begin, _ := req.GetInt(message.TagBeginSeqNo)
	assert.Equal(t, 1, begin)
	assert.Equal(t, 0, sess.RecvSeq(), "recv_seq should not advance while a gap is pending")
}

func TestHandleFrameDuplicateIsIgnored(t *testing.T) {
	t.Parallel()
	sess, peer := newTestSession(t, false, "INIT", "ACPT")
	defer peer.Close()
	sess.setRecvSeq(3)

	inbound := message.New(message.MsgTypeHeartbeat)
	inbound.Set(message.TagSenderCompID, "ACPT")
	inbound.Set(message.TagTargetCompID, "INIT")
	inbound.SetInt(message.TagMsgSeqNum, 3)
	inbound.SetBool(message.TagPossDupFlag, true)
	raw, err := inbound.Marshal(nil)
	require.NoError(t, err)

	require.NoError(t, sess.handleFrame(context.Background(), raw))
	assert.Equal(t, 3, sess.RecvSeq())
}

func TestLogonHandshakeMarksBothSidesLoggedOn(t *testing.T) {
	t.Parallel()
	sess, peer := newTestSession(t, true, "ACPT", "")

	var acptOut *message.Message
	done := make(chan struct{})
	go func() {
		acptOut = readFrame(t, peer)
		close(done)
	}()

	logon := message.New(message.MsgTypeLogon)
	logon.Set(message.TagSenderCompID, "INIT")
	logon.Set(message.TagTargetCompID, "ACPT")
	logon.SetInt(message.TagMsgSeqNum, 1)
	logon.SetInt(message.TagHeartBtInt, 30)
	raw, err := logon.Marshal(nil)
	require.NoError(t, err)

	require.NoError(t, sess.handleFrame(context.Background(), raw))
	<-done

	assert.Equal(t, message.MsgTypeLogon, acptOut.MsgType())
	assert.True(t, sess.hasLogonSent())
	assert.True(t, sess.LoggedOn())
	assert.Equal(t, "INIT", sess.TargetID())
	peer.Close()
}
