package fix

import (
	"context"
	"time"

	"github.com/quantfix/fixengine/message"
	"github.com/quantfix/fixengine/store"
)

// Send stamps SendingTime(52), SenderCompID(49), and TargetCompID(56);
// under the send mutex, increments sent_seq, stamps MsgSeqNum(34),
// marshals, and writes to the socket; after releasing the mutex,
// appends (sent_seq, SEND, msg) to the store.
//
// Sequence numbers consumed by a message that fails to write are not
// rolled back — any retransmission is the resend handler's job, not
// Send's.
func (s *Session) Send(ctx context.Context, msg *message.Message) error {
	select {
	case <-s.doneCh:
		return ErrSessionClosed
	default:
	}

	msg.SetUTCTimestamp(message.TagSendingTime, time.Now())
	msg.Set(message.TagSenderCompID, s.senderID)
	msg.Set(message.TagTargetCompID, s.TargetID())

	seq, raw, err := s.assignAndWrite(msg)
	if err != nil {
		return err
	}

	if st := s.storeHandle(); st != nil {
		if addErr := st.Add(seq, store.Send, raw); addErr != nil {
			s.log.Warnf("store.Add(%d, SEND) failed: %v", seq, addErr)
		}
	}
	s.metrics.Sent()
	s.lastSentMu.Lock()
	s.lastSentAt = time.Now()
	s.lastSentMu.Unlock()
	return nil
}

// assignAndWrite is the critical section shared by every outbound
// message: increment sent_seq, stamp MsgSeqNum, marshal, write. It
// returns the assigned sequence and the exact bytes written, for the
// caller to persist outside the lock.
func (s *Session) assignAndWrite(msg *message.Message) (int, []byte, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.sentSeqMu.Lock()
	s.sentSeq++
	seq := s.sentSeq
	s.sentSeqMu.Unlock()

	msg.SetInt(message.TagMsgSeqNum, seq)

	raw, err := msg.Marshal(make([]byte, 0, 256))
	if err != nil {
		return seq, nil, wrapErr(CodeParse, "marshal outbound message", err)
	}

	n, err := s.conn.Write(raw)
	if err != nil {
		return seq, raw, wrapErr(CodeWrite, "socket write", err)
	}
	if n != len(raw) {
		return seq, raw, newErr(CodeWrite, "short write to socket")
	}
	return seq, raw, nil
}

// resendFrame replays a previously stored raw outbound frame during
// ResendRequest processing: it sets PossDupFlag(43)=Y, moves the
// original SendingTime into OrigSendingTime(122), restamps SendingTime
// to now, and writes it back out under the original MsgSeqNum(34) —
// sequence numbers are never reassigned on resend.
func (s *Session) resendFrame(ctx context.Context, raw []byte) error {
	msg, err := message.Parse(raw)
	if err != nil {
		return wrapErr(CodeParse, "parse stored message for resend", err)
	}

	if orig, ok := msg.Get(message.TagSendingTime); ok {
		msg.Set(message.TagOrigSendingTime, orig)
	}
	msg.SetBool(message.TagPossDupFlag, true)
	msg.SetUTCTimestamp(message.TagSendingTime, time.Now())

	out, err := msg.Marshal(make([]byte, 0, len(raw)+32))
	if err != nil {
		return wrapErr(CodeParse, "marshal resend frame", err)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	n, err := s.conn.Write(out)
	if err != nil {
		return wrapErr(CodeWrite, "socket write (resend)", err)
	}
	if n != len(out) {
		return newErr(CodeWrite, "short write to socket (resend)")
	}
	return nil
}
