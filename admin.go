package fix

import (
	"context"
	"fmt"

	"github.com/quantfix/fixengine/message"
	"github.com/quantfix/fixengine/store"
)

// adminMsgTypes is the set of MsgType(35) values the session layer
// itself handles rather than forwarding to the application Handler.
var adminMsgTypes = map[string]struct{}{
	message.MsgTypeHeartbeat:     {},
	message.MsgTypeTestRequest:   {},
	message.MsgTypeResendRequest: {},
	message.MsgTypeReject:        {},
	message.MsgTypeSequenceReset: {},
	message.MsgTypeLogout:        {},
	message.MsgTypeLogon:         {},
}

func isAdminMsgType(t string) bool {
	_, ok := adminMsgTypes[t]
	return ok
}

// handleFrame runs every inbound frame through the session layer's
// validation and dispatch pipeline: record it, check CompIDs, check
// sequencing, then either handle it as an administrative message or
// forward it to the application.
func (s *Session) handleFrame(ctx context.Context, raw []byte) error {
	msg, err := message.Parse(raw)
	if err != nil {
		return wrapErr(CodeParse, "parse inbound frame", err)
	}

	seq, _ := msg.GetInt(message.TagMsgSeqNum)
	msgType := msg.MsgType()
	sender, _ := msg.Get(message.TagSenderCompID)

	// Step 2: acceptor first-frame side effect.
	if s.isAcceptor && s.storeHandle() == nil {
		if sender == "" {
			return newErr(CodeParse, "first frame from acceptor peer missing SenderCompID(49)")
		}
		s.setTargetID(sender)
		if err := s.openStoreForAcceptor(s.acceptorStoreDir, sender); err != nil {
			return err
		}
	}

	// Step 3: record the receive unconditionally.
	if st := s.storeHandle(); st != nil {
		if addErr := st.Add(seq, store.Recv, raw); addErr != nil {
			s.log.Warnf("store.Add(%d, RECV) failed: %v", seq, addErr)
		}
	}
	s.metrics.Received()

	// Step 4: MsgType presence. message.Parse already rejects frames
	// with no MsgType(35) field; this guard catches one that is present
	// with an empty value.
	if msgType == "" {
		s.log.Warnf("dropping frame with empty MsgType from %s", s.TargetID())
		return nil
	}

	// Step 5: SenderCompID must match the session's target.
	if want := s.TargetID(); want != "" && sender != want {
		text := fmt.Sprintf("Expected sender of '%s'. Received '%s'.", want, sender)
		s.rejectAndLogout(ctx, 49, text)
		s.setRecvSeq(seq)
		s.Close()
		return nil
	}

	// Step 6: TargetCompID must match this side's id.
	if target, _ := msg.Get(message.TagTargetCompID); target != s.senderID {
		text := fmt.Sprintf("Expected target of '%s'. Received '%s'.", s.senderID, target)
		s.rejectAndLogout(ctx, 56, text)
		s.setRecvSeq(seq)
		s.Close()
		return nil
	}

	// Step 7: sequence check.
	recvSeq := s.RecvSeq()
	switch {
	case seq == recvSeq:
		if !msg.GetBool(message.TagPossDupFlag) {
			s.log.Warnf("duplicate sequence %d from %s", seq, s.TargetID())
		}
		return nil
	case seq < recvSeq+1:
		text := fmt.Sprintf("MsgSeqNum too low, expecting %d but received %d", recvSeq+1, seq)
		s.rejectAndLogout(ctx, 34, text)
		s.Close()
		return nil
	case seq > recvSeq+1:
		s.metrics.SequenceGap()
		return s.beginResend(ctx, recvSeq+1)
	}

	// Step 4b: an unrecognized non-administrative message type is
	// rejected the same way a missing entry in the message dictionary
	// would be in a full FIX engine.
	if !isAdminMsgType(msgType) && !s.appMsgTypeKnown(msgType) {
		text := fmt.Sprintf("FIX specification for %s in version 4.4 not found", msgType)
		s.rejectAndLogout(ctx, 35, text)
		s.Close()
		return nil
	}

	// Step 8: dispatch.
	if isAdminMsgType(msgType) {
		if err := s.handleAdmin(ctx, msgType, msg); err != nil {
			return err
		}
	} else if s.handler != nil {
		s.handler.OnMessage(ctx, s, msg)
	}

	// Step 9: advance recv_seq for any consumed message. A SequenceReset
	// has already set recv_seq from its NewSeqNo(36).
	if msgType != message.MsgTypeSequenceReset {
		s.setRecvSeq(seq)
	}
	return nil
}

func (s *Session) appMsgTypeKnown(t string) bool {
	for _, k := range s.appMsgTypes {
		if k == t {
			return true
		}
	}
	return false
}

// rejectAndLogout sends a session-level Reject(3) citing refTag with
// text, followed by a Logout(5) carrying the same text.
func (s *Session) rejectAndLogout(ctx context.Context, refTag int, text string) {
	s.metrics.Reject()

	rej := message.New(message.MsgTypeReject)
	rej.SetInt(message.TagRefTagID, refTag)
	rej.Set(message.TagText, text)
	if err := s.Send(ctx, rej); err != nil {
		s.log.Warnf("failed to send Reject to %s: %v", s.TargetID(), err)
	}

	out := message.New(message.MsgTypeLogout)
	out.Set(message.TagText, text)
	if err := s.Send(ctx, out); err != nil {
		s.log.Warnf("failed to send Logout to %s: %v", s.TargetID(), err)
	}
}

// handleAdmin dispatches each of the seven administrative message
// types to its handler.
func (s *Session) handleAdmin(ctx context.Context, msgType string, msg *message.Message) error {
	switch msgType {
	case message.MsgTypeLogon:
		return s.handleLogon(ctx, msg)
	case message.MsgTypeHeartbeat:
		return nil
	case message.MsgTypeTestRequest:
		return s.handleTestRequest(ctx, msg)
	case message.MsgTypeResendRequest:
		return s.handleResendRequest(ctx, msg)
	case message.MsgTypeReject:
		s.log.Infof("received Reject from %s: %v", s.TargetID(), msg)
		return nil
	case message.MsgTypeSequenceReset:
		return s.handleSequenceReset(ctx, msg)
	case message.MsgTypeLogout:
		return s.handleLogout(ctx, msg)
	}
	return nil
}

// handleLogon is the single path for processing a received Logon,
// whether it arrives as the initiator's opening message or as the
// acceptor's reply to it. It always records the peer's HeartBtInt and
// marks logon_recv; it sends our own Logon reply only if we have not
// already sent one (i.e. we are an acceptor answering an initiator's
// first Logon).
func (s *Session) handleLogon(ctx context.Context, msg *message.Message) error {
	hbi := s.heartbeatInterval
	if secs, ok := msg.GetInt(message.TagHeartBtInt); ok {
		hbi = secondsToDuration(secs)
	}

	alreadySent := s.hasLogonSent()
	s.markLogonRecv(hbi)

	if !alreadySent {
		reply := message.New(message.MsgTypeLogon)
		reply.SetInt(message.TagEncryptMethod, 0)
		reply.SetInt(message.TagHeartBtInt, int(s.heartbeatInterval.Seconds()))
		if err := s.Send(ctx, reply); err != nil {
			return wrapErr(CodeLogon, "send Logon reply", err)
		}
		s.markLogonSent()
	}
	return nil
}

// handleTestRequest replies with a Heartbeat echoing TestReqID(112).
func (s *Session) handleTestRequest(ctx context.Context, msg *message.Message) error {
	hb := message.New(message.MsgTypeHeartbeat)
	if id, ok := msg.Get(message.TagTestReqID); ok {
		hb.Set(message.TagTestReqID, id)
	}
	if err := s.Send(ctx, hb); err != nil {
		return wrapErr(CodeWrite, "send Heartbeat reply to TestRequest", err)
	}
	return nil
}

// handleResendRequest iterates stored SEND messages from BeginSeqNo to
// EndSeqNo (0 meaning the current sent_seq) and re-sends each with
// PossDupFlag(43)=Y.
func (s *Session) handleResendRequest(ctx context.Context, msg *message.Message) error {
	begin, _ := msg.GetInt(message.TagBeginSeqNo)
	end, _ := msg.GetInt(message.TagEndSeqNo)

	st := s.storeHandle()
	if st == nil {
		return nil
	}
	if end == 0 {
		if fs, ok := st.(*store.FileStore); ok {
			end = fs.MaxSeq(store.Send)
		} else {
			end = s.SentSeq()
		}
	}

	for seq := begin; seq <= end; seq++ {
		raw, err := st.Get(seq, store.Send)
		if err != nil {
			s.log.Warnf("resend: no stored SEND message for seq %d: %v", seq, err)
			continue
		}
		if err := s.resendFrame(ctx, raw); err != nil {
			return wrapErr(CodeWrite, "resend frame", err)
		}
	}
	return nil
}

// beginResend handles a detected sequence gap: emit a ResendRequest(2)
// for [from, 0) and mark the resend as pending, so that further gaps
// seen before a SequenceReset clears the mark do not emit another
// ResendRequest. The frame past the gap is dropped; the next in-order
// frame is processed normally.
func (s *Session) beginResend(ctx context.Context, from int) error {
	s.stateMu.Lock()
	already := s.resend.pending
	s.resend.pending = true
	s.resend.begin = from
	s.resend.end = 0
	s.stateMu.Unlock()

	if already {
		return nil
	}

	req := message.New(message.MsgTypeResendRequest)
	req.SetInt(message.TagBeginSeqNo, from)
	req.SetInt(message.TagEndSeqNo, 0)
	if err := s.Send(ctx, req); err != nil {
		return wrapErr(CodeWrite, "send ResendRequest", err)
	}
	return nil
}

// handleSequenceReset implements the GapFill and Reset modes. With
// GapFillFlag(123)=Y the message is filling a previously-requested gap
// and recv_seq only ever advances, never backward, since a gap-fill
// response to a stale ResendRequest must not undo sequence progress
// made in the meantime. Without it (or =N), this is a hard reset and
// recv_seq is forced to NewSeqNo-1 unconditionally, including backward.
func (s *Session) handleSequenceReset(ctx context.Context, msg *message.Message) error {
	newSeqNo, ok := msg.GetInt(message.TagNewSeqNo)
	if !ok {
		return newErr(CodeParse, "SequenceReset missing NewSeqNo(36)")
	}
	if msg.GetBool(message.TagGapFillFlag) {
		if newSeqNo-1 > s.RecvSeq() {
			s.setRecvSeq(newSeqNo - 1)
		}
	} else {
		s.setRecvSeq(newSeqNo - 1)
	}

	s.stateMu.Lock()
	s.resend.pending = false
	s.stateMu.Unlock()
	return nil
}

// handleLogout echoes Logout once (if not already logging out) and
// marks the session done; the reader closes the socket on exit.
func (s *Session) handleLogout(ctx context.Context, msg *message.Message) error {
	select {
	case <-s.doneCh:
		return nil
	default:
	}
	out := message.New(message.MsgTypeLogout)
	if err := s.Send(ctx, out); err != nil {
		s.log.Warnf("failed to echo Logout to %s: %v", s.TargetID(), err)
	}
	s.Close()
	return nil
}
