// Package fix is a FIX 4.4 session-layer engine: it lets a process act
// as a FIX initiator or acceptor and conducts the administrative
// session-layer conversation (Logon, Heartbeat, TestRequest,
// ResendRequest, Reject, SequenceReset, Logout) on top of a plain TCP
// connection, while handing application messages to user code.
//
// The message dictionary (per-message-type field specs) and the
// message store's concrete backend are treated as collaborators behind
// small interfaces (message.Message, store.Store); this package owns
// only the session state machine, framing, sequencing, and the
// acceptor that multiplexes concurrent sessions.
package fix

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quantfix/fixengine/fixlog"
	"github.com/quantfix/fixengine/message"
	"github.com/quantfix/fixengine/metrics"
	"github.com/quantfix/fixengine/store"
)

// errSessionDone is returned internally by the frame reader when the
// session's done channel closes mid-read; it never escapes to a caller.
var errSessionDone = errors.New("fix: session done")

// ErrSessionClosed is returned by Send and other session operations
// once the session has stopped.
var ErrSessionClosed = newErr(CodeNetwork, "session closed")

// Handler is the capability object application code implements to
// receive non-administrative messages. OnMessage is invoked from the
// session's single reader goroutine, in the order frames are accepted,
// after the message has already been durably recorded in the store.
//
// Returning keep=true transfers ownership of msg to the handler (the
// session will not reuse or mutate the message further); returning
// false lets the session discard it immediately.
type Handler interface {
	OnMessage(ctx context.Context, sess *Session, msg *message.Message) (keep bool)
}

// HandlerFunc adapts a plain function to a Handler.
type HandlerFunc func(ctx context.Context, sess *Session, msg *message.Message) bool

func (f HandlerFunc) OnMessage(ctx context.Context, sess *Session, msg *message.Message) bool {
	return f(ctx, sess, msg)
}

// resendState tracks an in-flight gap-recovery ResendRequest this
// session is waiting on: when a gap is detected the session asks the
// peer to replay [begin, end] and defers delivering anything past the
// gap until the replay completes.
type resendState struct {
	pending bool
	begin   int
	end     int // 0 means "through the peer's current sent_seq"
}

// Session holds the state of one FIX conversation over one TCP
// connection: identifiers, sequence counters, heartbeat timing, logon
// flags, the store handle, the socket, and the send-path mutex.
type Session struct {
	// Identifiers.
	senderID string // this side's CompID
	targetID string // peer's CompID; learned on first frame for acceptors

	isAcceptor bool

	// Sequence counters. Written only by the send-mutex holder
	// (sentSeq) and the reader goroutine (recvSeq); best-effort reads
	// without holding a lock are fine for observers.
	sentSeqMu sync.Mutex
	sentSeq   int
	recvSeq   int

	// Heartbeat.
	heartbeatInterval       time.Duration
	targetHeartbeatInterval time.Duration

	// Logon flags.
	stateMu       sync.Mutex
	logonSent     bool
	logonRecv     bool
	logonRecvOnce sync.Once
	logonRecvCh   chan struct{}

	resend resendState

	conn         net.Conn
	maxFrameSize int

	st      store.Store
	storeMu sync.Mutex

	sendMu sync.Mutex

	doneOnce sync.Once
	doneCh   chan struct{}
	closedCh chan struct{}

	lastErrMu sync.Mutex
	lastErr   error

	lastSentMu sync.Mutex
	lastSentAt time.Time

	log     fixlog.Logger
	metrics *metrics.SessionMetrics
	handler Handler

	// closeNotify, if set, receives this session when its reader exits,
	// letting an owning Engine remove it from its registry by message
	// passing instead of holding a back-pointer to the engine.
	closeNotify chan<- *Session

	// registerNotify, if set, receives this session the moment its
	// target CompID becomes known (an acceptor session's first received
	// frame), letting an owning Engine populate its registry the same
	// message-passing way closeNotify evicts it.
	registerNotify chan<- *Session

	username, password string // initiator-only, sent on the outbound Logon

	// acceptorStoreDir is where an acceptor session creates its store
	// file on first received frame; unused by initiator sessions, whose
	// store is already open at construction.
	acceptorStoreDir string

	// appMsgTypes lists the non-administrative MsgType(35) values this
	// session will forward to handler; any other non-admin type is
	// rejected as an unsupported message type.
	appMsgTypes []string
}

// sessionConfig carries the construction parameters shared by the
// client and engine paths.
type sessionConfig struct {
	senderID          string
	targetID          string // "" for an acceptor session, learned later
	isAcceptor        bool
	conn              net.Conn
	heartbeatInterval time.Duration
	maxFrameSize      int
	log               fixlog.Logger
	metrics           *metrics.SessionMetrics
	handler           Handler
	closeNotify       chan<- *Session
	registerNotify    chan<- *Session
	username, password string
	acceptorStoreDir  string
	appMsgTypes       []string
}

func newSession(cfg sessionConfig) *Session {
	s := &Session{
		senderID:          cfg.senderID,
		targetID:          cfg.targetID,
		isAcceptor:        cfg.isAcceptor,
		conn:              cfg.conn,
		heartbeatInterval: cfg.heartbeatInterval,
		maxFrameSize:      cfg.maxFrameSize,
		doneCh:            make(chan struct{}),
		closedCh:          make(chan struct{}),
		logonRecvCh:       make(chan struct{}),
		log:               cfg.log,
		metrics:           cfg.metrics,
		handler:           cfg.handler,
		closeNotify:       cfg.closeNotify,
		registerNotify:    cfg.registerNotify,
		username:          cfg.username,
		password:          cfg.password,
		acceptorStoreDir:  cfg.acceptorStoreDir,
		appMsgTypes:       cfg.appMsgTypes,
	}
	s.metrics.SessionOpened()
	return s
}

// SenderID returns this side's CompID.
func (s *Session) SenderID() string { return s.senderID }

// TargetID returns the peer's CompID (empty for an acceptor session
// that has not yet received its first frame).
func (s *Session) TargetID() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.targetID
}

// SentSeq returns the most recently assigned outbound sequence number.
func (s *Session) SentSeq() int {
	s.sentSeqMu.Lock()
	defer s.sentSeqMu.Unlock()
	return s.sentSeq
}

// RecvSeq returns the last in-order inbound sequence number processed.
func (s *Session) RecvSeq() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.recvSeq
}

// LoggedOn reports whether both sides have completed Logon.
func (s *Session) LoggedOn() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.logonSent && s.logonRecv
}

// Done returns a channel closed once the session has been asked to
// stop (Close called, a protocol violation observed, or Logout
// processed).
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// Closed returns a channel closed once the reader goroutine has
// actually exited and the socket has been closed.
func (s *Session) Closed() <-chan struct{} { return s.closedCh }

// Close requests the session stop; it is safe to call more than once
// and from any goroutine. It does not block for the reader to exit —
// use Closed or CloseAndWait for that.
func (s *Session) Close() {
	s.doneOnce.Do(func() { close(s.doneCh) })
}

// CloseAndWait requests the session stop and blocks until its reader
// has exited (or the context expires first).
func (s *Session) CloseAndWait(ctx context.Context) error {
	s.Close()
	select {
	case <-s.closedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) setErr(err error) {
	s.lastErrMu.Lock()
	if s.lastErr == nil {
		s.lastErr = err
	}
	s.lastErrMu.Unlock()
}

// Err returns the first error observed by the reader, if any.
func (s *Session) Err() error {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	return s.lastErr
}

func (s *Session) setTargetID(id string) {
	s.stateMu.Lock()
	s.targetID = id
	s.stateMu.Unlock()
	if s.registerNotify != nil {
		select {
		case s.registerNotify <- s:
		default:
			go func() { s.registerNotify <- s }()
		}
	}
}

func (s *Session) setRecvSeq(seq int) {
	s.stateMu.Lock()
	s.recvSeq = seq
	s.stateMu.Unlock()
}

func (s *Session) markLogonSent() {
	s.stateMu.Lock()
	s.logonSent = true
	s.stateMu.Unlock()
}

func (s *Session) markLogonRecv(targetHBI time.Duration) {
	s.stateMu.Lock()
	s.logonRecv = true
	s.targetHeartbeatInterval = targetHBI
	s.stateMu.Unlock()
	s.logonRecvOnce.Do(func() { close(s.logonRecvCh) })
}

// LogonRecvCh is closed the first time a valid Logon has been processed
// from the peer, letting Client.Connect wait for it without polling.
func (s *Session) LogonRecvCh() <-chan struct{} { return s.logonRecvCh }

func (s *Session) hasLogonSent() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.logonSent
}

func (s *Session) openStoreForAcceptor(dir string, targetID string) error {
	path := fmt.Sprintf("%s/%s", dir, store.Name(targetID, time.Now()))
	fs, err := store.Create(path, s.senderID)
	if err != nil {
		return wrapErr(CodeWrite, "open acceptor store", err)
	}
	s.storeMu.Lock()
	s.st = fs
	s.storeMu.Unlock()
	return nil
}

func (s *Session) setStore(st store.Store) {
	s.storeMu.Lock()
	s.st = st
	s.storeMu.Unlock()
}

func (s *Session) storeHandle() store.Store {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()
	return s.st
}

// GetStored returns the raw frame the session has recorded for (seq,
// dir), delegating to the underlying Store.
func (s *Session) GetStored(seq int, dir store.Direction) ([]byte, error) {
	st := s.storeHandle()
	if st == nil {
		return nil, newErr(CodeNotFound, "store not yet open")
	}
	raw, err := st.Get(seq, dir)
	if err != nil {
		return nil, wrapErr(CodeNotFound, "get stored message", err)
	}
	return raw, nil
}

// run is the session's single reader goroutine: it owns frame reading,
// validation, admin dispatch, application callbacks, and the heartbeat
// timer. It returns once the session is done and the socket has been
// closed.
func (s *Session) run(ctx context.Context) {
	defer s.cleanup()

	fr := newFrameReader(s.conn, s.maxFrameSize)
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	framesCh := make(chan []byte)
	readErrCh := make(chan error, 1)
	go func() {
		for {
			frame, err := fr.next(s.doneCh)
			if err != nil {
				readErrCh <- err
				return
			}
			select {
			case framesCh <- frame:
			case <-s.doneCh:
				return
			}
		}
	}()

	for {
		select {
		case <-s.doneCh:
			return
		case err := <-readErrCh:
			if !errors.Is(err, errSessionDone) {
				s.setErr(err)
				s.log.Errorf(err, "session read loop for %s", s.targetID)
			}
			s.Close()
			return
		case frame := <-framesCh:
			if err := s.handleFrame(ctx, frame); err != nil {
				s.setErr(err)
				s.log.Errorf(err, "session handleFrame for %s", s.targetID)
				s.Close()
				return
			}
		case <-ticker.C:
			s.maybeSendHeartbeat(ctx)
		}
	}
}

// maybeSendHeartbeat emits Heartbeat(0) if no message has been sent
// since the last tick, so a quiet session still proves it's alive
// within HeartBtInt seconds.
func (s *Session) maybeSendHeartbeat(ctx context.Context) {
	s.lastSentMu.Lock()
	idle := time.Since(s.lastSentAt) >= s.heartbeatInterval
	s.lastSentMu.Unlock()
	if !idle {
		return
	}
	if !s.LoggedOn() {
		return
	}
	hb := message.New(message.MsgTypeHeartbeat)
	if err := s.Send(ctx, hb); err != nil {
		s.log.Warnf("failed to send heartbeat to %s: %v", s.targetID, err)
	}
}

func (s *Session) cleanup() {
	close(s.closedCh)
	s.conn.Close()
	if st := s.storeHandle(); st != nil {
		st.Close()
	}
	s.metrics.SessionClosed()
	if s.closeNotify != nil {
		select {
		case s.closeNotify <- s:
		default:
			go func() { s.closeNotify <- s }()
		}
	}
}
