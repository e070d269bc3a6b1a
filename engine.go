package fix

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantfix/fixengine/fixconfig"
	"github.com/quantfix/fixengine/fixlog"
	"github.com/quantfix/fixengine/metrics"
)

// Engine is a FIX acceptor: it listens on one TCP address and conducts
// concurrent sessions with any number of counterparties. Rather than
// hold a back-pointer to the engine, each Session reports its own
// closure through a closeNotify channel, which the registry goroutine
// below consumes to evict the entry — there is no cycle between Session
// and Engine.
type Engine struct {
	cfg     fixconfig.EngineConfig
	log     fixlog.Logger
	metrics *metrics.SessionMetrics
	handler Handler

	// AppMsgTypes lists non-administrative MsgType(35) values an
	// acceptor session will forward to handler.
	AppMsgTypes []string

	mu       sync.Mutex
	sessions map[string]*Session // keyed by peer CompID, learned on first frame
	closed   chan *Session
	opened   chan *Session

	lnOnce sync.Once
	ln     net.Listener
}

// closeListener closes the listener exactly once, so both the
// ctx-cancellation path in Start and an explicit Destroy can call it
// without erroring on a double close.
func (e *Engine) closeListener() error {
	var err error
	e.lnOnce.Do(func() { err = e.ln.Close() })
	return err
}

// NewEngine constructs an Engine from cfg. handler receives
// non-administrative inbound messages for every accepted session.
func NewEngine(cfg fixconfig.EngineConfig, handler Handler, log fixlog.Logger, m *metrics.SessionMetrics) *Engine {
	return &Engine{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		handler:  handler,
		sessions: make(map[string]*Session),
		closed:   make(chan *Session, 16),
		opened:   make(chan *Session, 16),
	}
}

// GetSession returns the currently registered session for targetID, if
// any.
func (e *Engine) GetSession(targetID string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[targetID]
	return s, ok
}

// Start listens on cfg.ListenAddr and accepts connections until ctx is
// canceled, constructing one acceptor Session per connection. It blocks
// until the listener, the accept loop and the registry goroutine have
// exited; it does not wait for the accepted sessions' readers (Destroy
// waits for registered sessions, bounded by cfg.AcceptDrainTimeout).
//
// Accept errors that report a timeout are retried with an exponential
// backoff capped at one second; any other Accept error ends Start.
func (e *Engine) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.cfg.ListenAddr)
	if err != nil {
		return wrapErr(CodeNetwork, "listen", err)
	}
	e.ln = ln

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		e.closeListener()
		return nil
	})
	g.Go(func() error {
		return e.acceptLoop(gctx, ln)
	})
	g.Go(func() error {
		e.registryLoop(gctx)
		return nil
	})

	return g.Wait()
}

func (e *Engine) acceptLoop(ctx context.Context, ln net.Listener) error {
	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := time.Second; tempDelay > max {
					tempDelay = max
				}
				e.log.Warnf("accept error: %v, retrying in %s", err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return wrapErr(CodeNetwork, "accept", err)
		}
		tempDelay = 0
		e.acceptConn(ctx, conn)
	}
}

// acceptConn constructs an acceptor Session for a freshly accepted
// connection and starts its reader. The session's store is opened
// lazily, on its first received frame, once the peer's CompID is known.
func (e *Engine) acceptConn(ctx context.Context, conn net.Conn) {
	sess := newSession(sessionConfig{
		senderID:          e.cfg.SenderID,
		isAcceptor:        true,
		conn:              conn,
		heartbeatInterval: e.cfg.HeartbeatInterval,
		maxFrameSize:      e.cfg.MaxFrameSize,
		log:               e.log,
		metrics:           e.metrics,
		handler:           e.handler,
		closeNotify:       e.closed,
		registerNotify:    e.opened,
		acceptorStoreDir:  e.cfg.StoreDir,
		appMsgTypes:       e.AppMsgTypes,
	})

	go sess.run(ctx)
}

// registryLoop drains opened/closed, registering and evicting sessions
// by their target CompID, until ctx is canceled.
func (e *Engine) registryLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-e.opened:
			e.mu.Lock()
			e.sessions[s.TargetID()] = s
			e.mu.Unlock()
		case s := <-e.closed:
			e.mu.Lock()
			if existing, ok := e.sessions[s.TargetID()]; ok && existing == s {
				delete(e.sessions, s.TargetID())
			}
			e.mu.Unlock()
		}
	}
}

// Sessions returns a snapshot of currently registered target IDs.
func (e *Engine) Sessions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Destroy requests every registered session close and waits up to
// cfg.AcceptDrainTimeout for them to drain, then closes the listener if
// still open.
func (e *Engine) Destroy() error {
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}

	deadline := time.Now().Add(e.cfg.AcceptDrainTimeout)
	for _, s := range sessions {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		ctx, cancel := context.WithTimeout(context.Background(), remaining)
		<-waitClosed(ctx, s)
		cancel()
	}

	if e.ln != nil {
		return e.closeListener()
	}
	return nil
}

func waitClosed(ctx context.Context, s *Session) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-s.Closed():
		case <-ctx.Done():
		}
	}()
	return done
}
