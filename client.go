package fix

import (
	"context"
	"fmt"
	"net"

	"github.com/quantfix/fixengine/fixconfig"
	"github.com/quantfix/fixengine/fixlog"
	"github.com/quantfix/fixengine/message"
	"github.com/quantfix/fixengine/metrics"
	"github.com/quantfix/fixengine/store"
)

// Client is a FIX initiator: it dials out to a single counterparty and
// conducts one session. Connect dials with a context deadline and
// blocks on a channel for the peer's Logon instead of polling a flag
// in a loop.
type Client struct {
	cfg     fixconfig.ClientConfig
	log     fixlog.Logger
	metrics *metrics.SessionMetrics
	handler Handler

	// AppMsgTypes lists non-administrative MsgType(35) values this
	// client is prepared to receive; see Session.appMsgTypes.
	AppMsgTypes []string

	// dial lets tests substitute an in-process connection.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)

	session *Session
}

// NewClient constructs a Client from cfg. handler receives
// non-administrative inbound messages; log and m may be zero values
// (Logger{} discards, a nil *SessionMetrics is a no-op).
func NewClient(cfg fixconfig.ClientConfig, handler Handler, log fixlog.Logger, m *metrics.SessionMetrics) *Client {
	return &Client{cfg: cfg, log: log, metrics: m, handler: handler}
}

func (c *Client) dialConn(ctx context.Context, addr string) (net.Conn, error) {
	if c.dial != nil {
		return c.dial(ctx, "tcp", addr)
	}
	var d net.Dialer
	// Prefer an IPv4 connection; fall back to whatever the resolver
	// offers if no IPv4 route is available.
	conn, err := d.DialContext(ctx, "tcp4", addr)
	if err == nil {
		return conn, nil
	}
	return d.DialContext(ctx, "tcp", addr)
}

// Connect dials the configured host:port, opens the session store,
// starts the session's reader, sends Logon, and — if
// cfg.ConnectTimeout is nonzero — blocks until the peer's Logon has
// been processed or the timeout elapses.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	dialCtx := ctx
	var cancel context.CancelFunc
	if c.cfg.ConnectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	conn, err := c.dialConn(dialCtx, addr)
	if err != nil {
		return nil, wrapErr(CodeNetwork, fmt.Sprintf("dial %s", addr), err)
	}

	st, err := store.Create(c.cfg.StorePath, c.cfg.SenderID)
	if err != nil {
		conn.Close()
		return nil, wrapErr(CodeWrite, "open client store", err)
	}

	sess := newSession(sessionConfig{
		senderID:          c.cfg.SenderID,
		targetID:          c.cfg.TargetID,
		isAcceptor:        false,
		conn:              conn,
		heartbeatInterval: c.cfg.HeartbeatInterval,
		maxFrameSize:      c.cfg.MaxFrameSize,
		log:               c.log.WithName(c.cfg.TargetID),
		metrics:           c.metrics,
		handler:           c.handler,
		username:          c.cfg.Username,
		password:          c.cfg.Password,
		appMsgTypes:       c.AppMsgTypes,
	})
	sess.setStore(st)
	c.session = sess

	go sess.run(ctx)

	if err := c.sendLogon(ctx, sess); err != nil {
		sess.Close()
		return sess, err
	}

	if c.cfg.ConnectTimeout <= 0 {
		return sess, nil
	}

	select {
	case <-sess.LogonRecvCh():
		return sess, nil
	case <-sess.Done():
		return sess, wrapErr(CodeLogon, "session closed before Logon was acknowledged", sess.Err())
	case <-dialCtx.Done():
		return sess, newErr(CodeLogon, "timed out waiting for Logon acknowledgement")
	}
}

// sendLogon emits the initiator's outbound Logon: EncryptMethod=0,
// HeartBtInt, ResetSeqNumFlag=Y, and optional Username/Password.
func (c *Client) sendLogon(ctx context.Context, sess *Session) error {
	logon := message.New(message.MsgTypeLogon)
	logon.SetInt(message.TagEncryptMethod, 0)
	logon.SetInt(message.TagHeartBtInt, int(c.cfg.HeartbeatInterval.Seconds()))
	logon.SetBool(message.TagResetSeqNumFlag, true)
	if c.cfg.Username != "" {
		logon.Set(message.TagUsername, c.cfg.Username)
	}
	if c.cfg.Password != "" {
		logon.Set(message.TagPassword, c.cfg.Password)
	}
	// Mark before sending: the reader may process the peer's Logon reply
	// before Send returns, and handleLogon must see that ours went out.
	sess.markLogonSent()
	if err := sess.Send(ctx, logon); err != nil {
		return wrapErr(CodeLogon, "send Logon", err)
	}
	return nil
}

// Session returns the client's current session, or nil before Connect
// succeeds.
func (c *Client) Session() *Session { return c.session }

// Send delegates to the underlying session's Send.
func (c *Client) Send(ctx context.Context, msg *message.Message) error {
	if c.session == nil {
		return ErrSessionClosed
	}
	return c.session.Send(ctx, msg)
}

// GetMsg reads a previously logged message by sequence and direction
// from the client's store.
func (c *Client) GetMsg(seq int, dir store.Direction) ([]byte, error) {
	if c.session == nil {
		return nil, newErr(CodeNotFound, "client not connected")
	}
	return c.session.GetStored(seq, dir)
}

// Close closes the client's session and waits up to ctx's deadline for
// its reader to exit.
func (c *Client) Close(ctx context.Context) error {
	if c.session == nil {
		return nil
	}
	return c.session.CloseAndWait(ctx)
}
