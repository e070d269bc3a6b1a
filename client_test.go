package fix

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfix/fixengine/fixconfig"
	"github.com/quantfix/fixengine/fixlog"
	"github.com/quantfix/fixengine/message"
)

// TestClientEngineLogonHandshake exercises a full initiator/acceptor
// Logon handshake over a real loopback TCP listener, end to end.
func TestClientEngineLogonHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	engineCfg := fixconfig.DefaultEngineConfig()
	engineCfg.SenderID = "ACPT"
	engineCfg.ListenAddr = addr.String()
	engineCfg.StoreDir = t.TempDir()
	engineCfg.HeartbeatInterval = 30 * time.Second
	engineCfg.MaxFrameSize = 4096
	engineCfg.AcceptDrainTimeout = time.Second

	engine := NewEngine(engineCfg, HandlerFunc(func(ctx context.Context, sess *Session, msg *message.Message) bool { return false }), fixlog.Discard(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engineErr := make(chan error, 1)
	go func() { engineErr <- engine.Start(ctx) }()

	waitListening(t, engineCfg.ListenAddr)

	clientCfg := fixconfig.DefaultClientConfig()
	clientCfg.SenderID = "INIT"
	clientCfg.TargetID = "ACPT"
	clientCfg.Host = "127.0.0.1"
	clientCfg.Port = addr.Port
	clientCfg.StorePath = t.TempDir() + "/init.fix"
	clientCfg.HeartbeatInterval = 30 * time.Second
	clientCfg.MaxFrameSize = 4096
	clientCfg.ConnectTimeout = 3 * time.Second

	client := NewClient(clientCfg, nil, fixlog.Discard(), nil)

	sess, err := client.Connect(ctx)
	require.NoError(t, err)
	assert.True(t, sess.LoggedOn())
	assert.Equal(t, "ACPT", sess.TargetID())

	require.NoError(t, client.Close(context.Background()))

	cancel()
	require.NoError(t, engine.Destroy())
	<-engineErr
}

func waitListening(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("nothing listening on %s", addr)
}
