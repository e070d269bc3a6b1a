// Command fixclient dials a FIX acceptor and logs on. The client lists
// no application MsgTypes (Client.AppMsgTypes is empty), so any
// application message from the peer is answered with Reject(3) and
// Logout(5) and does not reach the logging handler.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	fix "github.com/quantfix/fixengine"
	"github.com/quantfix/fixengine/fixconfig"
	"github.com/quantfix/fixengine/fixlog"
	"github.com/quantfix/fixengine/message"
)

var (
	configPath string
	verbosity  int
)

func main() {
	root := &cobra.Command{
		Use:   "fixclient",
		Short: "Connect to a FIX 4.4 acceptor",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "config.yaml", "path to client config (YAML)")
	root.Flags().IntVar(&verbosity, "v", 1, "log verbosity (0=info only, higher=debug)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := fixconfig.LoadClientConfig(configPath)
	if err != nil {
		return err
	}

	log := fixlog.NewStdout(verbosity)

	handler := fix.HandlerFunc(func(ctx context.Context, sess *fix.Session, msg *message.Message) bool {
		log.Infof("app message from %s: MsgType=%s", sess.TargetID(), msg.MsgType())
		return false
	})

	client := fix.NewClient(cfg, handler, log, nil)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sess, err := client.Connect(ctx)
	if err != nil {
		return err
	}
	log.Infof("logged on to %s", cfg.TargetID)

	<-ctx.Done()
	log.Infof("shutting down, sent_seq=%d recv_seq=%d", sess.SentSeq(), sess.RecvSeq())
	return client.Close(context.Background())
}
