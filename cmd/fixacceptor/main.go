// Command fixacceptor runs a FIX acceptor: it listens for initiators
// and conducts the session-layer conversation. The engine lists no
// application MsgTypes (Engine.AppMsgTypes is empty), so any
// application message is answered with Reject(3) and Logout(5) and
// does not reach the logging handler.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"net/http"

	fix "github.com/quantfix/fixengine"
	"github.com/quantfix/fixengine/fixconfig"
	"github.com/quantfix/fixengine/fixlog"
	"github.com/quantfix/fixengine/message"
	"github.com/quantfix/fixengine/metrics"
)

var (
	configPath string
	verbosity  int
	metricsAddr string
)

func main() {
	root := &cobra.Command{
		Use:   "fixacceptor",
		Short: "Run a FIX 4.4 acceptor",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "config.yaml", "path to engine config (YAML)")
	root.Flags().IntVar(&verbosity, "v", 1, "log verbosity (0=info only, higher=debug)")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := fixconfig.LoadEngineConfig(configPath)
	if err != nil {
		return err
	}

	log := fixlog.NewStdout(verbosity)

	var m *metrics.SessionMetrics
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		m = metrics.NewSessionMetrics(reg, "fixacceptor")
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go http.ListenAndServe(metricsAddr, mux)
	}

	handler := fix.HandlerFunc(func(ctx context.Context, sess *fix.Session, msg *message.Message) bool {
		log.Infof("app message from %s: MsgType=%s", sess.TargetID(), msg.MsgType())
		return false
	})

	engine := fix.NewEngine(cfg, handler, log, m)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Infof("listening on %s as %s", cfg.ListenAddr, cfg.SenderID)
	err = engine.Start(ctx)
	if shutdownErr := engine.Destroy(); shutdownErr != nil {
		log.Warnf("shutdown: %v", shutdownErr)
	}
	return err
}
