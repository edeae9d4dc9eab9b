package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/wavefront/pkg/hub"
)

var (
	serveShutdownTimeout time.Duration
	serveRate            float64
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the status hub",
	Long: `Run the WebSocket hub that agents and coordinators stream status
updates through. Peers connect to ws://<host>:<port>/ws.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&serveShutdownTimeout, "shutdown-timeout", 10*time.Second, "time to wait for peers on shutdown")
	serveCmd.Flags().Float64Var(&serveRate, "rate", 0, "messages per second allowed per peer (0 = unlimited)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	server, err := hub.NewServer(hub.Config{
		Host:              cfg.Hub.Host,
		Port:              cfg.Hub.Port,
		MessagesPerSecond: serveRate,
		Logger:            log.GetZerolog(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s listening on %s\n", bold("Hub"), green(server.URL()))

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serveShutdownTimeout)
	defer cancel()
	return server.Stop(shutdownCtx)
}
