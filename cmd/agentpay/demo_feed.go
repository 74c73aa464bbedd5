package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentpay/broker/pkg/feed"
)

var demoFeedAddr string

func init() {
	demoFeedCmd.Flags().StringVar(&demoFeedAddr, "addr", ":9100", "bind address for the demo feed's HTTP surface")
	rootCmd.AddCommand(demoFeedCmd)
}

var demoFeedCmd = &cobra.Command{
	Use:   "demo-feed",
	Short: "Run an in-memory feed server for local autonomous-loop demos",
	RunE:  runDemoFeed,
}

func runDemoFeed(cmd *cobra.Command, args []string) error {
	d := feed.NewDemoServer()
	httpSrv := &http.Server{Addr: demoFeedAddr, Handler: d.Handler()}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("demo-feed: listening", zap.String("addr", demoFeedAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		return httpSrv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
