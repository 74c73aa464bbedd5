package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentpay/broker/pkg/autoloop"
	"github.com/agentpay/broker/pkg/clearing"
	"github.com/agentpay/broker/pkg/feed"
	"github.com/agentpay/broker/pkg/settlement"
	"github.com/agentpay/broker/pkg/status"
	"github.com/agentpay/broker/pkg/workcollab"
	"github.com/agentpay/broker/pkg/worker"
)

var (
	autoWorkerPrices   string
	autoWorkerFeedURL  string
	autoWorkerInterval time.Duration
)

func init() {
	autonomousWorkerCmd.Flags().StringVar(&autoWorkerPrices, "prices", "", `task_type=price pairs, comma separated (e.g. "summarize=1.00,translate=2.50")`)
	autonomousWorkerCmd.Flags().StringVar(&autoWorkerFeedURL, "feed-url", "", "feed GET endpoint to poll for offers (defaults to AGENTPAY_DEMO_FEED_URL)")
	autonomousWorkerCmd.Flags().DurationVar(&autoWorkerInterval, "interval", 5*time.Second, "feed poll interval")
	rootCmd.AddCommand(autonomousWorkerCmd)
}

// autonomousWorkerCmd drives the worker side of the autonomous loop:
// the same job server as the worker command, plus a feed watcher that
// auto-accepts offers for task types this worker prices.
var autonomousWorkerCmd = &cobra.Command{
	Use:   "autonomous-worker",
	Short: "Run the worker server while watching the feed and auto-accepting matching offers",
	RunE:  runAutonomousWorker,
}

func runAutonomousWorker(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}

	prices, err := parsePrices(autoWorkerPrices)
	if err != nil {
		return err
	}
	if len(prices) == 0 {
		prices = map[string]string{"default": "1.00"}
	}

	issuer := worker.NewBillIssuer(rt.ID.Address, "ytest.usd", prices, 5*time.Minute, func() string { return uuid.NewString() })

	var dial worker.ClearingDialer
	if rt.Config.ClearingURL != "" {
		dial = func(ctx context.Context) (*clearing.Client, error) {
			return clearing.Dial(ctx, rt.Config.ClearingURL, rt.ID, "agentpay", nil, "verify", rt.Config.Timeouts.ClearingDial)
		}
	}
	var chain *settlement.Client
	if rt.Config.RPCURL != "" {
		chain, err = settlement.Dial(context.Background(), rt.Config.RPCURL, common.HexToAddress(rt.Config.CustodyAddress))
		if err != nil {
			return err
		}
		defer chain.Close()
	}
	verifier := worker.NewVerifier(chain, dial)
	srv := worker.New(rt, issuer, verifier, workcollab.EchoCollaborator{}, status.New(rt.Config.StatusFile), 10*time.Minute, 64)

	httpSrv := &http.Server{Addr: rt.Config.ListenAddr, Handler: srv.Handler()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runQuorumCosigner(ctx, rt)

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("autonomous-worker: listening", zap.String("addr", rt.Config.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	feedURL := autoWorkerFeedURL
	if feedURL == "" {
		feedURL = rt.Config.DemoFeedURL
	}
	if feedURL != "" {
		machine := autoloop.NewWorkerMachine()
		provider := feed.NewHTTPProvider(feedURL)
		onOffer := func(item feed.Item, offer autoloop.Offer) {
			if _, priced := prices[offer.TaskType]; !priced {
				if _, hasDefault := prices["default"]; !hasDefault {
					return
				}
			}
			if !machine.Transition(autoloop.WorkerOfferSeen) {
				return
			}
			acceptText := fmt.Sprintf("I accept. My ENS: %s", rt.Config.ENSName)
			if err := provider.Post(context.Background(), acceptText, item.ThreadID); err != nil {
				zap.L().Warn("autonomous-worker: posting accept failed", zap.Error(err))
				machine.Transition(autoloop.WorkerIdle)
				return
			}
			machine.Transition(autoloop.WorkerAcceptSent)
			zap.L().Info("autonomous-worker: accepted offer", zap.String("task_type", offer.TaskType), zap.String("thread", item.ThreadID))
		}
		loop := autoloop.New(provider, onOffer, nil, autoWorkerInterval)
		go loop.Run(ctx)
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
