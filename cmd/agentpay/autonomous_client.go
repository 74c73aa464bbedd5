package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentpay/broker/pkg/autoloop"
	"github.com/agentpay/broker/pkg/feed"
	"github.com/agentpay/broker/pkg/hirer"
)

var (
	autoClientWorker   string
	autoClientTaskType string
	autoClientInput    string
	autoClientPrice    int
	autoClientPath     string
	autoClientFeedURL  string
	autoClientIPFSGW   string
	autoClientInterval time.Duration
)

func init() {
	autonomousClientCmd.Flags().StringVar(&autoClientWorker, "worker", "", "ENS name of the worker to wait for an accept from (required)")
	autonomousClientCmd.Flags().StringVar(&autoClientTaskType, "task-type", "", "task type named in the posted offer (required)")
	autonomousClientCmd.Flags().StringVar(&autoClientInput, "input", "{}", "JSON input payload to submit once the worker accepts")
	autonomousClientCmd.Flags().IntVar(&autoClientPrice, "price", 1, "AP amount advertised in the offer")
	autonomousClientCmd.Flags().StringVar(&autoClientPath, "path", "channel", `payment path preference: "channel" or "app_session"`)
	autonomousClientCmd.Flags().StringVar(&autoClientFeedURL, "feed-url", "", "feed GET endpoint to poll (defaults to AGENTPAY_DEMO_FEED_URL)")
	autonomousClientCmd.Flags().StringVar(&autoClientIPFSGW, "ipfs-gateway", "", "IPFS gateway URL for resolving ipfs:// price-table references")
	autonomousClientCmd.Flags().DurationVar(&autoClientInterval, "interval", 5*time.Second, "feed poll interval")
	_ = autonomousClientCmd.MarkFlagRequired("worker")
	_ = autonomousClientCmd.MarkFlagRequired("task-type")
	rootCmd.AddCommand(autonomousClientCmd)
}

// autonomousClientCmd drives the client side of the autonomous loop:
// post an offer onto the feed, wait for the named worker's accept, then run
// the same resolve/settle/hire flow as the client command.
var autonomousClientCmd = &cobra.Command{
	Use:   "autonomous-client",
	Short: "Post a job offer to the feed, wait for the named worker to accept, then hire it",
	RunE:  runAutonomousClient,
}

func runAutonomousClient(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}

	var input json.RawMessage
	if err := json.Unmarshal([]byte(autoClientInput), &input); err != nil {
		return fmt.Errorf("--input: invalid JSON: %w", err)
	}

	pathFlag := autoClientPath
	if !cmd.Flags().Changed("path") && rt.Config.PaymentMethod != "" {
		pathFlag = rt.Config.PaymentMethod
	}
	path, err := parsePathPreference(pathFlag)
	if err != nil {
		return err
	}

	feedURL := autoClientFeedURL
	if feedURL == "" {
		feedURL = rt.Config.DemoFeedURL
	}
	if feedURL == "" {
		return fmt.Errorf("--feed-url or AGENTPAY_DEMO_FEED_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	type hireOutcome struct {
		result hirer.Result
		err    error
	}
	done := make(chan hireOutcome, 1)

	provider := feed.NewHTTPProvider(feedURL)
	onAccept := func(item feed.Item, accept autoloop.Accept) {
		if !strings.EqualFold(accept.WorkerENS, autoClientWorker) {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		h, cleanup, err := newHirer(ctx, rt, autoClientIPFSGW, autoClientWorker, "")
		if err != nil {
			done <- hireOutcome{err: err}
			return
		}
		defer cleanup()
		result, err := h.Hire(ctx, autoClientWorker, autoClientTaskType, input, path)
		done <- hireOutcome{result: result, err: err}
	}

	loop := autoloop.New(provider, nil, onAccept, autoClientInterval).WithPoster(provider)

	offerText := fmt.Sprintf("Offering %d AP to %s. AgentPay. My ENS: %s", autoClientPrice, autoClientTaskType, rt.Config.ENSName)
	if err := loop.PostOffer(context.Background(), offerText); err != nil {
		return fmt.Errorf("posting offer: %w", err)
	}
	zap.L().Info("autonomous-client: offer posted", zap.String("task_type", autoClientTaskType), zap.Int("price", autoClientPrice))

	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	go loop.Run(loopCtx)

	select {
	case outcome := <-done:
		cancelLoop()
		if outcome.err != nil {
			return outcome.err
		}
		out, err := json.MarshalIndent(outcome.result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("autonomous-client: cancelled waiting for %s to accept", autoClientWorker)
	}
}
