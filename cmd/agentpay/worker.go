package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentpay/broker/pkg/clearing"
	"github.com/agentpay/broker/pkg/settlement"
	"github.com/agentpay/broker/pkg/status"
	"github.com/agentpay/broker/pkg/workcollab"
	"github.com/agentpay/broker/pkg/worker"
)

var workerPrices string

func init() {
	workerCmd.Flags().StringVar(&workerPrices, "prices", "", `task_type=price pairs, comma separated (e.g. "summarize=1.00,translate=2.50")`)
	rootCmd.AddCommand(workerCmd)
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker server: accept jobs, issue bills, verify proofs, deliver results",
	RunE:  runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}

	prices, err := parsePrices(workerPrices)
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

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("worker: listening", zap.String("addr", rt.Config.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runQuorumCosigner(ctx, rt)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// parsePrices parses a "task=price,task=price" flag value into a map, or a
// JSON object if one is given (for richer price tables sourced from a
// resolver's price document).
func parsePrices(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "{") {
		var m map[string]string
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("--prices: invalid JSON: %w", err)
		}
		return m, nil
	}

	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("--prices: malformed pair %q", pair)
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out, nil
}
