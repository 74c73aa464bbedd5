// Command agentpay is the broker's CLI: worker, client, autonomous-worker,
// autonomous-client, demo-feed, setup, and install-skill, one sibling file
// per command. root.go builds the shared runtime.Runtime once and threads
// it to whichever subcommand runs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentpay/broker/pkg/agentpayerr"
	"github.com/agentpay/broker/pkg/runtime"
)

var rootCmd = &cobra.Command{
	Use:   "agentpay",
	Short: "A machine-to-machine hiring and payment broker",
	Long: `agentpay resolves named workers, negotiates payment over the clearing
network or settlement chain, and delivers work: the "hire a worker, pay,
get the result" loop between autonomous agents.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		zap.L().Error("agentpay: command failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an agentpayerr.Kind to the CLI contract's exit codes: 0
// success, 1 generic failure, 2 configuration/identity error, 3 payment
// failure, 4 counterparty failure.
func exitCodeFor(err error) int {
	switch {
	case agentpayerr.Is(err, agentpayerr.KindConfigInvalid),
		agentpayerr.Is(err, agentpayerr.KindIdentityUnavailable):
		return 2
	case agentpayerr.Is(err, agentpayerr.KindPaymentVerificationFail),
		agentpayerr.Is(err, agentpayerr.KindBillExpired),
		agentpayerr.Is(err, agentpayerr.KindOnChainFailed),
		agentpayerr.Is(err, agentpayerr.KindQuorumPending):
		return 3
	case agentpayerr.Is(err, agentpayerr.KindClearingAuthRejected),
		agentpayerr.Is(err, agentpayerr.KindClearingTimeout),
		agentpayerr.Is(err, agentpayerr.KindClearingProtocol),
		agentpayerr.Is(err, agentpayerr.KindNameNotFound),
		agentpayerr.Is(err, agentpayerr.KindRecordMissing):
		return 4
	default:
		return 1
	}
}

// buildRuntime loads configuration from the environment and constructs the
// Runtime shared by whichever subcommand is running.
func buildRuntime() (*runtime.Runtime, error) {
	return runtime.New(runtime.FromEnv())
}
