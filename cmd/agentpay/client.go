package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"

	"github.com/agentpay/broker/pkg/agentpayerr"
	"github.com/agentpay/broker/pkg/appsession"
	"github.com/agentpay/broker/pkg/clearing"
	"github.com/agentpay/broker/pkg/hirer"
	"github.com/agentpay/broker/pkg/identity"
	"github.com/agentpay/broker/pkg/orchestrator"
	"github.com/agentpay/broker/pkg/resolver"
	"github.com/agentpay/broker/pkg/runtime"
	"github.com/agentpay/broker/pkg/settlement"
)

var (
	clientTaskType string
	clientInput    string
	clientPath     string
	clientIPFSGW   string
	clientEndpoint string
)

func init() {
	clientCmd.Flags().StringVar(&clientTaskType, "task-type", "", "task type to hire for (required)")
	clientCmd.Flags().StringVar(&clientInput, "input", "{}", "JSON input payload for the task")
	clientCmd.Flags().StringVar(&clientPath, "path", "channel", `payment path preference: "channel" or "app_session"`)
	clientCmd.Flags().StringVar(&clientIPFSGW, "ipfs-gateway", "", "IPFS gateway URL for resolving ipfs:// price-table references")
	clientCmd.Flags().StringVar(&clientEndpoint, "worker-endpoint", "", "worker endpoint URL; with WORKER_ADDRESS set, skips name resolution (demo mode)")
	_ = clientCmd.MarkFlagRequired("task-type")
	rootCmd.AddCommand(clientCmd)
}

var clientCmd = &cobra.Command{
	Use:   "client <worker-name>",
	Short: "Hire a named worker: resolve, pay, and collect the result",
	Args:  cobra.ExactArgs(1),
	RunE:  runClient,
}

func runClient(cmd *cobra.Command, args []string) error {
	workerName := args[0]
	ctx := context.Background()

	rt, err := buildRuntime()
	if err != nil {
		return err
	}

	var input json.RawMessage
	if err := json.Unmarshal([]byte(clientInput), &input); err != nil {
		return fmt.Errorf("--input: invalid JSON: %w", err)
	}

	pathFlag := clientPath
	if !cmd.Flags().Changed("path") && rt.Config.PaymentMethod != "" {
		pathFlag = rt.Config.PaymentMethod
	}
	path, err := parsePathPreference(pathFlag)
	if err != nil {
		return err
	}

	h, cleanup, err := newHirer(ctx, rt, clientIPFSGW, workerName, clientEndpoint)
	if err != nil {
		return err
	}
	defer cleanup()

	if rt.Config.WorkerPrivateKey != "" && path == orchestrator.PathAppSession {
		stopCosign, err := startDemoCosigner(ctx, rt)
		if err != nil {
			return err
		}
		defer stopCosign()
	}

	result, err := h.Hire(ctx, workerName, clientTaskType, input, path)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func parsePathPreference(s string) (orchestrator.PathPreference, error) {
	switch s {
	case "channel":
		return orchestrator.PathChannel, nil
	case "app_session":
		return orchestrator.PathAppSession, nil
	default:
		return "", fmt.Errorf("--path: unknown value %q", s)
	}
}

// newHirer builds a Hirer wired to the runtime's configured settlement chain
// and clearing network, returning a cleanup func that releases the
// settlement chain connection if one was opened. When staticEndpoint and
// WORKER_ADDRESS are both supplied (demo mode), staticName resolves to them
// directly and no name service is consulted.
func newHirer(ctx context.Context, rt *runtime.Runtime, ipfsGateway, staticName, staticEndpoint string) (*hirer.Hirer, func(), error) {
	var ns resolver.NameService
	var err error
	if staticEndpoint != "" && rt.Config.WorkerAddress != "" {
		ns = &resolver.StaticNameService{Records: map[string]resolver.Record{
			staticName: {Endpoint: staticEndpoint, Address: common.HexToAddress(rt.Config.WorkerAddress)},
		}}
	} else {
		ns, err = nameServiceFromEnv(ctx, rt)
		if err != nil {
			return nil, nil, err
		}
	}
	res := resolver.New(ns, resolver.NewClient(ipfsGateway), 0)

	var chain *settlement.Client
	if rt.Config.RPCURL != "" {
		chain, err = settlement.Dial(ctx, rt.Config.RPCURL, custodyAddress(rt))
		if err != nil {
			return nil, nil, err
		}
	}

	dial := orchestrator.DialerFor(rt.Config.ClearingURL, rt.ID, "agentpay", rt.Config.Timeouts.ClearingDial)
	orch := orchestrator.New(rt, dial, chain)

	cleanup := func() {
		if chain != nil {
			chain.Close()
		}
	}
	return hirer.New(rt, res, orch), cleanup, nil
}

// nameServiceFromEnv dials an ethclient against the settlement RPC URL and
// builds an ENSNameService against the configured (or default mainnet)
// registry, used to resolve worker names to endpoints/prices/addresses.
func nameServiceFromEnv(ctx context.Context, rt *runtime.Runtime) (resolver.NameService, error) {
	if rt.Config.RPCURL == "" {
		return nil, agentpayerr.New(agentpayerr.KindConfigInvalid, fmt.Errorf("RPC_URL is required to resolve ENS names"))
	}
	eth, err := ethclient.DialContext(ctx, rt.Config.RPCURL)
	if err != nil {
		return nil, agentpayerr.New(agentpayerr.KindConfigInvalid, err)
	}
	return resolver.NewENSNameService(eth, common.HexToAddress(rt.Config.ENSRegistry))
}

func custodyAddress(rt *runtime.Runtime) common.Address {
	return common.HexToAddress(rt.Config.CustodyAddress)
}

// startDemoCosigner authenticates as the demo counterparty (WORKER_PRIVATE_KEY)
// and countersigns app-session states crediting it, so a quorum=2 hire can
// complete inside a single process with no live worker-side clearing session.
func startDemoCosigner(ctx context.Context, rt *runtime.Runtime) (func(), error) {
	workerID, err := identity.Load(rt.Config.WorkerPrivateKey, "")
	if err != nil {
		return nil, err
	}
	cc, err := clearing.Dial(ctx, rt.Config.ClearingURL, workerID, "agentpay", nil, "cosign", rt.Config.Timeouts.ClearingDial)
	if err != nil {
		return nil, err
	}
	cosignCtx, cancel := context.WithCancel(ctx)
	go appsession.NewCosigner(workerID.Address.Hex()).Watch(cosignCtx, cc, rt.Config.Timeouts.ClearingCall)
	return func() {
		cancel()
		cc.Close()
	}, nil
}
