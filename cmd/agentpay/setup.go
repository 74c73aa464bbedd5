package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Generate a fresh identity key and print the environment variables agentpay reads",
	RunE:  runSetup,
}

func runSetup(cmd *cobra.Command, args []string) error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	hexKey := fmt.Sprintf("0x%x", crypto.FromECDSA(key))

	fmt.Println("Generated a new identity. Export these before running other agentpay commands:")
	fmt.Println()
	fmt.Printf("  export CLIENT_PRIVATE_KEY=%s\n", hexKey)
	fmt.Printf("  export AGENTPAY_ENS_NAME=<your-name>.eth\n")
	fmt.Printf("  export AGENTPAY_CLEARING_URL=wss://clearing.example/ws\n")
	fmt.Printf("  export AGENTPAY_ENDPOINT=http://localhost:9000\n")
	fmt.Printf("  export AGENTPAY_LISTEN_ADDR=:9000\n")
	fmt.Println()
	fmt.Printf("Derived wallet address: %s\n", addr.Hex())
	fmt.Println()
	fmt.Println("Keep CLIENT_PRIVATE_KEY secret: it is the only thing authorizing payments and proofs under this identity.")
	return nil
}
