package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 vote signing key",
	Long:  "Prints a seed for consensus.signing_key and the public key peers list under consensus.keys.",
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "signing_key: %s\n", hex.EncodeToString(priv.Seed()))
		fmt.Fprintf(cmd.OutOrStdout(), "public_key: %s\n", hex.EncodeToString(pub))
		return nil
	},
}
