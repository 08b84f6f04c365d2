package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"buildvault/pkg/signature"
)

var keygenOut string

var keygenCmd = &cobra.Command{
	Use:   "keygen [key-name]",
	Short: "Generate a signing key pair",
	Long: `Generate an ed25519 key pair. The secret key is written to the --secret
file (mode 0600), the public key to stdout in "name:base64" form.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sk, pk, err := signature.GenerateKeyPair(args[0])
		if err != nil {
			return err
		}
		if err := os.WriteFile(keygenOut, []byte(sk.String()+"\n"), 0o600); err != nil {
			return err
		}
		fmt.Println(pk.String())
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenOut, "secret", "secret.key", "file to write the secret key to")
	rootCmd.AddCommand(keygenCmd)
}
