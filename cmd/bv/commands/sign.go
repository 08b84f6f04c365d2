package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"buildvault/pkg/signature"
	"buildvault/pkg/store"
)

var signCmd = &cobra.Command{
	Use:   "sign [store-path...]",
	Short: "Sign store paths with the configured secret keys",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(BV.SecretKeys) == 0 {
			return fmt.Errorf("no secret keys configured (trust.secret_key_files)")
		}
		ctx := context.Background()
		dir := BV.Store.Dir()
		for _, arg := range args {
			p, err := dir.Parse(arg)
			if err != nil {
				return err
			}
			info, err := BV.Store.QueryPathInfo(ctx, store.PathKey(p))
			if err != nil {
				return err
			}
			for _, key := range BV.SecretKeys {
				if err := info.Sign(dir, key); err != nil {
					return err
				}
			}
			for _, sig := range info.Sigs {
				fmt.Printf("%s: %s\n", dir.Path(p), sig)
			}
		}
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify [store-path...]",
	Short: "Verify signatures and content addressing of store paths",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		dir := BV.Store.Dir()
		keys, err := signature.ParsePublicKeys(BV.Config.TrustedKeys)
		if err != nil {
			return err
		}

		failed := 0
		for _, arg := range args {
			p, err := dir.Parse(arg)
			if err != nil {
				return err
			}
			info, err := BV.Store.QueryPathInfo(ctx, store.PathKey(p))
			if err != nil {
				return err
			}
			switch {
			case info.IsContentAddressed(dir):
				fmt.Printf("%s: content-addressed (self-authenticating)\n", dir.Path(p))
			default:
				good, err := info.CheckSignatures(dir, keys)
				if err != nil {
					return err
				}
				if good == 0 {
					fmt.Printf("%s: NO trusted signature\n", dir.Path(p))
					failed++
				} else {
					fmt.Printf("%s: %d trusted signature(s)\n", dir.Path(p), good)
				}
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d path(s) failed verification", failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(verifyCmd)
}
