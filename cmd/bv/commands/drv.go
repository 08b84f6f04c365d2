package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"buildvault/pkg/derivation"
	"buildvault/pkg/storepath"
)

var showDrvCmd = &cobra.Command{
	Use:   "show-derivation [drv-path]",
	Short: "Print a derivation and its hash-modulo identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		dir := BV.Store.Dir()
		drvPath, err := dir.Parse(args[0])
		if err != nil {
			return err
		}
		name, err := derivation.NameFromPath(drvPath)
		if err != nil {
			return err
		}

		var sb strings.Builder
		if err := BV.Store.NarFromPath(ctx, drvPath, &sb); err != nil {
			return err
		}
		drv, err := derivation.Parse(dir, name, sb.String())
		if err != nil {
			return err
		}
		fmt.Println(drv.Unparse(dir, false, nil))

		resolver := derivation.NewResolver(dir, storeReader{})
		h, err := resolver.HashModulo(ctx, drv, false)
		if err != nil {
			return err
		}
		if h.IsSingle() {
			fmt.Printf("hash-modulo: %s\n", h.Single.String())
			return nil
		}
		for _, id := range drv.OutputIDs() {
			fmt.Printf("hash-modulo[%s]: %s\n", id, h.PerOutput[id].String())
		}
		return nil
	},
}

// storeReader 把打开的 store 适配成 derivation.Reader。
type storeReader struct{}

func (storeReader) ReadDerivation(ctx context.Context, p storepath.StorePath) (*derivation.Derivation, error) {
	name, err := derivation.NameFromPath(p)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	if err := BV.Store.NarFromPath(ctx, p, &sb); err != nil {
		return nil, err
	}
	return derivation.Parse(BV.Store.Dir(), name, sb.String())
}

func init() {
	rootCmd.AddCommand(showDrvCmd)
}
