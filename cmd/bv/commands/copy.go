package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"buildvault/pkg/store"
	"buildvault/pkg/storepath"
)

var (
	copyFrom      string
	copyTo        string
	copyNoSigs    bool
	copyClosure   bool
	copySubstFlag bool
)

var copyCmd = &cobra.Command{
	Use:   "copy [store-path...]",
	Short: "Copy store paths between stores",
	Long: `Copy the given paths (by default with their full closure) from one store
to another, respecting dependency order and verifying signatures.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src := BV.Store
		dst := BV.Store
		var err error
		if copyFrom != "" {
			if src, err = BV.OpenOther(copyFrom); err != nil {
				return err
			}
		}
		if copyTo != "" {
			if dst, err = BV.OpenOther(copyTo); err != nil {
				return err
			}
		}
		if src == dst {
			return fmt.Errorf("source and destination store are the same; use --from/--to")
		}

		var roots []storepath.StorePath
		for _, arg := range args {
			p, err := src.Dir().Parse(arg)
			if err != nil {
				return err
			}
			roots = append(roots, p)
		}

		ctx := context.Background()
		opts := store.CopyOptions{
			CheckSigs:  !copyNoSigs,
			Substitute: copySubstFlag,
			KeepGoing:  BV.Config.KeepGoing,
			MaxWorkers: BV.Config.Workers(),
		}

		var mapping map[storepath.StorePath]storepath.StorePath
		if copyClosure {
			mapping, err = store.CopyClosure(ctx, src, dst, roots, opts)
		} else {
			mapping, err = store.CopyPaths(ctx, src, dst, roots, opts)
		}
		if err != nil {
			return err
		}
		for _, p := range roots {
			if dstPath, ok := mapping[p]; ok && dstPath != p {
				fmt.Printf("%s -> %s\n", src.Dir().Path(p), dst.Dir().Path(dstPath))
			}
		}
		return nil
	},
}

func init() {
	copyCmd.Flags().StringVar(&copyFrom, "from", "", "source store URI")
	copyCmd.Flags().StringVar(&copyTo, "to", "", "destination store URI")
	copyCmd.Flags().BoolVar(&copyNoSigs, "no-check-sigs", false, "do not enforce signatures at the destination")
	copyCmd.Flags().BoolVar(&copyClosure, "closure", true, "copy the full closure of the given paths")
	copyCmd.Flags().BoolVar(&copySubstFlag, "substitute", false, "allow the destination to substitute from its own sources")
	rootCmd.AddCommand(copyCmd)
}
