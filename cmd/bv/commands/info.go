package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"buildvault/pkg/cas"
	"buildvault/pkg/store"
)

var infoCmd = &cobra.Command{
	Use:   "info [store-path]",
	Short: "Show registry metadata for a store path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := BV.Store.Dir()
		p, err := dir.Parse(args[0])
		if err != nil {
			return err
		}
		info, err := BV.Store.QueryPathInfo(context.Background(), store.PathKey(p))
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "path:\t%s\n", dir.Path(info.Path))
		fmt.Fprintf(w, "narHash:\t%s\n", info.NarHash.String())
		fmt.Fprintf(w, "narSize:\t%d\n", info.NarSize)
		if !info.Deriver.IsZero() {
			fmt.Fprintf(w, "deriver:\t%s\n", dir.Path(info.Deriver))
		}
		if info.RegistrationTime != 0 {
			fmt.Fprintf(w, "registered:\t%s\n", time.Unix(info.RegistrationTime, 0).UTC().Format(time.RFC3339))
		}
		if info.Ultimate {
			fmt.Fprintf(w, "ultimate:\ttrue\n")
		}
		if ca := cas.Render(info.CA); ca != "" {
			fmt.Fprintf(w, "ca:\t%s\n", ca)
		}
		for _, r := range info.ReferencesPossiblyToSelf() {
			fmt.Fprintf(w, "reference:\t%s\n", dir.Path(r))
		}
		for _, sig := range info.Sigs {
			fmt.Fprintf(w, "signature:\t%s\n", sig)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
