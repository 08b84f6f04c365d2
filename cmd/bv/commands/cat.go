package commands

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

var catCmd = &cobra.Command{
	Use:   "cat [store-path]",
	Short: "Stream the canonical serialization of a store path to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := BV.Store.Dir().Parse(args[0])
		if err != nil {
			return err
		}
		// writer 是 os.Stdout：文本直接看，二进制重定向到文件
		return BV.Store.NarFromPath(context.Background(), p, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(catCmd)
}
