package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"buildvault/pkg/cas"
	"buildvault/pkg/hashing"
	"buildvault/pkg/ingest"
)

var (
	addName    string
	addMethod  string
	addAlgo    string
	addDryRun  bool
	ignoreFile string
)

var addCmd = &cobra.Command{
	Use:   "add [path]",
	Short: "Add a file or directory to the store",
	Long:  `Ingest a filesystem tree, compute its content address and register the resulting store path.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fsPath := args[0]

		name := addName
		if name == "" {
			name = filepath.Base(fsPath)
		}
		method, err := cas.ParseMethod(addMethod)
		if err != nil {
			return err
		}
		algo, err := hashing.ParseAlgorithm(addAlgo)
		if err != nil {
			return err
		}

		filter, err := ingest.LoadIgnoreFile(ignoreFile)
		if err != nil {
			return err
		}

		if addDryRun {
			p, h, err := ingest.ComputeStorePathForPath(BV.Store.Dir(), name, fsPath, method, algo, filter)
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", BV.Store.Dir().Path(p))
			fmt.Printf("content hash: %s\n", h.String())
			return nil
		}

		info, err := ingest.AddPathToStore(context.Background(), BV.Store, name, fsPath, method, algo, filter)
		if err != nil {
			return fmt.Errorf("add failed: %w", err)
		}

		// 有私钥就顺手签名
		for _, key := range BV.SecretKeys {
			if err := info.Sign(BV.Store.Dir(), key); err != nil {
				return err
			}
		}
		fmt.Println(BV.Store.Dir().Path(info.Path))
		return nil
	},
}

func init() {
	addCmd.Flags().StringVar(&addName, "name", "", "store path name (default: base name)")
	addCmd.Flags().StringVar(&addMethod, "method", "recursive", "ingestion method: flat | recursive | git")
	addCmd.Flags().StringVar(&addAlgo, "algo", "sha256", "hash algorithm")
	addCmd.Flags().BoolVar(&addDryRun, "dry-run", false, "compute the path without writing anything")
	addCmd.Flags().StringVar(&ignoreFile, "ignore-file", ".bvignore", "gitignore-style exclusion file")
	rootCmd.AddCommand(addCmd)
}
