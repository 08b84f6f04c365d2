package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildvault/pkg/app"
	"buildvault/pkg/config"
)

var (
	cfgFile  string
	storeURI string

	// BV 全局应用实例，供子命令使用
	BV *app.App
)

var rootCmd = &cobra.Command{
	Use:   "bv",
	Short: "BuildVault: content-addressed build artifact store",
	// PersistentPreRunE 在所有子命令执行前运行，统一初始化 App
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "keygen" {
			// keygen 不需要打开 store
			return nil
		}
		var err error
		BV, err = app.New(storeURI)
		if err != nil {
			return fmt.Errorf("failed to initialize buildvault: %w", err)
		}
		return nil
	},
	SilenceUsage: true,
}

// Execute 是入口。
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.yaml searched in ., ./.bv, $HOME/.bv)")
	rootCmd.PersistentFlags().StringVar(&storeURI, "store", "", "store URI (local, ssh://host, s3://bucket, ipfs://CID, ...)")

	rootCmd.PersistentFlags().String("store-dir", "", "store directory (default /bv/store)")
	if err := viper.BindPFlag("store.dir", rootCmd.PersistentFlags().Lookup("store-dir")); err != nil {
		fmt.Println("Failed to bind flag:", err)
		os.Exit(1)
	}
}

func initConfig() {
	if err := config.Load(cfgFile); err != nil {
		fmt.Println("Config error:", err)
		os.Exit(1)
	}
}
