// Package config 初始化 Viper 配置并把它物化成 store.Config。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"buildvault/pkg/store"
	"buildvault/pkg/store/cache"
	"buildvault/pkg/storepath"
)

// Load 初始化 Viper。
// cfgFile: 可选，用户显式指定的配置文件路径。
func Load(cfgFile string) error {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		// 搜索顺序：当前目录 → ./.bv → ~/.bv
		viper.AddConfigPath(".")
		viper.AddConfigPath(".bv")
		viper.AddConfigPath(filepath.Join(home, ".bv"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// 环境变量 (BV_STORE_DIR 等)
	viper.SetEnvPrefix("BV")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// 没有配置文件不算错，默认值 + 环境变量也能跑
			return nil
		}
		return fmt.Errorf("fatal error config file: %w", err)
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("store.dir", "/bv/store")
	viper.SetDefault("store.state_dir", "/bv/var")
	viper.SetDefault("store.uri", "local")

	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.dsn", "")

	viper.SetDefault("cache.size", 65536)
	viper.SetDefault("cache.positive_ttl", "30m")
	viper.SetDefault("cache.negative_ttl", "1m")
	viper.SetDefault("cache.redis_url", "")

	viper.SetDefault("copy.max_workers", 0) // 0 = 按 substituter 数量推算
	viper.SetDefault("copy.keep_going", false)

	viper.SetDefault("ssh.max_connections", 1)
	viper.SetDefault("trust.require_sigs", true)
}

// StoreConfig 把 Viper 状态物化成 store.Config。
// redis 配置在场时顺手接上共享缓存层。
func StoreConfig() (*store.Config, error) {
	cfg := &store.Config{
		StoreDir:       storepath.Dir(viper.GetString("store.dir")),
		StateDir:       viper.GetString("store.state_dir"),
		DatabaseDriver: viper.GetString("database.driver"),
		DatabaseDSN:    viper.GetString("database.dsn"),
		CacheSize:      viper.GetInt("cache.size"),
		PositiveTTL:    viper.GetDuration("cache.positive_ttl"),
		NegativeTTL:    viper.GetDuration("cache.negative_ttl"),
		MaxWorkers:     viper.GetInt("copy.max_workers"),
		KeepGoing:      viper.GetBool("copy.keep_going"),
		MaxConnections: viper.GetInt("ssh.max_connections"),
		RequireSigs:    viper.GetBool("trust.require_sigs"),
		TrustedKeys:    viper.GetStringSlice("trust.trusted_keys"),
		SecretKeyFiles: viper.GetStringSlice("trust.secret_key_files"),
		Substituters:   viper.GetStringSlice("substituters"),
	}
	if cfg.PositiveTTL == 0 {
		cfg.PositiveTTL = 30 * time.Minute
	}
	if cfg.NegativeTTL == 0 {
		cfg.NegativeTTL = time.Minute
	}

	if redisURL := viper.GetString("cache.redis_url"); redisURL != "" {
		shared, err := cache.New(cache.Config{
			RedisURL:    redisURL,
			StoreDir:    cfg.StoreDir,
			PositiveTTL: cfg.PositiveTTL,
			NegativeTTL: cfg.NegativeTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init shared cache: %w", err)
		}
		cfg.SharedCache = shared
	}
	return cfg, nil
}
