// Package app 是依赖容器：按配置打开 store、装好钥匙，供 CLI 子命令使用。
package app

import (
	"fmt"

	"github.com/spf13/viper"

	"buildvault/pkg/config"
	"buildvault/pkg/signature"
	"buildvault/pkg/store"

	// 后端在各自的 init 里注册到分发表
	_ "buildvault/pkg/store/local"
	_ "buildvault/pkg/store/peer"
	_ "buildvault/pkg/store/s3"
	_ "buildvault/pkg/store/sshstore"
)

// App 持有所有单例服务。
type App struct {
	Store      store.Store
	Config     *store.Config
	SecretKeys []signature.SecretKey
}

// New 组装容器。storeURI 非空时覆盖配置里的默认 store。
func New(storeURI string) (*App, error) {
	cfg, err := config.StoreConfig()
	if err != nil {
		return nil, err
	}

	uri := storeURI
	if uri == "" {
		uri = viper.GetString("store.uri")
	}
	s, err := store.Open(uri, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store '%s': %w", uri, err)
	}

	keys, err := signature.LoadSecretKeys(cfg.SecretKeyFiles)
	if err != nil {
		return nil, fmt.Errorf("failed to load secret keys: %w", err)
	}

	return &App{Store: s, Config: cfg, SecretKeys: keys}, nil
}

// OpenOther 用同一份配置打开另一个 store (copy 的源/目的端)。
func (a *App) OpenOther(uri string) (store.Store, error) {
	return store.Open(uri, a.Config)
}
