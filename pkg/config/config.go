package config

import (
	"context"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"predictex.com/pkg/logger"
)

// LoadAndWatch 约定：./config/{service}.yaml，文件变更热更新到 out
func LoadAndWatch(service string, out interface{}, onChange ...func()) (*viper.Viper, error) {
	v, err := load(service, out, "./config", ".")
	if err != nil {
		return nil, err
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info(context.Background(), "config file changed",
			zap.String("service", service), zap.String("file", e.Name))

		if err := v.Unmarshal(out); err != nil {
			logger.Error(context.Background(), "reload config error", zap.String("service", service), zap.Error(err))
			return
		}
		for _, fn := range onChange {
			fn()
		}
	})

	return v, nil
}

// LoadFrom 只加载一次，不监听（测试和一次性工具用）
func LoadFrom(dir, service string, out interface{}) (*viper.Viper, error) {
	return load(service, out, dir)
}

func load(service string, out interface{}, paths ...string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	// 环境变量覆盖，例如：
	//   LEDGER_SERVICE_HTTP_ADDR 覆盖 http.addr
	//   LEDGER_SERVICE_ADMIN_TOKEN 覆盖 admin.token
	v.SetEnvPrefix(EnvPrefix(service))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}

	logger.Info(context.Background(), "config loaded",
		zap.String("service", service), zap.String("file", v.ConfigFileUsed()))
	return v, nil
}

// EnvPrefix ledger-service -> LEDGER_SERVICE
func EnvPrefix(service string) string {
	return strings.ToUpper(strings.ReplaceAll(service, "-", "_"))
}
