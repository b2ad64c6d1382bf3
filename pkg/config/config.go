package config

import (
	"context"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"twsrx.com/pkg/logger"
)

func newViper(service, file string) *viper.Viper {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		// 约定：config/{service}.yaml
		v.SetConfigName(service)
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".") // 兜底，直接放当前目录也行
	}

	// 环境变量覆盖，例如：
	//   TWSRX_TWS_HOST 覆盖 tws.host
	//   TWSRX_LOG_LEVEL 覆盖 log.level
	v.SetEnvPrefix(strings.ToUpper(service))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

// Load 读取一次配置。file 为空时按 service 名查找；找不到配置文件时只用默认值和环境变量。
func Load(service, file string, out interface{}) (*viper.Viper, error) {
	v := newViper(service, file)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || file != "" {
			return nil, err
		}
		logger.Info(context.Background(), "config file not found, using defaults", zap.String("service", service))
	}
	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}
	if used := v.ConfigFileUsed(); used != "" {
		logger.Info(context.Background(), "config loaded", zap.String("file", used))
	}
	return v, nil
}

// LoadAndWatch 读取后监听文件变更，热更新到 out，成功后回调 onChange（可为 nil）。
func LoadAndWatch(service, file string, out interface{}, onChange func()) (*viper.Viper, error) {
	v, err := Load(service, file, out)
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() == "" {
		return v, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info(context.Background(), "config file changed", zap.String("file", e.Name))

		if err := v.Unmarshal(out); err != nil {
			logger.Error(context.Background(), "reload config error", zap.Error(err))
			return
		}
		if onChange != nil {
			onChange()
		}
	})

	return v, nil
}
