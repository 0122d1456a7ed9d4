package common

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/weaveworks/promrus"

	commonconfig "github.com/G-Research/gridmerge/internal/common/config"
)

const EnvPrefix = "GRIDMERGE"

// LoadConfig fills config from <defaultPath>/config.yaml, then from each of overrideConfigs in order,
// then from GRIDMERGE_ prefixed environment variables. A missing default file is not an error.
func LoadConfig(config interface{}, defaultPath string, overrideConfigs []string) error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(defaultPath)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errors.Wrapf(err, "failed to read default config from %s", defaultPath)
		}
		log.Warnf("no default config found in %s", defaultPath)
	}

	for _, overrideConfig := range overrideConfigs {
		viper.SetConfigFile(overrideConfig)
		if err := viper.MergeInConfig(); err != nil {
			return errors.Wrapf(err, "failed to read config from %s", overrideConfig)
		}
		log.Infof("read config from %s", overrideConfig)
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix(EnvPrefix)
	viper.AutomaticEnv()

	if err := viper.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
	log.AddHook(promrus.MustNewPrometheusHook())
}

// BindCommandlineArguments makes every flag of the standard pflag set available through viper.
func BindCommandlineArguments() {
	if err := viper.BindPFlags(pflag.CommandLine); err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

// ServeMetrics exposes the default prometheus registry on /metrics.
// Port 0 disables the server. The returned function shuts it down.
func ServeMetrics(port uint16) (shutdown func()) {
	if port == 0 {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		log.Infof("serving metrics on port %d", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info("stopping metrics server")
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("failed to stop metrics server")
		}
	}
}

// ConfigDir returns the directory holding the default config of app, relative to the working directory.
func ConfigDir(app string) string {
	return filepath.Join(".", "config", app)
}
