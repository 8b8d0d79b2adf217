package config_test

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-relay/internal/scheduler"
	"github.com/ramiqadoumi/go-task-relay/services/relay/config"
)

func newViper() *viper.Viper {
	v := viper.New()
	config.SetDefaults(v)
	return v
}

func TestLoad_Defaults(t *testing.T) {
	cfg := config.Load(newViper())

	assert.Equal(t, config.DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, ".relay", cfg.CommDir)
	assert.Equal(t, 15*time.Second, cfg.RecurringInterval)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, scheduler.DefaultConfig(), cfg.Scheduler())
	require.NoError(t, cfg.Validate())
}

func TestLoad_ListsAcceptCommaSeparatedStrings(t *testing.T) {
	v := newViper()
	v.Set("kafka_brokers", "k1:9092, k2:9092")
	v.Set("allowed_roots", []string{"/work", "/srv"})
	v.Set("watch_projects", "/work/a,,/work/b")

	cfg := config.Load(v)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, []string{"/work", "/srv"}, cfg.AllowedRoots)
	assert.Equal(t, []string{"/work/a", "/work/b"}, cfg.Watcher().Projects)
}

func TestLoad_DurationsFromStrings(t *testing.T) {
	v := newViper()
	v.Set("task_timeout", "90s")
	v.Set("max_concurrent", 7)
	v.Set("supervisor_wait_timeout", "2m")

	cfg := config.Load(v)
	assert.Equal(t, 90*time.Second, cfg.Scheduler().TaskTimeout)
	assert.Equal(t, 7, cfg.Scheduler().MaxConcurrent)
	assert.Equal(t, 2*time.Minute, cfg.Supervisor().WaitTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]any
		want string
	}{
		{"unknown driver", map[string]any{"store_driver": "mongo"}, "store_driver"},
		{"postgres without dsn", map[string]any{"store_driver": "postgres"}, "postgres_dsn"},
		{"bad watch mode", map[string]any{"watch_mode": "inotify"}, "watch_mode"},
		{"rate limit without redis", map[string]any{"submit_rate_limit": 5}, "redis_addr"},
		{"scheduler config", map[string]any{"max_concurrent": 0}, "max_concurrent"},
		{"empty comm dir", map[string]any{"comm_dir": ""}, "comm_dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newViper()
			for k, val := range tt.set {
				v.Set(k, val)
			}
			err := config.Load(v).Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
