package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blingmoon/buyplan-approval/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `
db:
  dsn: "file::memory:"
redis:
  addr: "127.0.0.1:6379"
log:
  level: debug
  format: text
approval:
  require_reject_comment: true
sweep:
  interval: 1m
roles:
  - user: u-finance
    roles: [FINANCE]
  - user: u-zhao
    roles: [CFO, ADMIN]
  - user: u-finance
    roles: [MERCH_MANAGER]
delegations:
  - delegate: u-assistant
    delegators: [u-li]
escalation:
  superiors:
    - user: u-li
      superior: u-wang
  role_escalations:
    - role: FINANCE
      escalate_to: CFO
  fallback_role: ADMIN
  terminate_when_no_target: true
`

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "approval.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("默认值", func(t *testing.T) {
		wd, err := os.Getwd()
		require.NoError(t, err)
		require.NoError(t, os.Chdir(t.TempDir()))
		t.Cleanup(func() { _ = os.Chdir(wd) })
		config, err := LoadConfig("")
		require.NoError(t, err)
		assert.Equal(t, ":8080", config.HTTP.Addr)
		assert.Equal(t, "ADMIN", config.Approval.AdminRole)
		assert.Equal(t, workflow.DefaultSweepInterval, config.Sweep.Interval)
		assert.Equal(t, workflow.DefaultSweepBatchSize, config.Sweep.BatchSize)
		assert.Equal(t, workflow.DefaultRedisEventChannel, config.Redis.EventChannel)
		assert.Empty(t, config.Redis.Addr)
		assert.True(t, config.DB.AutoMigrate)
		assert.Equal(t, slog.LevelInfo, config.Log.SlogLevel())
	})

	t.Run("配置文件", func(t *testing.T) {
		config, err := LoadConfig(writeConfig(t, testYAML))
		require.NoError(t, err)
		assert.Equal(t, "file::memory:", config.DB.DSN)
		assert.Equal(t, "127.0.0.1:6379", config.Redis.Addr)
		assert.Equal(t, time.Minute, config.Sweep.Interval)
		assert.True(t, config.Approval.RequireRejectComment)
		assert.Equal(t, slog.LevelDebug, config.Log.SlogLevel())

		// 用户id和角色名保持大小写
		roles := config.RoleResolver()
		assert.Equal(t, []string{"FINANCE", "MERCH_MANAGER"}, roles["u-finance"])
		assert.Equal(t, []string{"CFO", "ADMIN"}, roles["u-zhao"])
		assert.Equal(t, []string{"u-li"}, config.DelegationResolver()["u-assistant"])

		policy := config.Escalation.EscalationPolicy()
		assert.Equal(t, "u-wang", policy.Superiors["u-li"])
		assert.Equal(t, "CFO", policy.RoleEscalations["FINANCE"])
		assert.Equal(t, "ADMIN", policy.FallbackRole)
		assert.True(t, policy.TerminateWhenNoTarget)
	})

	t.Run("环境变量覆盖", func(t *testing.T) {
		t.Setenv("APPROVAL_SWEEP_BATCH_SIZE", "7")
		t.Setenv("APPROVAL_HTTP_ADDR", ":9090")
		t.Setenv("APPROVAL_APPROVAL_ADMIN_ROLE", "SUPER")
		config, err := LoadConfig(writeConfig(t, testYAML))
		require.NoError(t, err)
		assert.Equal(t, 7, config.Sweep.BatchSize)
		assert.Equal(t, ":9090", config.HTTP.Addr)
		assert.Equal(t, "SUPER", config.Approval.AdminRole)
	})

	t.Run("指定的文件不存在", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("非法配置", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "log:\n  format: xml\n"))
		assert.Error(t, err)
		_, err = LoadConfig(writeConfig(t, "roles:\n  - user: u-li\n"))
		assert.Error(t, err)
		_, err = LoadConfig(writeConfig(t, "sweep:\n  batch_size: 0\n"))
		assert.Error(t, err)
	})
}
