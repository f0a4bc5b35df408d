// Package config 审批服务的配置, 来源是 yaml 文件和 APPROVAL_ 前缀的环境变量
package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/blingmoon/buyplan-approval/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "APPROVAL"

// Config holds the configuration for the approval service.
type Config struct {
	DB struct {
		DSN         string `mapstructure:"dsn" validate:"required"`
		AutoMigrate bool   `mapstructure:"auto_migrate"`
	} `mapstructure:"db"`
	Redis struct {
		// 为空时使用本地锁, 事件只在进程内分发
		Addr         string `mapstructure:"addr"`
		Password     string `mapstructure:"password"`
		DB           int    `mapstructure:"db"`
		EventChannel string `mapstructure:"event_channel"`
	} `mapstructure:"redis"`
	HTTP struct {
		Addr            string        `mapstructure:"addr" validate:"required"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"http"`
	Log      LogConfig `mapstructure:"log"`
	Approval struct {
		AdminRole            string `mapstructure:"admin_role"`
		RequireRejectComment bool   `mapstructure:"require_reject_comment"`
	} `mapstructure:"approval"`
	Sweep struct {
		Interval  time.Duration `mapstructure:"interval" validate:"gt=0"`
		BatchSize int           `mapstructure:"batch_size" validate:"gt=0"`
		LockKey   string        `mapstructure:"lock_key" validate:"required"`
		LockTTL   time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
	} `mapstructure:"sweep"`
	// viper 会把 map 的 key 转成小写, 用户id和角色名都放在列表里
	Roles       []RoleBinding    `mapstructure:"roles" validate:"dive"`
	Delegations []Delegation     `mapstructure:"delegations" validate:"dive"`
	Escalation  EscalationConfig `mapstructure:"escalation"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// RoleBinding 用户拥有的角色
type RoleBinding struct {
	User  string   `mapstructure:"user" validate:"required"`
	Roles []string `mapstructure:"roles" validate:"required,min=1"`
}

// Delegation 代理人可以替 Delegators 审批
type Delegation struct {
	Delegate   string   `mapstructure:"delegate" validate:"required"`
	Delegators []string `mapstructure:"delegators" validate:"required,min=1"`
}

type Superior struct {
	User     string `mapstructure:"user" validate:"required"`
	Superior string `mapstructure:"superior" validate:"required"`
}

type RoleEscalation struct {
	Role       string `mapstructure:"role" validate:"required"`
	EscalateTo string `mapstructure:"escalate_to" validate:"required"`
}

// EscalationConfig 超时升级配置
type EscalationConfig struct {
	Superiors             []Superior       `mapstructure:"superiors" validate:"dive"`
	RoleEscalations       []RoleEscalation `mapstructure:"role_escalations" validate:"dive"`
	FallbackRole          string           `mapstructure:"fallback_role"`
	TerminateWhenNoTarget bool             `mapstructure:"terminate_when_no_target"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.dsn", "file:approval.db?_busy_timeout=5000")
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.event_channel", workflow.DefaultRedisEventChannel)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("approval.admin_role", "ADMIN")
	v.SetDefault("approval.require_reject_comment", false)
	v.SetDefault("sweep.interval", workflow.DefaultSweepInterval)
	v.SetDefault("sweep.batch_size", workflow.DefaultSweepBatchSize)
	v.SetDefault("sweep.lock_key", workflow.DefaultSweepLockKey)
	v.SetDefault("sweep.lock_ttl", workflow.DefaultSweepLockTTL)
	v.SetDefault("escalation.fallback_role", "")
	v.SetDefault("escalation.terminate_when_no_target", false)
}

// LoadConfig loads the configuration from a file and the environment.
// path 为空时在 . 和 ./config 下查找 approval.yaml, 找不到文件只用默认值和环境变量
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("approval")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrapf(err, "read config failed, path: %s", path)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errors.Wrap(err, "unmarshal config failed")
	}
	if err := validator.New().Struct(config); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return config, nil
}

// RoleResolver 配置里的角色绑定
func (c *Config) RoleResolver() workflow.StaticRoleResolver {
	resolver := workflow.StaticRoleResolver{}
	for _, binding := range c.Roles {
		resolver[binding.User] = append(resolver[binding.User], binding.Roles...)
	}
	return resolver
}

func (c *Config) DelegationResolver() workflow.StaticDelegationResolver {
	resolver := workflow.StaticDelegationResolver{}
	for _, delegation := range c.Delegations {
		resolver[delegation.Delegate] = append(resolver[delegation.Delegate], delegation.Delegators...)
	}
	return resolver
}

// EscalationPolicy 转成所有工作流类型共用的升级策略
func (c *EscalationConfig) EscalationPolicy() *workflow.StaticEscalationPolicy {
	policy := &workflow.StaticEscalationPolicy{
		Superiors:             make(map[string]string, len(c.Superiors)),
		RoleEscalations:       make(map[string]string, len(c.RoleEscalations)),
		FallbackRole:          c.FallbackRole,
		TerminateWhenNoTarget: c.TerminateWhenNoTarget,
	}
	for _, superior := range c.Superiors {
		policy.Superiors[superior.User] = superior.Superior
	}
	for _, escalation := range c.RoleEscalations {
		policy.RoleEscalations[escalation.Role] = escalation.EscalateTo
	}
	return policy
}

// SlogLevel 无法识别的级别按 info 处理
func (l LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}
