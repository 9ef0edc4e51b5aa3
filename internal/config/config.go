// Package config loads workspace-core's runtime configuration from the
// environment, following the same viper-default-then-bind-then-unmarshal
// shape used throughout the stack this repo descends from.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds settings shared by the Job API (cmd/api) and the Job Proxy
// (cmd/jobproxy). Not every field is read by both binaries.
type Config struct {
	// Server
	APIPort      string `mapstructure:"API_PORT"`
	JobProxyPort string `mapstructure:"JOB_PROXY_PORT"`

	// Redis (job store, per-user lock, device cache)
	RedisURL string `mapstructure:"REDIS_URL"`

	// Job store
	DockerJobPrefix string        `mapstructure:"DOCKER_JOB_PREFIX"`
	DockerJobTTL    time.Duration `mapstructure:"DOCKER_JOB_TTL"`

	// Job proxy
	WorkspaceJobRefresh time.Duration `mapstructure:"WORKSPACE_JOB_REFRESH"`

	// Handoff signing
	WorkspaceSecret string `mapstructure:"WORKSPACE_SECRET"`
	WorkspaceHost   string `mapstructure:"WORKSPACE_HOST"`

	// WorkspaceNodeCount is the number of engine shards workspaces are
	// spread across. 0 (the default) means a single, unsharded node: every
	// job signs with node index 0 and no node suffix appears in its URL.
	WorkspaceNodeCount int `mapstructure:"WORKSPACE_NODE_COUNT"`

	// Dojo API: the collaborator system of record for accounts, dojo
	// membership, and challenge metadata that this service defers to
	// rather than owning itself.
	DojoAPIURL string `mapstructure:"DOJO_API_URL"`
	DojoAPIKey string `mapstructure:"DOJO_API_KEY"`

	// Docker engine
	DockerHost string `mapstructure:"DOCKER_HOST"`

	// Container construction
	HostDataPath   string `mapstructure:"HOST_DATA_PATH"`
	Seccomp        string `mapstructure:"SECCOMP"`
	InternetForAll bool   `mapstructure:"INTERNET_FOR_ALL"`

	// USER_FIREWALL_ALLOWED is "name=ip,name=ip" in the environment;
	// parsed separately below since viper has no native map-from-string support.
	UserFirewallAllowedRaw string `mapstructure:"USER_FIREWALL_ALLOWED"`

	// Provisioning
	ProvisionAttempts   int           `mapstructure:"PROVISION_ATTEMPTS"`
	ProvisionRetryDelay time.Duration `mapstructure:"PROVISION_RETRY_DELAY"`
	ProvisionTimeout    time.Duration `mapstructure:"PROVISION_TIMEOUT"`
	UserLockLease       time.Duration `mapstructure:"USER_LOCK_LEASE"`

	// SecretKey keys the material-installer's deterministic option-selection
	// hash and the per-user flag HMAC. Distinct from WorkspaceSecret: the original derives this from
	// Flask's SECRET_KEY, a different value than the workspace handoff secret.
	SecretKey string `mapstructure:"SECRET_KEY"`
}

// Load reads configuration from the environment, applying the same
// defaults-then-bind-then-unmarshal sequence as the rest of the stack.
func Load() (*Config, error) {
	viper.SetDefault("API_PORT", "8080")
	viper.SetDefault("JOB_PROXY_PORT", "8090")
	viper.SetDefault("DOCKER_JOB_PREFIX", "dojo:docker_job:")
	viper.SetDefault("DOCKER_JOB_TTL", 900*time.Second)
	viper.SetDefault("WORKSPACE_JOB_REFRESH", 3*time.Second)
	viper.SetDefault("PROVISION_ATTEMPTS", 3)
	viper.SetDefault("PROVISION_RETRY_DELAY", 2*time.Second)
	viper.SetDefault("PROVISION_TIMEOUT", 2*time.Minute)
	viper.SetDefault("USER_LOCK_LEASE", 20*time.Second)

	viper.BindEnv("REDIS_URL")
	viper.BindEnv("API_PORT")
	viper.BindEnv("JOB_PROXY_PORT")
	viper.BindEnv("DOCKER_JOB_PREFIX")
	viper.BindEnv("DOCKER_JOB_TTL")
	viper.BindEnv("WORKSPACE_JOB_REFRESH")
	viper.BindEnv("WORKSPACE_SECRET")
	viper.BindEnv("WORKSPACE_HOST")
	viper.BindEnv("HOST_DATA_PATH")
	viper.BindEnv("SECCOMP")
	viper.BindEnv("INTERNET_FOR_ALL")
	viper.BindEnv("USER_FIREWALL_ALLOWED")
	viper.BindEnv("PROVISION_ATTEMPTS")
	viper.BindEnv("PROVISION_RETRY_DELAY")
	viper.BindEnv("PROVISION_TIMEOUT")
	viper.BindEnv("USER_LOCK_LEASE")
	viper.BindEnv("SECRET_KEY")
	viper.BindEnv("WORKSPACE_NODE_COUNT")
	viper.BindEnv("DOJO_API_URL")
	viper.BindEnv("DOJO_API_KEY")
	viper.BindEnv("DOCKER_HOST")

	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// UserFirewallAllowed parses USER_FIREWALL_ALLOWED ("name=ip,name=ip") into
// the extra_hosts entries merged into every container's host list.
func (c *Config) UserFirewallAllowed() map[string]string {
	allowed := map[string]string{}
	if c.UserFirewallAllowedRaw == "" {
		return allowed
	}
	for _, pair := range strings.Split(c.UserFirewallAllowedRaw, ",") {
		name, ip, ok := strings.Cut(pair, "=")
		if !ok || name == "" || ip == "" {
			continue
		}
		allowed[name] = ip
	}
	return allowed
}
