package supervisor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	defaultGatewayCommand  = "/usr/local/bin/start-moltbot.sh"
	defaultGatewayPort     = 18789
	defaultHealthPath      = "/health"
	defaultCLIName         = "clawdbot"
	defaultSecretsFile     = "/tmp/moltbot-env.sh"
	defaultSecretsKey      = "secrets.env"
	defaultMountPath       = "/data/moltbot"
	defaultBucketName      = "moltbot-data"
	defaultServerAddr      = ":9999"
	defaultPIDFile         = "/tmp/gateway-supervisor.pid"
	defaultLogDir          = "./log/gateway-supervisor"
	defaultSupervisorLog   = defaultLogDir + "/supervisor.log"
	defaultProcessLogDir   = defaultLogDir + "/processes"
	defaultFastProbe       = 5 * time.Second
	defaultStartupTimeout  = 60 * time.Second
	defaultRecentThreshold = 2 * time.Minute
	defaultSettle          = 2 * time.Second
	defaultCLITimeout      = 20 * time.Second
	defaultCLILongTimeout  = 30 * time.Second
	defaultShortCommand    = 5 * time.Second
	defaultHealthTimeout   = 5 * time.Second
)

type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway" json:"gateway" toml:"gateway"`
	Timeouts TimeoutConfig  `yaml:"timeouts" json:"timeouts" toml:"timeouts"`
	Secrets  SecretsConfig  `yaml:"secrets" json:"secrets" toml:"secrets"`
	Storage  StorageConfig  `yaml:"storage" json:"storage" toml:"storage"`
	Server   ServerConfig   `yaml:"server" json:"server" toml:"server"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging" toml:"logging"`
	Sandbox  SandboxConfig  `yaml:"sandbox" json:"sandbox" toml:"sandbox"`
}

// GatewayConfig describes the supervised binary and how to recognise it in a
// process listing.
type GatewayConfig struct {
	Command       string   `yaml:"command" json:"command" toml:"command"`
	Port          int      `yaml:"port" json:"port" toml:"port"`
	HealthPath    string   `yaml:"health_path" json:"health_path" toml:"health_path"`
	CLIName       string   `yaml:"cli_name" json:"cli_name" toml:"cli_name"`
	Invocation    string   `yaml:"invocation" json:"invocation" toml:"invocation"`
	AdminPatterns []string `yaml:"admin_patterns" json:"admin_patterns" toml:"admin_patterns"`
	KillPatterns  []string `yaml:"kill_patterns" json:"kill_patterns" toml:"kill_patterns"`
	LockFiles     []string `yaml:"lock_files" json:"lock_files" toml:"lock_files"`
}

type TimeoutConfig struct {
	FastProbe       time.Duration `yaml:"-" json:"-" toml:"-"`
	Startup         time.Duration `yaml:"-" json:"-" toml:"-"`
	RecentThreshold time.Duration `yaml:"-" json:"-" toml:"-"`
	Settle          time.Duration `yaml:"-" json:"-" toml:"-"`
	CLI             time.Duration `yaml:"-" json:"-" toml:"-"`
	CLILong         time.Duration `yaml:"-" json:"-" toml:"-"`
	Health          time.Duration `yaml:"-" json:"-" toml:"-"`

	// Raw string values for unmarshaling
	FastProbeRaw       string `yaml:"fast_probe" json:"fast_probe" toml:"fast_probe"`
	StartupRaw         string `yaml:"startup" json:"startup" toml:"startup"`
	RecentThresholdRaw string `yaml:"recent_threshold" json:"recent_threshold" toml:"recent_threshold"`
	SettleRaw          string `yaml:"settle" json:"settle" toml:"settle"`
	CLIRaw             string `yaml:"cli" json:"cli" toml:"cli"`
	CLILongRaw         string `yaml:"cli_long" json:"cli_long" toml:"cli_long"`
	HealthRaw          string `yaml:"health" json:"health" toml:"health"`
}

// SecretsConfig names the secrets handed to the gateway and where they land.
type SecretsConfig struct {
	File            string   `yaml:"file" json:"file" toml:"file"`
	BucketKey       string   `yaml:"bucket_key" json:"bucket_key" toml:"bucket_key"`
	EnvFile         string   `yaml:"env_file" json:"env_file" toml:"env_file"`
	Names           []string `yaml:"names" json:"names" toml:"names"`
	RestartOnChange bool     `yaml:"restart_on_change" json:"restart_on_change" toml:"restart_on_change"`
}

// StorageConfig configures the durable bucket. Credentials are optional; the
// gateway runs without persistence when they are absent.
type StorageConfig struct {
	Bucket          string `yaml:"bucket" json:"bucket" toml:"bucket"`
	MountPath       string `yaml:"mount_path" json:"mount_path" toml:"mount_path"`
	AccountID       string `yaml:"account_id" json:"account_id" toml:"account_id"`
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" json:"secret_access_key" toml:"secret_access_key"`
	Endpoint        string `yaml:"endpoint" json:"endpoint" toml:"endpoint"`
	Dir             string `yaml:"dir" json:"dir" toml:"dir"`
}

type ServerConfig struct {
	Addr    string `yaml:"addr" json:"addr" toml:"addr"`
	PIDFile string `yaml:"pid_file" json:"pid_file" toml:"pid_file"`
}

type LoggingConfig struct {
	File   string `yaml:"file" json:"file" toml:"file"`
	Level  string `yaml:"level" json:"level" toml:"level"`
	Format string `yaml:"format" json:"format" toml:"format"`
}

type SandboxConfig struct {
	Shell  string `yaml:"shell" json:"shell" toml:"shell"`
	LogDir string `yaml:"log_dir" json:"log_dir" toml:"log_dir"`
}

// Missing lists the storage credential fields that are not set.
func (s StorageConfig) Missing() []string {
	var missing []string
	if s.AccessKeyID == "" {
		missing = append(missing, "access_key_id")
	}
	if s.SecretAccessKey == "" {
		missing = append(missing, "secret_access_key")
	}
	if s.AccountID == "" && s.Endpoint == "" {
		missing = append(missing, "account_id")
	}
	return missing
}

// Configured reports whether bucket credentials are complete.
func (s StorageConfig) Configured() bool {
	return len(s.Missing()) == 0
}

// EndpointURL returns the S3-compatible endpoint for the bucket.
func (s StorageConfig) EndpointURL() string {
	if s.Endpoint != "" {
		return s.Endpoint
	}
	if s.AccountID == "" {
		return ""
	}
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", s.AccountID)
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads a YAML, JSON or TOML config file, chosen by extension.
// ${VAR} references are expanded from the environment before parsing.
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")) // Remove UTF-8 BOM if present
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(configPath)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".json":
		err = json.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		return nil, fmt.Errorf("failed to load config from %s: unsupported format", configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := parseDurations(&cfg.Timeouts); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the environment value, or "" when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func parseDurations(t *TimeoutConfig) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"fast_probe", t.FastProbeRaw, &t.FastProbe},
		{"startup", t.StartupRaw, &t.Startup},
		{"recent_threshold", t.RecentThresholdRaw, &t.RecentThreshold},
		{"settle", t.SettleRaw, &t.Settle},
		{"cli", t.CLIRaw, &t.CLI},
		{"cli_long", t.CLILongRaw, &t.CLILong},
		{"health", t.HealthRaw, &t.Health},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

func (c *Config) applyDefaults() {
	g := &c.Gateway
	if g.Command == "" {
		g.Command = defaultGatewayCommand
	}
	if g.Port == 0 {
		g.Port = defaultGatewayPort
	}
	if g.HealthPath == "" {
		g.HealthPath = defaultHealthPath
	}
	if g.CLIName == "" {
		g.CLIName = defaultCLIName
	}
	if g.Invocation == "" {
		g.Invocation = g.CLIName + " gateway"
	}
	if g.AdminPatterns == nil {
		g.AdminPatterns = []string{g.CLIName + " devices", g.CLIName + " --version"}
	}
	if g.KillPatterns == nil {
		g.KillPatterns = []string{g.CLIName, strings.TrimSuffix(filepath.Base(g.Command), ".sh")}
	}
	if g.LockFiles == nil {
		g.LockFiles = []string{"/tmp/" + g.CLIName + "-gateway.lock", "/root/." + g.CLIName + "/gateway.lock"}
	}

	t := &c.Timeouts
	setDuration(&t.FastProbe, defaultFastProbe)
	setDuration(&t.Startup, defaultStartupTimeout)
	setDuration(&t.RecentThreshold, defaultRecentThreshold)
	setDuration(&t.Settle, defaultSettle)
	setDuration(&t.CLI, defaultCLITimeout)
	setDuration(&t.CLILong, defaultCLILongTimeout)
	setDuration(&t.Health, defaultHealthTimeout)

	if c.Secrets.File == "" {
		c.Secrets.File = defaultSecretsFile
	}
	if c.Secrets.BucketKey == "" {
		c.Secrets.BucketKey = defaultSecretsKey
	}
	if c.Storage.Bucket == "" {
		c.Storage.Bucket = defaultBucketName
	}
	if c.Storage.MountPath == "" {
		c.Storage.MountPath = defaultMountPath
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaultServerAddr
	}
	if c.Server.PIDFile == "" {
		c.Server.PIDFile = defaultPIDFile
	}
	if c.Logging.File == "" {
		c.Logging.File = defaultSupervisorLog
	}
	if c.Sandbox.Shell == "" {
		c.Sandbox.Shell = "/bin/sh"
	}
	if c.Sandbox.LogDir == "" {
		c.Sandbox.LogDir = defaultProcessLogDir
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// Validate checks invariants the supervisor relies on.
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d out of range", c.Gateway.Port)
	}
	if !strings.HasPrefix(c.Gateway.HealthPath, "/") {
		return fmt.Errorf("gateway.health_path must start with /")
	}
	if strings.ContainsAny(c.Secrets.File, " '\""+shellMeta) {
		return errors.New("secrets.file must not contain spaces, quotes or shell metacharacters")
	}
	if c.Timeouts.RecentThreshold < c.Timeouts.FastProbe {
		return fmt.Errorf("timeouts.recent_threshold (%s) must not be shorter than timeouts.fast_probe (%s)",
			c.Timeouts.RecentThreshold, c.Timeouts.FastProbe)
	}
	for _, name := range c.Secrets.Names {
		if !validSecretName(name) {
			return fmt.Errorf("secrets.names: %q is not a valid export name", name)
		}
	}
	return nil
}
