package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/agentqueue/internal/scheduler"
	"github.com/3leaps/agentqueue/pkg/agentproc"
)

// EnvSpec maps one environment variable to a config path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu     sync.RWMutex
	appIdentity  *Identity
	appConfig    *Config
	explicitFile string
)

// boundaryEnvVars name CI workspace roots, checked in order.
var boundaryEnvVars = []string{"FULMEN_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"}

// SetConfigFile pins the config file Load reads. An empty path restores
// discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	explicitFile = strings.TrimSpace(path)
}

// Load builds the configuration and makes it the current one.
// Later overrides win over earlier ones.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	configMu.Lock()
	defer configMu.Unlock()

	id, err := parseIdentity(identityYAML)
	if err != nil {
		return nil, err
	}
	appIdentity = id

	v := viper.New()
	setDefaults(v, id)

	files, err := configFiles(id)
	if err != nil {
		return nil, err
	}
	for _, path := range files {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	for _, spec := range envSpecsFor(id) {
		if val, ok := os.LookupEnv(spec.Name); ok && strings.TrimSpace(val) != "" {
			v.Set(spec.Path, val)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// AppIdentity returns the identity resolved by Load, or nil.
func AppIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// DefaultDBPath is the job database location when none is configured.
func DefaultDBPath(id *Identity) string {
	name := "agentqueue"
	if id != nil && strings.TrimSpace(id.ConfigName) != "" {
		name = id.ConfigName
	}
	return filepath.Join(gfconfig.GetAppDataDir(name), name+".db")
}

func setDefaults(v *viper.Viper, id *Identity) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.submit_rate", 20.0)
	v.SetDefault("server.submit_burst", 40)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("health.enabled", true)

	v.SetDefault("store.path", DefaultDBPath(id))
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.busy_retries", 5)

	v.SetDefault("scheduler.max_workers", scheduler.DefaultMaxWorkers)
	v.SetDefault("scheduler.poll_interval", scheduler.DefaultPollInterval)
	v.SetDefault("scheduler.recovery_interval", scheduler.DefaultRecoveryInterval)
	v.SetDefault("scheduler.stuck_threshold", scheduler.DefaultStuckThreshold)
	v.SetDefault("scheduler.cleanup_interval", scheduler.DefaultCleanupInterval)
	v.SetDefault("scheduler.retention_count", scheduler.DefaultRetentionCount)
	v.SetDefault("scheduler.event_buffer", 256)
	v.SetDefault("scheduler.projects_root", "")

	v.SetDefault("agent.binary", agentproc.DefaultBinary)
	v.SetDefault("agent.args", append([]string(nil), agentproc.DefaultBaseArgs...))
	v.SetDefault("agent.env", []string{})
	v.SetDefault("agent.kill_grace", agentproc.DefaultKillGrace)
	v.SetDefault("agent.max_line_bytes", agentproc.DefaultMaxLineBytes)
	v.SetDefault("agent.temp_dir", "")
}

// getEnvSpecs lists the env vars Load honors. Empty before Load has run.
func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []EnvSpec{}
	}
	return envSpecsFor(id)
}

// EnvSpecs is the exported form of the env var table.
func EnvSpecs() []EnvSpec {
	return getEnvSpecs()
}

func envSpecsFor(id *Identity) []EnvSpec {
	p := id.EnvPrefix + "_"
	return []EnvSpec{
		{p + "HOST", "server.host"},
		{p + "PORT", "server.port"},
		{p + "READ_TIMEOUT", "server.read_timeout"},
		{p + "WRITE_TIMEOUT", "server.write_timeout"},
		{p + "IDLE_TIMEOUT", "server.idle_timeout"},
		{p + "SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{p + "CORS_ORIGINS", "server.cors_origins"},
		{p + "SUBMIT_RATE", "server.submit_rate"},
		{p + "SUBMIT_BURST", "server.submit_burst"},
		{p + "LOG_LEVEL", "logging.level"},
		{p + "LOG_PROFILE", "logging.profile"},
		{p + "HEALTH_ENABLED", "health.enabled"},
		{p + "DB_PATH", "store.path"},
		{p + "DB_URL", "store.url"},
		{p + "DB_AUTH_TOKEN", "store.auth_token"},
		{p + "MAX_WORKERS", "scheduler.max_workers"},
		{p + "POLL_INTERVAL", "scheduler.poll_interval"},
		{p + "RECOVERY_INTERVAL", "scheduler.recovery_interval"},
		{p + "STUCK_THRESHOLD", "scheduler.stuck_threshold"},
		{p + "CLEANUP_INTERVAL", "scheduler.cleanup_interval"},
		{p + "RETENTION_COUNT", "scheduler.retention_count"},
		{p + "PROJECTS_ROOT", "scheduler.projects_root"},
		{p + "AGENT_BINARY", "agent.binary"},
		{p + "AGENT_KILL_GRACE", "agent.kill_grace"},
		{p + "AGENT_TEMP_DIR", "agent.temp_dir"},
	}
}

// getUserConfigPaths returns candidate per-user config files.
func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}
	return userConfigPathsFor(id)
}

func userConfigPathsFor(id *Identity) []string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return []string{}
	}
	return []string{
		filepath.Join(dir, id.ConfigName, "config.yaml"),
		filepath.Join(dir, id.ConfigName, id.ConfigName+".yaml"),
	}
}

// configFiles returns the files to merge, lowest precedence first.
// Called with configMu held.
func configFiles(id *Identity) ([]string, error) {
	explicit := explicitFile
	if explicit == "" {
		explicit = strings.TrimSpace(os.Getenv(id.EnvPrefix + "_CONFIG"))
	}
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return nil, fmt.Errorf("config file %s: %w", explicit, err)
		}
		return []string{explicit}, nil
	}

	var files []string
	for _, p := range userConfigPathsFor(id) {
		if fileExists(p) {
			files = append(files, p)
			break
		}
	}

	root, err := findProjectRoot()
	if err == nil {
		p := filepath.Join(root, "."+id.ConfigName+".yaml")
		if fileExists(p) {
			files = append(files, p)
		}
	}
	return files, nil
}

// findProjectRoot walks up from the working directory to the nearest
// directory holding go.mod or .git. Under CI a workspace boundary env var,
// when absolute and containing the working directory, caps the walk. With
// no marker found the working directory is returned.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	cwd, _ = filepath.Abs(cwd)

	boundary := ciBoundary(cwd)
	dir := cwd
	for {
		for _, marker := range []string{"go.mod", ".git"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		if boundary != "" && dir == boundary {
			return boundary, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return cwd, nil
}

func ciBoundary(cwd string) string {
	if !isCI() {
		return ""
	}
	for _, name := range boundaryEnvVars {
		b := strings.TrimSpace(os.Getenv(name))
		if b == "" || !filepath.IsAbs(b) {
			continue
		}
		b = filepath.Clean(b)
		info, err := os.Stat(b)
		if err != nil || !info.IsDir() {
			continue
		}
		rel, err := filepath.Rel(b, cwd)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return b
	}
	return ""
}

func isCI() bool {
	for _, name := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI"} {
		if strings.EqualFold(strings.TrimSpace(os.Getenv(name)), "true") {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := m[k].(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = m[k]
	}
	return out
}
