// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string

	PortRangeStart  int
	PortRangeEnd    int
	StrictPortProbe bool
	PortProbe       string

	XrayBin         string
	XrayAPIServer   string
	XrayStatsServer string
	XrayConfig      string
	XrayBackupDir   string
	RealityKeysFile string
	ControlTag      string
	CommandTimeout  time.Duration
	BackupRetention int

	CamouflageDest    string
	CamouflageDomains []string

	RefreshInterval    time.Duration
	RefreshMinInterval time.Duration
	HistoryRetention   time.Duration
	RedisURL           string
}

// HasRedis reports whether a Redis URL was configured. The composition root
// uses it to choose between the shared and the in-process refresh throttle.
func (c *Config) HasRedis() bool {
	return c.RedisURL != ""
}

// Load reads configuration from environment variables and returns a validated Config.
// Every variable is optional; see the defaults below. Parse errors name the
// offending variable.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:         envString("VPNPANEL_LISTEN_ADDR", "127.0.0.1:8080"),
		DBPath:             envString("VPNPANEL_DB_PATH", "vpnpanel.db"),
		PortProbe:          envString("VPNPANEL_PORT_PROBE", "netstat"),
		XrayBin:            envString("VPNPANEL_XRAY_BIN", "/usr/local/bin/xray"),
		XrayAPIServer:      envString("VPNPANEL_XRAY_API_SERVER", "127.0.0.1:10085"),
		XrayStatsServer:    envString("VPNPANEL_XRAY_STATS_SERVER", "127.0.0.1:10085"),
		XrayConfig:         envString("VPNPANEL_XRAY_CONFIG", "config/config.json"),
		XrayBackupDir:      envString("VPNPANEL_XRAY_BACKUP_DIR", "config/backups"),
		RealityKeysFile:    envString("VPNPANEL_REALITY_KEYS_FILE", "config/keys.env"),
		ControlTag:         envString("VPNPANEL_CONTROL_TAG", "api"),
		CamouflageDest:     envString("VPNPANEL_CAMOUFLAGE_DEST", "www.microsoft.com:443"),
		CamouflageDomains:  envList("VPNPANEL_CAMOUFLAGE_DOMAINS"),
		RedisURL:           envString("VPNPANEL_REDIS_URL", ""),
		PortRangeStart:     10001,
		PortRangeEnd:       10100,
		BackupRetention:    50,
		CommandTimeout:     5 * time.Second,
		RefreshInterval:    time.Minute,
		RefreshMinInterval: 30 * time.Second,
		HistoryRetention:   720 * time.Hour,
	}

	var err error
	if cfg.PortRangeStart, err = envInt("VPNPANEL_PORT_RANGE_START", cfg.PortRangeStart); err != nil {
		return nil, err
	}
	if cfg.PortRangeEnd, err = envInt("VPNPANEL_PORT_RANGE_END", cfg.PortRangeEnd); err != nil {
		return nil, err
	}
	if cfg.BackupRetention, err = envInt("VPNPANEL_BACKUP_RETENTION", cfg.BackupRetention); err != nil {
		return nil, err
	}
	if cfg.StrictPortProbe, err = envBool("VPNPANEL_STRICT_PORT_PROBE", false); err != nil {
		return nil, err
	}
	if cfg.CommandTimeout, err = envDuration("VPNPANEL_COMMAND_TIMEOUT", cfg.CommandTimeout); err != nil {
		return nil, err
	}
	if cfg.RefreshInterval, err = envDuration("VPNPANEL_REFRESH_INTERVAL", cfg.RefreshInterval); err != nil {
		return nil, err
	}
	if cfg.RefreshMinInterval, err = envDuration("VPNPANEL_REFRESH_MIN_INTERVAL", cfg.RefreshMinInterval); err != nil {
		return nil, err
	}
	if cfg.HistoryRetention, err = envDuration("VPNPANEL_HISTORY_RETENTION", cfg.HistoryRetention); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.PortRangeStart < 1 || c.PortRangeEnd > 65535 || c.PortRangeStart > c.PortRangeEnd {
		return fmt.Errorf("port range %d-%d is invalid", c.PortRangeStart, c.PortRangeEnd)
	}
	switch c.PortProbe {
	case "netstat", "ss", "none":
	default:
		return fmt.Errorf("VPNPANEL_PORT_PROBE must be netstat, ss or none, got %q", c.PortProbe)
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("VPNPANEL_REFRESH_INTERVAL must be positive, got %s", c.RefreshInterval)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("VPNPANEL_COMMAND_TIMEOUT must be positive, got %s", c.CommandTimeout)
	}
	return nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s has invalid integer %q: %w", key, v, err)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s has invalid boolean %q: %w", key, v, err)
	}
	return b, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s has invalid duration %q: %w", key, v, err)
	}
	return d, nil
}

func envList(key string) []string {
	out := []string{}
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return out
	}
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
