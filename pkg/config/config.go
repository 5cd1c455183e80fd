package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	ModeScan     = "scan"
	ModePurgeAll = "purge_all"
	ModeNewOnly  = "new_only"
	ModeCombined = "combined"
)

var Modes = []string{ModeScan, ModePurgeAll, ModeNewOnly, ModeCombined}

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so user lists can contain both "@name" and 123456.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, strconv.FormatInt(int64(val), 10))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Engine   EngineConfig   `json:"engine"`
	Lists    ListsConfig    `json:"lists"`
	Features FeaturesConfig `json:"features"`
	Mode     string         `json:"mode" env:"TGGUARD_MODE"`
	Schedule ScheduleConfig `json:"schedule"`
	Index    IndexConfig    `json:"index"`
	Journal  JournalConfig  `json:"journal"`
	Metrics  MetricsConfig  `json:"metrics"`
	Logging  LoggingConfig  `json:"logging"`
	mu       sync.RWMutex
}

type TelegramConfig struct {
	Token        string `json:"token" env:"TGGUARD_TELEGRAM_TOKEN"`
	Proxy        string `json:"proxy" env:"TGGUARD_TELEGRAM_PROXY"`
	StatusChatID int64  `json:"status_chat_id" env:"TGGUARD_TELEGRAM_STATUS_CHAT_ID"`
	PollTimeout  int    `json:"poll_timeout" env:"TGGUARD_TELEGRAM_POLL_TIMEOUT"`
	// RequestsPerSecond paces every outgoing API call.
	RequestsPerSecond float64 `json:"requests_per_second" env:"TGGUARD_TELEGRAM_REQUESTS_PER_SECOND"`
}

type EngineConfig struct {
	ChunkSize     int    `json:"chunk_size" env:"TGGUARD_ENGINE_CHUNK_SIZE"`
	BatchPauseMS  int    `json:"batch_pause_ms" env:"TGGUARD_ENGINE_BATCH_PAUSE_MS"`
	ExpiryDelayS  int    `json:"expiry_delay_s" env:"TGGUARD_ENGINE_EXPIRY_DELAY_S"`
	ThrottlePadMS int    `json:"throttle_pad_ms" env:"TGGUARD_ENGINE_THROTTLE_PAD_MS"`
	AlertPrefix   string `json:"alert_prefix" env:"TGGUARD_ENGINE_ALERT_PREFIX"`
}

type ListsConfig struct {
	Tracked     FlexibleStringSlice `json:"tracked" env:"TGGUARD_LISTS_TRACKED"`
	Blacklist   FlexibleStringSlice `json:"blacklist" env:"TGGUARD_LISTS_BLACKLIST"`
	Exclusions  FlexibleStringSlice `json:"exclusions" env:"TGGUARD_LISTS_EXCLUSIONS"`
	ExportGroup string              `json:"export_group" env:"TGGUARD_LISTS_EXPORT_GROUP"`
}

type FeaturesConfig struct {
	DeleteStatusMessages bool `json:"delete_status_messages" env:"TGGUARD_FEATURES_DELETE_STATUS_MESSAGES"`
	SelfPurge            bool `json:"self_purge" env:"TGGUARD_FEATURES_SELF_PURGE"`
}

type ScheduleConfig struct {
	Enabled bool   `json:"enabled" env:"TGGUARD_SCHEDULE_ENABLED"`
	Cron    string `json:"cron" env:"TGGUARD_SCHEDULE_CRON"`
}

type IndexConfig struct {
	Path string `json:"path" env:"TGGUARD_INDEX_PATH"`
}

type JournalConfig struct {
	Path string `json:"path" env:"TGGUARD_JOURNAL_PATH"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" env:"TGGUARD_METRICS_ENABLED"`
	Listen  string `json:"listen" env:"TGGUARD_METRICS_LISTEN"`
}

type LoggingConfig struct {
	Level     string `json:"level" env:"TGGUARD_LOGGING_LEVEL"`
	File      string `json:"file" env:"TGGUARD_LOGGING_FILE"`
	MaxSizeMB int    `json:"max_size_mb" env:"TGGUARD_LOGGING_MAX_SIZE_MB"`
}

func DefaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			PollTimeout:       30,
			RequestsPerSecond: 25,
		},
		Engine: EngineConfig{
			ChunkSize:     100,
			BatchPauseMS:  600,
			ExpiryDelayS:  30,
			ThrottlePadMS: 1000,
			AlertPrefix:   "🚨🚨🚨 ",
		},
		Lists: ListsConfig{
			Tracked:    FlexibleStringSlice{},
			Blacklist:  FlexibleStringSlice{},
			Exclusions: FlexibleStringSlice{},
		},
		Features: FeaturesConfig{
			DeleteStatusMessages: true,
		},
		Mode: ModeCombined,
		Schedule: ScheduleConfig{
			Cron: "0 */6 * * *",
		},
		Index: IndexConfig{
			Path: "~/.tgguard/index.db",
		},
		Journal: JournalConfig{
			Path: "~/.tgguard/journal.json",
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9464",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
		},
	}
}

// LoadConfig layers defaults, the JSON file at path (if it exists), a .env
// file next to the working directory and finally TGGUARD_* variables.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(expandHome(path))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required (TGGUARD_TELEGRAM_TOKEN)"))
	}
	if c.Telegram.StatusChatID == 0 {
		errs = append(errs, errors.New("telegram.status_chat_id is required"))
	}
	if c.Engine.ChunkSize < 1 || c.Engine.ChunkSize > 100 {
		errs = append(errs, fmt.Errorf("engine.chunk_size must be within 1..100, got %d", c.Engine.ChunkSize))
	}
	if c.Engine.BatchPauseMS < 0 || c.Engine.ExpiryDelayS < 0 || c.Engine.ThrottlePadMS < 0 {
		errs = append(errs, errors.New("engine durations must not be negative"))
	}
	if !validMode(c.Mode) {
		errs = append(errs, fmt.Errorf("mode must be one of %s, got %q", strings.Join(Modes, ", "), c.Mode))
	}
	if c.Schedule.Enabled && !gronx.IsValid(c.Schedule.Cron) {
		errs = append(errs, fmt.Errorf("schedule.cron is not a valid cron expression: %q", c.Schedule.Cron))
	}
	return errors.Join(errs...)
}

func validMode(m string) bool {
	for _, known := range Modes {
		if m == known {
			return true
		}
	}
	return false
}

// SaveConfig writes cfg to path, replacing the file atomically.
func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	path = expandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// SetLists replaces the tracked and blacklist entries.
func (c *Config) SetLists(tracked, blacklist []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Lists.Tracked = append(FlexibleStringSlice{}, tracked...)
	c.Lists.Blacklist = append(FlexibleStringSlice{}, blacklist...)
}

func (c *Config) BatchPause() time.Duration {
	return time.Duration(c.Engine.BatchPauseMS) * time.Millisecond
}

func (c *Config) ExpiryDelay() time.Duration {
	return time.Duration(c.Engine.ExpiryDelayS) * time.Second
}

func (c *Config) ThrottlePad() time.Duration {
	return time.Duration(c.Engine.ThrottlePadMS) * time.Millisecond
}

func (c *Config) IndexPath() string {
	return expandHome(c.Index.Path)
}

func (c *Config) JournalPath() string {
	return expandHome(c.Journal.Path)
}

func ExpandHome(path string) string {
	return expandHome(path)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
