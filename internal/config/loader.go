package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/example/capture-scheduler/internal/notify"
	"github.com/example/capture-scheduler/internal/reconcile"
)

// Storage drivers accepted by CAPTURE_STORAGE_DRIVER.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

const dateLayout = "2006-01-02"

// Config captures the settings of the reconciler service.
type Config struct {
	HTTPPort int
	// OperatorToken guards POST /passes. Empty leaves it open.
	OperatorToken string
	StorageDriver string
	SQLitePath    string
	RegistryDir   string

	SchedulerURL      string
	SchedulerToken    string
	CallTimeout       time.Duration
	RetryAttempts     uint
	MaxBackoff        time.Duration
	RequestsPerSecond float64

	Terms []reconcile.Term
	// Rooms maps registry room ids to scheduler resource ids.
	Rooms map[string]string
	// Templates lists the enabled notification kinds. Empty enables all.
	Templates   []notify.Kind
	AlertWindow time.Duration
	// PassInterval schedules passes from serve. Zero disables them.
	PassInterval time.Duration
}

type fileConfig struct {
	HTTPPort      int               `toml:"http_port"`
	OperatorToken string            `toml:"operator_token"`
	StorageDriver string            `toml:"storage_driver"`
	SQLitePath    string            `toml:"sqlite_path"`
	RegistryDir   string            `toml:"registry_dir"`
	AlertWindow   string            `toml:"alert_window"`
	PassInterval  string            `toml:"pass_interval"`
	Templates     []string          `toml:"templates"`
	Rooms         map[string]string `toml:"rooms"`
	Scheduler     struct {
		URL               string  `toml:"url"`
		Token             string  `toml:"token"`
		CallTimeout       string  `toml:"call_timeout"`
		RetryAttempts     int     `toml:"retry_attempts"`
		MaxBackoff        string  `toml:"max_backoff"`
		RequestsPerSecond float64 `toml:"requests_per_second"`
	} `toml:"scheduler"`
	Terms []struct {
		ID             string `toml:"id"`
		RecordingStart string `toml:"recording_start"`
		RecordingEnd   string `toml:"recording_end"`
	} `toml:"terms"`
}

// Defaults returns the settings used when nothing overrides them.
func Defaults() Config {
	return Config{
		HTTPPort:          8080,
		StorageDriver:     DriverSQLite,
		SQLitePath:        "capture.db",
		CallTimeout:       10 * time.Second,
		RetryAttempts:     4,
		MaxBackoff:        10 * time.Second,
		RequestsPerSecond: 5,
		Rooms:             map[string]string{},
		AlertWindow:       time.Hour,
	}
}

// Load reads the optional TOML file named by CAPTURE_CONFIG_FILE and applies
// CAPTURE_* environment variables on top.
//
// Settings needed to talk to the registry and the scheduler are required.
// Missing and invalid entries are collected and reported together.
func Load() (Config, error) {
	return load(true)
}

// LoadStorage is Load without the service requirements, for commands that
// only touch the database.
func LoadStorage() (Config, error) {
	return load(false)
}

type problems struct {
	missing []string
	invalid []string
}

// require records key as missing unless present or already reported invalid.
func (p *problems) require(key string, present bool) {
	if present || slices.Contains(p.invalid, key) {
		return
	}
	p.missing = append(p.missing, key)
}

func (p *problems) err() error {
	if len(p.missing) > 0 {
		return fmt.Errorf("必須の環境変数が設定されていません: %s", strings.Join(p.missing, ", "))
	}
	if len(p.invalid) > 0 {
		return fmt.Errorf("設定値が不正です: %s", strings.Join(p.invalid, ", "))
	}
	return nil
}

func load(requireService bool) (Config, error) {
	cfg := Defaults()
	var p problems

	if path := strings.TrimSpace(os.Getenv("CAPTURE_CONFIG_FILE")); path != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return Config{}, fmt.Errorf("設定ファイルを読み込めません: %s: %w", path, err)
		}
		applyFile(&cfg, fc, &p)
	}
	applyEnv(&cfg, &p)

	switch cfg.StorageDriver {
	case DriverSQLite:
		p.require("CAPTURE_SQLITE_PATH", cfg.SQLitePath != "")
	case DriverMemory:
	default:
		p.invalid = append(p.invalid, "CAPTURE_STORAGE_DRIVER")
	}
	if requireService {
		p.require("CAPTURE_SCHEDULER_URL", cfg.SchedulerURL != "")
		p.require("CAPTURE_REGISTRY_DIR", cfg.RegistryDir != "")
		p.require("CAPTURE_TERMS", len(cfg.Terms) > 0)
	}

	if err := p.err(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, fc fileConfig, p *problems) {
	if fc.HTTPPort != 0 {
		if fc.HTTPPort < 0 {
			p.invalid = append(p.invalid, "http_port")
		} else {
			cfg.HTTPPort = fc.HTTPPort
		}
	}
	setString(&cfg.OperatorToken, fc.OperatorToken)
	setString(&cfg.StorageDriver, fc.StorageDriver)
	setString(&cfg.SQLitePath, fc.SQLitePath)
	setString(&cfg.RegistryDir, fc.RegistryDir)
	setString(&cfg.SchedulerURL, fc.Scheduler.URL)
	setString(&cfg.SchedulerToken, fc.Scheduler.Token)
	setDuration(&cfg.AlertWindow, fc.AlertWindow, "alert_window", true, p)
	setDuration(&cfg.PassInterval, fc.PassInterval, "pass_interval", true, p)
	setDuration(&cfg.CallTimeout, fc.Scheduler.CallTimeout, "scheduler.call_timeout", false, p)
	setDuration(&cfg.MaxBackoff, fc.Scheduler.MaxBackoff, "scheduler.max_backoff", false, p)
	if fc.Scheduler.RetryAttempts != 0 {
		if fc.Scheduler.RetryAttempts < 0 {
			p.invalid = append(p.invalid, "scheduler.retry_attempts")
		} else {
			cfg.RetryAttempts = uint(fc.Scheduler.RetryAttempts)
		}
	}
	if fc.Scheduler.RequestsPerSecond < 0 {
		p.invalid = append(p.invalid, "scheduler.requests_per_second")
	} else if fc.Scheduler.RequestsPerSecond > 0 {
		cfg.RequestsPerSecond = fc.Scheduler.RequestsPerSecond
	}
	for room, resource := range fc.Rooms {
		cfg.Rooms[room] = resource
	}
	if len(fc.Templates) > 0 {
		kinds, err := parseKinds(fc.Templates)
		if err != nil {
			p.invalid = append(p.invalid, "templates")
		} else {
			cfg.Templates = kinds
		}
	}
	if len(fc.Terms) > 0 {
		terms := make([]reconcile.Term, 0, len(fc.Terms))
		for _, t := range fc.Terms {
			term, err := parseTerm(t.ID, t.RecordingStart, t.RecordingEnd)
			if err != nil {
				p.invalid = append(p.invalid, "terms")
				terms = nil
				break
			}
			terms = append(terms, term)
		}
		if terms != nil {
			cfg.Terms = terms
		}
	}
}

func applyEnv(cfg *Config, p *problems) {
	if value := env("CAPTURE_HTTP_PORT"); value != "" {
		port, err := strconv.Atoi(value)
		if err != nil || port <= 0 {
			p.invalid = append(p.invalid, "CAPTURE_HTTP_PORT")
		} else {
			cfg.HTTPPort = port
		}
	}
	setString(&cfg.OperatorToken, env("CAPTURE_OPERATOR_TOKEN"))
	setString(&cfg.StorageDriver, env("CAPTURE_STORAGE_DRIVER"))
	setString(&cfg.SQLitePath, env("CAPTURE_SQLITE_PATH"))
	setString(&cfg.RegistryDir, env("CAPTURE_REGISTRY_DIR"))
	setString(&cfg.SchedulerURL, env("CAPTURE_SCHEDULER_URL"))
	setString(&cfg.SchedulerToken, env("CAPTURE_SCHEDULER_TOKEN"))
	setDuration(&cfg.CallTimeout, env("CAPTURE_SCHEDULER_TIMEOUT"), "CAPTURE_SCHEDULER_TIMEOUT", false, p)
	setDuration(&cfg.MaxBackoff, env("CAPTURE_SCHEDULER_MAX_BACKOFF"), "CAPTURE_SCHEDULER_MAX_BACKOFF", false, p)
	setDuration(&cfg.AlertWindow, env("CAPTURE_ALERT_WINDOW"), "CAPTURE_ALERT_WINDOW", true, p)
	setDuration(&cfg.PassInterval, env("CAPTURE_PASS_INTERVAL"), "CAPTURE_PASS_INTERVAL", true, p)

	if value := env("CAPTURE_SCHEDULER_RETRIES"); value != "" {
		attempts, err := strconv.ParseUint(value, 10, 32)
		if err != nil || attempts == 0 {
			p.invalid = append(p.invalid, "CAPTURE_SCHEDULER_RETRIES")
		} else {
			cfg.RetryAttempts = uint(attempts)
		}
	}
	if value := env("CAPTURE_SCHEDULER_RPS"); value != "" {
		rps, err := strconv.ParseFloat(value, 64)
		if err != nil || rps < 0 {
			p.invalid = append(p.invalid, "CAPTURE_SCHEDULER_RPS")
		} else {
			cfg.RequestsPerSecond = rps
		}
	}
	if value := env("CAPTURE_TERMS"); value != "" {
		terms, err := parseTerms(value)
		if err != nil {
			p.invalid = append(p.invalid, "CAPTURE_TERMS")
		} else {
			cfg.Terms = terms
		}
	}
	if value := env("CAPTURE_ROOMS"); value != "" {
		rooms, err := parseRooms(value)
		if err != nil {
			p.invalid = append(p.invalid, "CAPTURE_ROOMS")
		} else {
			for room, resource := range rooms {
				cfg.Rooms[room] = resource
			}
		}
	}
	if value := env("CAPTURE_TEMPLATES"); value != "" {
		kinds, err := parseKinds(strings.Split(value, ","))
		if err != nil {
			p.invalid = append(p.invalid, "CAPTURE_TEMPLATES")
		} else {
			cfg.Templates = kinds
		}
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func setString(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = value
	}
}

func setDuration(dst *time.Duration, value, name string, allowZero bool, p *problems) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		p.invalid = append(p.invalid, name)
		return
	}
	*dst = d
}

// parseTerms reads "ID:START:END" entries separated by commas, with dates as
// YYYY-MM-DD.
func parseTerms(value string) ([]reconcile.Term, error) {
	var terms []reconcile.Term
	for _, entry := range strings.Split(value, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("term %q: expected ID:START:END", entry)
		}
		term, err := parseTerm(parts[0], parts[1], parts[2])
		if err != nil {
			return nil, err
		}
		terms = append(terms, term)
	}
	return terms, nil
}

func parseTerm(id, start, end string) (reconcile.Term, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return reconcile.Term{}, errors.New("term id is empty")
	}
	from, err := time.Parse(dateLayout, strings.TrimSpace(start))
	if err != nil {
		return reconcile.Term{}, fmt.Errorf("term %s start: %w", id, err)
	}
	to, err := time.Parse(dateLayout, strings.TrimSpace(end))
	if err != nil {
		return reconcile.Term{}, fmt.Errorf("term %s end: %w", id, err)
	}
	if to.Before(from) {
		return reconcile.Term{}, fmt.Errorf("term %s ends before it starts", id)
	}
	return reconcile.Term{ID: id, RecordingStart: from, RecordingEnd: to}, nil
}

// parseRooms reads "ROOM=RESOURCE" entries separated by commas.
func parseRooms(value string) (map[string]string, error) {
	rooms := make(map[string]string)
	for _, entry := range strings.Split(value, ",") {
		room, resource, ok := strings.Cut(strings.TrimSpace(entry), "=")
		room, resource = strings.TrimSpace(room), strings.TrimSpace(resource)
		if !ok || room == "" || resource == "" {
			return nil, fmt.Errorf("room mapping %q: expected ROOM=RESOURCE", entry)
		}
		rooms[room] = resource
	}
	return rooms, nil
}

func parseKinds(values []string) ([]notify.Kind, error) {
	kinds := make([]notify.Kind, 0, len(values))
	for _, value := range values {
		kind, err := notify.ParseKind(strings.TrimSpace(value))
		if err != nil {
			return nil, err
		}
		if !slices.Contains(kinds, kind) {
			kinds = append(kinds, kind)
		}
	}
	return kinds, nil
}
