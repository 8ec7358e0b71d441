// Package config loads and validates the qcache configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/electwix/qcache"
	"github.com/electwix/qcache/internal/expiry"
	"github.com/electwix/qcache/internal/logging"
	"github.com/electwix/qcache/storage"
)

// DefaultFile is the configuration file looked up when none is given.
const DefaultFile = "qcache.toml"

// Config mirrors the on-disk layout. TOML and YAML share the same keys.
type Config struct {
	Prefix     string             `toml:"prefix" yaml:"prefix"`
	Strategy   string             `toml:"strategy" yaml:"strategy"`
	Debug      bool               `toml:"debug" yaml:"debug"`
	LogFormat  string             `toml:"log_format" yaml:"log_format"`
	Storage    storage.Descriptor `toml:"storage" yaml:"storage"`
	DefaultTTL expiry.Config      `toml:"default_ttl" yaml:"default_ttl"`
}

// Plan is the validated configuration ready to open a cache.
type Plan struct {
	Cache     qcache.Config
	LogFormat logging.Format
}

// LoadOptions tunes Load behavior.
type LoadOptions struct {
	// Strict turns warnings into errors.
	Strict bool
}

// Result bundles the plan with non-fatal findings.
type Result struct {
	Plan     Plan
	Warnings []string
}

var knownKeys = map[string][]string{
	"":            {"prefix", "strategy", "debug", "log_format", "storage", "default_ttl"},
	"storage":     {"driver", "dsn", "options"},
	"default_ttl": {"px", "ex", "pxat", "exat", "keep_ttl"},
}

// pathDrivers take a filesystem location as DSN.
var pathDrivers = map[string]bool{
	"file":   true,
	"sqlite": true,
	"pebble": true,
}

// Load reads path and returns a validated Plan. The format follows the file
// extension: .yaml and .yml are YAML, everything else is TOML.
func Load(path string, opts LoadOptions) (Result, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", path, err)
	}
	return parse(path, data, opts)
}

func parse(path string, data []byte, opts LoadOptions) (Result, error) {
	var res Result

	unmarshal := toml.Unmarshal
	if isYAML(path) {
		unmarshal = yaml.Unmarshal
	}

	var cfg Config
	if err := unmarshal(data, &cfg); err != nil {
		return res, fmt.Errorf("%s: %w", path, err)
	}

	var raw map[string]any
	if err := unmarshal(data, &raw); err != nil {
		return res, fmt.Errorf("%s: %w", path, err)
	}

	warn := func(message string) error {
		if opts.Strict {
			return errors.New(message)
		}
		res.Warnings = append(res.Warnings, message)
		return nil
	}

	if unknown := collectUnknownKeys(raw); len(unknown) > 0 {
		if err := warn(fmt.Sprintf("%s: unknown configuration keys: %s", path, strings.Join(unknown, ", "))); err != nil {
			return res, err
		}
	}

	if set := ttlFields(cfg.DefaultTTL); len(set) > 1 {
		if err := warn(fmt.Sprintf("%s: default_ttl sets %s; only %s is used", path, strings.Join(set, ", "), set[0])); err != nil {
			return res, err
		}
	}

	strategy, err := qcache.ParseStrategy(cfg.Strategy)
	if err != nil {
		return res, fmt.Errorf("%s: %w", path, err)
	}

	format, err := resolveLogFormat(path, cfg.LogFormat)
	if err != nil {
		return res, err
	}

	desc, err := resolveStorage(path, cfg.Storage)
	if err != nil {
		return res, err
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = qcache.DefaultPrefix
	}

	res.Plan = Plan{
		Cache: qcache.Config{
			Prefix:     prefix,
			DefaultTTL: cfg.DefaultTTL,
			Strategy:   strategy,
			Debug:      cfg.Debug,
			Storage:    desc,
		},
		LogFormat: format,
	}
	return res, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// collectUnknownKeys walks the top level and the known sub-tables. Storage
// options are driver-specific and never reported.
func collectUnknownKeys(raw map[string]any) []string {
	var unknown []string
	for section, keys := range knownKeys {
		table := raw
		if section != "" {
			sub, ok := raw[section].(map[string]any)
			if !ok {
				continue
			}
			table = sub
		}
		for key := range table {
			if slices.Contains(keys, key) {
				continue
			}
			if section != "" {
				key = section + "." + key
			}
			unknown = append(unknown, key)
		}
	}
	slices.Sort(unknown)
	return unknown
}

// ttlFields lists the set TTL fields in resolution order.
func ttlFields(c expiry.Config) []string {
	var set []string
	if c.PX != nil {
		set = append(set, "px")
	}
	if c.EX != nil {
		set = append(set, "ex")
	}
	if c.PXAt != nil {
		set = append(set, "pxat")
	}
	if c.EXAt != nil {
		set = append(set, "exat")
	}
	return set
}

func resolveLogFormat(path, format string) (logging.Format, error) {
	f, err := logging.ParseFormat(format)
	if err != nil {
		return "", fmt.Errorf("%s: log_format: %w", path, err)
	}
	return f, nil
}

// resolveStorage checks the driver and anchors relative file locations at
// the directory holding the configuration file.
func resolveStorage(path string, desc storage.Descriptor) (storage.Descriptor, error) {
	desc.Driver = strings.ToLower(strings.TrimSpace(desc.Driver))
	if desc.Driver == "" {
		return desc, fmt.Errorf("%s: storage.driver is required", path)
	}
	if !pathDrivers[desc.Driver] || desc.DSN == "" || desc.DSN == ":memory:" || filepath.IsAbs(desc.DSN) {
		return desc, nil
	}
	if strings.HasPrefix(desc.DSN, "file:") {
		return desc, nil
	}
	desc.DSN = filepath.Join(filepath.Dir(path), desc.DSN)
	return desc, nil
}
