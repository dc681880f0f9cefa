// Package config loads shepherd's layered configuration.
//
// Precedence, highest first:
//  1. Environment variables prefixed SHEPHERD_ (SHEPHERD_LOOP_MAX_REVIEW_CYCLES -> loop.max_review_cycles)
//  2. <project>/.shepherd/config.yaml
//  3. ~/.shepherd/config.yaml
//  4. Default()
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	EnvPrefix         = "SHEPHERD_"
	maxConfigFileSize = 1024 * 1024
)

// Load reads the user and project config files and the environment.
func Load(projectDir string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	files := []string{filepath.Join(home, ".shepherd", "config.yaml")}
	if projectDir != "" {
		files = append(files, filepath.Join(projectDir, ".shepherd", "config.yaml"))
	}
	return LoadFiles(files...)
}

// LoadFiles layers the given YAML files, later ones winning, then the
// environment. Missing files are skipped.
func LoadFiles(paths ...string) (*Config, error) {
	k := koanf.New(".")
	for _, path := range paths {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if content == nil {
			continue
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Storage.DataDir = expandHome(cfg.Storage.DataDir)
	cfg.Gate.Script = expandHome(cfg.Gate.Script)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps SHEPHERD_SECTION_FIELD_NAME to section.field_name: the first
// underscore separates the section, the rest belong to the field.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s is %d bytes, over the %d byte limit", path, info.Size(), maxConfigFileSize)
	}
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
