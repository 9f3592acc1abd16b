package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// envPrefix namespaces the environment overrides:
	// PATTERNSTORE_STORE_DIR -> store.dir.
	envPrefix = "PATTERNSTORE_"

	// maxConfigFileSize rejects oversized config files.
	maxConfigFileSize = 1 << 20
)

// Load reads the YAML file at path (skipped when path is empty or the file
// does not exist), applies PATTERNSTORE_ environment overrides, fills
// defaults, and validates.
//
// The file must not be group/world writable: 0600, 0640, and 0400 are
// accepted. Files over 1 MiB are rejected.
func Load(path string) (*Config, error) {
	var content []byte
	if path != "" {
		b, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		content = b
	}
	return LoadBytes(content)
}

// LoadBytes builds a configuration from raw YAML (nil for none) plus
// environment overrides, defaults, and validation.
func LoadBytes(yamlBytes []byte) (*Config, error) {
	k := koanf.New(".")

	if len(yamlBytes) > 0 {
		if err := k.Load(rawbytes.Provider(yamlBytes), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	// PATTERNSTORE_STORE_DIR -> store.dir: strip the prefix, lowercase,
	// split on the first underscore into section.field, keep the rest of
	// the underscores inside the field name.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(key, "_", 2)
		if len(parts) == 1 {
			return key
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

// readConfigFile opens, checks, and reads the config file through a single
// file descriptor so permission and size checks cannot race the read.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if err := checkFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if len(content) > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}
	return content, nil
}

func checkFileProperties(info os.FileInfo) error {
	// Windows has a different permission model.
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		switch perm {
		case 0600, 0640, 0400:
		default:
			return fmt.Errorf("insecure permissions %04o (expected 0600, 0640, or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
