package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
)

// ServerConfig defines HTTP server configurations
type ServerConfig struct {
	Host           string        `koanf:"host"`
	Port           int           `koanf:"port"`
	Debug          bool          `koanf:"debug"`
	ReadTimeout    time.Duration `koanf:"readtimeout"`
	WriteTimeout   time.Duration `koanf:"writetimeout"`
	MaxUploadBytes int64         `koanf:"maxuploadbytes"`
}

// PathsConfig holds the locations probed at startup. Empty values mean
// "use the default candidate list".
type PathsConfig struct {
	ServiceDir string `koanf:"servicedir"`
	ModelPath  string `koanf:"modelpath"`
	PublicDir  string `koanf:"publicdir"`
}

// ModelConfig related to the detection model and ONNX Runtime
type ModelConfig struct {
	RuntimeLibrary string  `koanf:"runtimelibrary"`
	NamesFile      string  `koanf:"namesfile"`
	ConfThreshold  float32 `koanf:"confthreshold"`
	MaxPixels      int64   `koanf:"maxpixels"`
	IntraOpThreads int     `koanf:"intraopthreads"`
	InterOpThreads int     `koanf:"interopthreads"`
}

// LogConfig related to logging output
type LogConfig struct {
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"maxsizemb"`
	MaxBackups int    `koanf:"maxbackups"`
	MaxAgeDays int    `koanf:"maxagedays"`
}

// AppConfig defines
type AppConfig struct {
	Server ServerConfig `koanf:"server"`
	Paths  PathsConfig  `koanf:"paths"`
	Model  ModelConfig  `koanf:"model"`
	Log    LogConfig    `koanf:"log"`
}

// plainEnv maps the short environment variables the service has always
// honoured onto config keys. CFG_* variables cover everything else.
var plainEnv = map[string]string{
	"PORT":            "server.port",
	"DEBUG":           "server.debug",
	"MODEL_PATH":      "paths.modelpath",
	"PUBLIC_DIR":      "paths.publicdir",
	"SERVICE_DIR":     "paths.servicedir",
	"ONNXRUNTIME_LIB": "model.runtimelibrary",
}

func defaults() map[string]any {
	return map[string]any{
		"server.host":           "0.0.0.0",
		"server.port":           8000,
		"server.debug":          false,
		"server.readtimeout":    "0s",
		"server.writetimeout":   "0s",
		"server.maxuploadbytes": 32 << 20,
		"model.confthreshold":   0.25,
		"model.maxpixels":       40_000_000,
		"log.maxsizemb":         100,
		"log.maxbackups":        3,
		"log.maxagedays":        28,
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// filePath, CFG_* variables and finally the plain variables in plainEnv.
// A missing file is not an error.
func Load(filePath string) (*AppConfig, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if filePath != "" {
		if _, err := os.Stat(filePath); err == nil {
			if err := k.Load(file.Provider(filePath), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", filePath, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat config file %s: %w", filePath, err)
		}
	}

	if err := k.Load(env.Provider("CFG_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CFG_")), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load CFG_ environment: %w", err)
	}

	if err := k.Load(env.ProviderWithValue("", ".", func(s string, v string) (string, any) {
		key, ok := plainEnv[s]
		if !ok {
			return "", nil
		}
		return key, strings.TrimSpace(v)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateConfig is for custom validation rules for the configuration
func ValidateConfig(cfg *AppConfig) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	if cfg.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("invalid max upload size %d", cfg.Server.MaxUploadBytes)
	}
	if cfg.Model.ConfThreshold <= 0 || cfg.Model.ConfThreshold > 1 {
		return fmt.Errorf("confidence threshold %v outside (0,1]", cfg.Model.ConfThreshold)
	}
	if cfg.Model.MaxPixels <= 0 {
		return fmt.Errorf("invalid max image pixels %d", cfg.Model.MaxPixels)
	}
	return nil
}

var defaultConfigPath = "config/config.yaml"

// ParseConfigFlag allows clients to specify the relative path to the file from
// which the configuration will be loaded.
func ParseConfigFlag() string {
	flagSet := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := flagSet.String("file", defaultConfigPath, "configuration file")
	_ = flagSet.Parse(os.Args[1:])

	return *configPath
}
