package simple

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"dario.cat/mergo"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/cochaviz/preview/internal/logging"
	"github.com/cochaviz/preview/internal/sandbox"
)

// EnvPrefix prefixes every environment override, e.g. PREVIEW_LISTEN.
const EnvPrefix = "PREVIEW"

var DefaultListenAddress = "127.0.0.1:4173"

// Settings configures a preview run. Precedence, lowest first: defaults, the
// YAML file, PREVIEW_* environment variables, command line flags. Environment
// keys are derived from field names, e.g. PREVIEW_READY_TIMEOUT and
// PREVIEW_PROBE_WAIT_MAX.
type Settings struct {
	ProjectDir     string            `yaml:"project_dir" split_words:"true"`
	Listen         string            `yaml:"listen" split_words:"true"`
	ReadyTimeout   time.Duration     `yaml:"ready_timeout" split_words:"true"`
	InstallTimeout time.Duration     `yaml:"install_timeout" split_words:"true"`
	StrictInstall  bool              `yaml:"strict_install" split_words:"true"`
	UsePTY         bool              `yaml:"pty" split_words:"true"`
	KillGrace      time.Duration     `yaml:"kill_grace" split_words:"true"`
	Env            map[string]string `yaml:"env" split_words:"true"`
	Probe          ProbeSettings     `yaml:"probe" split_words:"true"`
	LogLevel       string            `yaml:"log_level" split_words:"true"`
	LogFormat      string            `yaml:"log_format" split_words:"true"`
}

// ProbeSettings tunes how announced server addresses are confirmed.
type ProbeSettings struct {
	Attempts int           `yaml:"attempts" split_words:"true"`
	WaitMin  time.Duration `yaml:"wait_min" split_words:"true"`
	WaitMax  time.Duration `yaml:"wait_max" split_words:"true"`
}

func DefaultSettings() Settings {
	return Settings{
		ProjectDir: ".",
		Listen:     DefaultListenAddress,
		KillGrace:  sandbox.DefaultKillGrace,
		Probe: ProbeSettings{
			Attempts: sandbox.DefaultProbeAttempts,
			WaitMin:  sandbox.DefaultProbeWaitMin,
			WaitMax:  sandbox.DefaultProbeWaitMax,
		},
		LogLevel:  "info",
		LogFormat: "cli",
	}
}

// LoadSettings resolves settings from defaults, the optional YAML file at
// path and the environment. Keys present in the file replace the default even
// when empty, so `listen: ""` disables the HTTP view. Zero tuning values
// (kill_grace, probe.*) fall back to their defaults afterwards.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()

	if path != "" {
		if err := readSettingsFile(path, &settings); err != nil {
			return Settings{}, err
		}
	}

	if err := envconfig.Process(EnvPrefix, &settings); err != nil {
		return Settings{}, fmt.Errorf("read environment settings: %w", err)
	}

	if err := mergo.Merge(&settings, tuningDefaults()); err != nil {
		return Settings{}, fmt.Errorf("apply tuning defaults: %w", err)
	}

	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// readSettingsFile decodes path onto settings. Keys absent from the file leave
// the current values untouched.
func readSettingsFile(path string, settings *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read settings file: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(settings); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse settings file %s: %w", path, err)
	}
	return nil
}

// tuningDefaults holds the settings for which zero means "use the default".
func tuningDefaults() Settings {
	defaults := DefaultSettings()
	return Settings{
		KillGrace: defaults.KillGrace,
		Probe:     defaults.Probe,
	}
}

func (s Settings) Validate() error {
	var errs []error
	if s.ReadyTimeout < 0 {
		errs = append(errs, fmt.Errorf("ready_timeout must not be negative"))
	}
	if s.InstallTimeout < 0 {
		errs = append(errs, fmt.Errorf("install_timeout must not be negative"))
	}
	if s.KillGrace < 0 {
		errs = append(errs, fmt.Errorf("kill_grace must not be negative"))
	}
	if s.Probe.Attempts < 0 {
		errs = append(errs, fmt.Errorf("probe.attempts must not be negative"))
	}
	if _, err := logging.ParseLevel(s.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseMode(s.LogFormat); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
