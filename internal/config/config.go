// Package config loads twopass settings from defaults, a YAML file, TWOPASS_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/forest6511/twopass/pkg/passgen"
)

const (
	// EnvPrefix prefixes environment overrides, e.g. TWOPASS_EMAIL_PASSWORD.
	EnvPrefix = "twopass"
	// FileName is the config file name searched for without an explicit path.
	FileName = "config.yaml"
	// DirName is the per-user state directory under $HOME.
	DirName = ".twopass"

	FaceModeCommand  = "command"
	FaceModeDisabled = "disabled"

	LogFormatText = "text"
	LogFormatJSON = "json"
)

var (
	// ErrInvalid wraps every validation failure.
	ErrInvalid = errors.New("config: invalid")
	// ErrExists is returned by WriteDefault when the file is already there.
	ErrExists = errors.New("config: file already exists")
)

// Config is the full set of settings. It is built once at startup and
// handed to whatever needs it.
type Config struct {
	Vault     VaultConfig     `mapstructure:"vault" yaml:"vault"`
	Face      FaceConfig      `mapstructure:"face" yaml:"face"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Email     EmailConfig     `mapstructure:"email" yaml:"email"`
	Generator GeneratorConfig `mapstructure:"generator" yaml:"generator"`
	Backup    BackupConfig    `mapstructure:"backup" yaml:"backup"`
	Audit     AuditConfig     `mapstructure:"audit" yaml:"audit"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

type VaultConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// FaceConfig selects the biometric factor. In command mode CaptureCommand
// and VerifyCommand are argv lists with {image} and {reference} placeholders.
type FaceConfig struct {
	Mode           string   `mapstructure:"mode" yaml:"mode"`
	ReferenceImage string   `mapstructure:"reference_image" yaml:"reference_image"`
	LastImage      string   `mapstructure:"last_image" yaml:"last_image"`
	CaptureCommand []string `mapstructure:"capture_command" yaml:"capture_command"`
	VerifyCommand  []string `mapstructure:"verify_command" yaml:"verify_command"`
}

// AuthConfig tunes the unlock gate. A zero BiometricTimeout waits forever.
type AuthConfig struct {
	Attempts         int           `mapstructure:"attempts" yaml:"attempts"`
	BiometricTimeout time.Duration `mapstructure:"biometric_timeout" yaml:"biometric_timeout"`
}

// EmailConfig is the owner's mailbox for lockout reports. Reports are sent
// from and to Address.
type EmailConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Address     string `mapstructure:"address" yaml:"address"`
	Password    string `mapstructure:"password" yaml:"password,omitempty"`
	Server      string `mapstructure:"server" yaml:"server"`
	Port        int    `mapstructure:"port" yaml:"port"`
	ImplicitTLS bool   `mapstructure:"implicit_tls" yaml:"implicit_tls"`
}

type GeneratorConfig struct {
	Wordlist  string `mapstructure:"wordlist" yaml:"wordlist"`
	Style     string `mapstructure:"style" yaml:"style"`
	Length    int    `mapstructure:"length" yaml:"length"`
	Separator string `mapstructure:"separator" yaml:"separator"`
}

type BackupConfig struct {
	Dir  string `mapstructure:"dir" yaml:"dir"`
	Keep int    `mapstructure:"keep" yaml:"keep"`
}

// AuditConfig points at the directory holding the audit journal.
type AuditConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// HomeDir returns ~/.twopass.
func HomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not get user home directory: %w", err)
	}
	return filepath.Join(home, DirName), nil
}

// Default returns the built-in settings rooted at dir, normally HomeDir().
func Default(dir string) *Config {
	return &Config{
		Vault: VaultConfig{Path: filepath.Join(dir, "vault.db")},
		Face: FaceConfig{
			Mode:           FaceModeCommand,
			ReferenceImage: filepath.Join(dir, "face", "reference.jpg"),
			LastImage:      filepath.Join(dir, "face", "last.jpg"),
			CaptureCommand: []string{"fswebcam", "--no-banner", "-r", "640x480", "{image}"},
			VerifyCommand:  []string{"twopass-face-verify", "{reference}", "{image}"},
		},
		Auth:      AuthConfig{Attempts: 3},
		Email:     EmailConfig{Port: 465, ImplicitTLS: true},
		Generator: GeneratorConfig{Style: string(passgen.StyleRandom), Length: 16, Separator: passgen.DefaultSeparator},
		Backup:    BackupConfig{Dir: filepath.Join(dir, "backups"), Keep: 5},
		Audit:     AuditConfig{Path: filepath.Join(dir, "audit")},
		Log:       LogConfig{Level: "info", Format: LogFormatText},
	}
}

// defaults flattens Default into viper keys.
func defaults(dir string) map[string]any {
	d := Default(dir)
	return map[string]any{
		"vault.path":             d.Vault.Path,
		"face.mode":              d.Face.Mode,
		"face.reference_image":   d.Face.ReferenceImage,
		"face.last_image":        d.Face.LastImage,
		"face.capture_command":   d.Face.CaptureCommand,
		"face.verify_command":    d.Face.VerifyCommand,
		"auth.attempts":          d.Auth.Attempts,
		"auth.biometric_timeout": d.Auth.BiometricTimeout,
		"email.enabled":          d.Email.Enabled,
		"email.address":          d.Email.Address,
		"email.password":         d.Email.Password,
		"email.server":           d.Email.Server,
		"email.port":             d.Email.Port,
		"email.implicit_tls":     d.Email.ImplicitTLS,
		"generator.wordlist":     d.Generator.Wordlist,
		"generator.style":        d.Generator.Style,
		"generator.length":       d.Generator.Length,
		"generator.separator":    d.Generator.Separator,
		"backup.dir":             d.Backup.Dir,
		"backup.keep":            d.Backup.Keep,
		"audit.path":             d.Audit.Path,
		"log.level":              d.Log.Level,
		"log.format":             d.Log.Format,
	}
}

// FlagKeys maps command-line flag names to the settings they override.
var FlagKeys = map[string]string{
	"vault":     "vault.path",
	"log-level": "log.level",
	"log-json":  "log.format",
}

// Load reads the configuration. An explicit file must exist; otherwise
// ~/.twopass/config.yaml and ./twopass.yaml are tried and may be absent.
// flags may be nil.
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	dir, err := HomeDir()
	if err != nil {
		return nil, err
	}
	return load(dir, file, flags)
}

func load(dir, file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for key, value := range defaults(dir) {
		v.SetDefault(key, value)
	}

	v.SetConfigType("yaml")
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := mergeLocal(v); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	c.expandHome()
	return &c, nil
}

// mergeLocal picks up ./twopass.yaml when no per-user file exists.
func mergeLocal(v *viper.Viper) error {
	const local = "twopass.yaml"
	if _, err := os.Stat(local); err != nil {
		return nil
	}
	v.SetConfigFile(local)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("failed to read %s: %w", local, err)
	}
	return nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range FlagKeys {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if name == "log-json" {
			if f.Value.String() == "true" {
				v.Set(key, LogFormatJSON)
			}
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", name, err)
		}
	}
	return nil
}

func (c *Config) expandHome() {
	for _, p := range []*string{
		&c.Vault.Path, &c.Face.ReferenceImage, &c.Face.LastImage,
		&c.Generator.Wordlist, &c.Backup.Dir, &c.Audit.Path,
	} {
		*p = ExpandHome(*p)
	}
}

// ExpandHome replaces a leading ~/ with the user's home directory.
func ExpandHome(p string) string {
	rest, ok := strings.CutPrefix(p, "~/")
	if !ok {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, rest)
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch {
	case c.Vault.Path == "":
		return fmt.Errorf("%w: vault.path is empty", ErrInvalid)
	case c.Auth.Attempts < 1:
		return fmt.Errorf("%w: auth.attempts must be at least 1, got %d", ErrInvalid, c.Auth.Attempts)
	case c.Auth.BiometricTimeout < 0:
		return fmt.Errorf("%w: auth.biometric_timeout must not be negative", ErrInvalid)
	case c.Backup.Keep < 1:
		return fmt.Errorf("%w: backup.keep must be at least 1, got %d", ErrInvalid, c.Backup.Keep)
	case c.Generator.Length < 1:
		return fmt.Errorf("%w: generator.length must be at least 1, got %d", ErrInvalid, c.Generator.Length)
	}

	switch c.Face.Mode {
	case FaceModeCommand:
		if len(c.Face.CaptureCommand) == 0 || len(c.Face.VerifyCommand) == 0 {
			return fmt.Errorf("%w: face.capture_command and face.verify_command are required in command mode", ErrInvalid)
		}
		if c.Face.ReferenceImage == "" || c.Face.LastImage == "" {
			return fmt.Errorf("%w: face.reference_image and face.last_image are required in command mode", ErrInvalid)
		}
	case FaceModeDisabled:
	default:
		return fmt.Errorf("%w: unknown face.mode %q (want %s or %s)", ErrInvalid, c.Face.Mode, FaceModeCommand, FaceModeDisabled)
	}

	if c.Email.Port < 1 || c.Email.Port > 65535 {
		return fmt.Errorf("%w: email.port %d out of range", ErrInvalid, c.Email.Port)
	}
	if c.Email.Enabled && (c.Email.Address == "" || c.Email.Server == "") {
		return fmt.Errorf("%w: email.address and email.server are required when email is enabled", ErrInvalid)
	}

	if _, err := passgen.ParseStyle(c.Generator.Style); err != nil {
		return fmt.Errorf("%w: generator.style: %w", ErrInvalid, err)
	}

	switch strings.ToLower(c.Log.Format) {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("%w: unknown log.format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

// WriteDefault writes the default configuration for dir to path as YAML,
// readable by the owner only. It never overwrites.
func WriteDefault(path, dir string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, path)
	}
	data, err := yaml.Marshal(Default(dir))
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("could not create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	return f.Close()
}
