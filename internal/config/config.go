package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Bind           string        `yaml:"bind"`
	Port           int           `yaml:"port"`
	ObserverPort   int           `yaml:"observer-port"`
	AllowCIDRs     []string      `yaml:"allow-cidr"`
	AuthUser       string        `yaml:"auth-user"`
	AuthPassword   string        `yaml:"auth-password"`
	AuthRealm      string        `yaml:"auth-realm"`
	Digest         bool          `yaml:"digest"`
	ArtifactsDir   string        `yaml:"artifacts-dir"`
	UITree         string        `yaml:"ui-tree"`
	EventsDir      string        `yaml:"events-dir"`
	HandoffTimeout time.Duration `yaml:"handoff-timeout"`
	MaxBody        int64         `yaml:"max-body"`
	IdleTimeout    time.Duration `yaml:"idle-timeout"`
	LogLevel       string        `yaml:"log-level"`
}

func Defaults() Config {
	return Config{
		Bind:           "127.0.0.1",
		Port:           3001,
		ObserverPort:   3002,
		AllowCIDRs:     []string{},
		AuthRealm:      "wireagent",
		HandoffTimeout: 5 * time.Second,
		MaxBody:        8 << 20,
		IdleTimeout:    2 * time.Minute,
		LogLevel:       "info",
	}
}

func flags() []cli.Flag {
	d := Defaults()
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "YAML file with settings; flags win over it", EnvVars: []string{"WIREAGENT_CONFIG"}},
		&cli.StringFlag{Name: "bind", Usage: "address to listen on", Value: d.Bind},
		&cli.IntFlag{Name: "port", Usage: "wire protocol port", Value: d.Port},
		&cli.IntFlag{Name: "observer-port", Usage: "observer API port, 0 disables it", Value: d.ObserverPort},
		&cli.StringSliceFlag{Name: "allow-cidr", Usage: "client networks allowed besides localhost"},
		&cli.StringFlag{Name: "auth-user", Usage: "require this user on the wire port"},
		&cli.StringFlag{Name: "auth-password", Usage: "password for --auth-user", EnvVars: []string{"WIREAGENT_AUTH_PASSWORD"}},
		&cli.StringFlag{Name: "auth-realm", Value: d.AuthRealm},
		&cli.BoolFlag{Name: "digest", Usage: "use Digest instead of Basic authentication"},
		&cli.StringFlag{Name: "artifacts-dir", Usage: "directory served under /artifacts"},
		&cli.StringFlag{Name: "ui-tree", Usage: "YAML description of the UI to automate"},
		&cli.StringFlag{Name: "events-dir", Usage: "where session journals are written"},
		&cli.DurationFlag{Name: "handoff-timeout", Usage: "shortest wait for the UI thread", Value: d.HandoffTimeout},
		&cli.Int64Flag{Name: "max-body", Usage: "largest accepted request body in bytes", Value: d.MaxBody},
		&cli.DurationFlag{Name: "idle-timeout", Usage: "close keep-alive connections idle this long", Value: d.IdleTimeout},
		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error", Value: d.LogLevel},
	}
}

// Parse reads settings from args (without the program name). A --config file is
// applied first and explicit flags override it.
func Parse(args []string) (Config, error) {
	cfg := Defaults()
	parsed := false
	app := &cli.App{
		Name:        "wireagent",
		HideHelp:    true,
		HideVersion: true,
		Writer:      io.Discard,
		ErrWriter:   io.Discard,
		Flags:       flags(),
		OnUsageError: func(c *cli.Context, err error, isSubcommand bool) error {
			return err
		},
		Action: func(c *cli.Context) error {
			if c.NArg() > 0 {
				return fmt.Errorf("unexpected argument %q", c.Args().First())
			}
			if path := c.String("config"); path != "" {
				if err := loadFile(path, &cfg); err != nil {
					return err
				}
			}
			applyFlags(c, &cfg)
			parsed = true
			return nil
		},
	}
	if err := app.Run(append([]string{"wireagent"}, args...)); err != nil {
		return Config{}, err
	}
	if !parsed {
		return Config{}, errors.New("arguments were not parsed")
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyFlags(c *cli.Context, cfg *Config) {
	if c.IsSet("bind") {
		cfg.Bind = c.String("bind")
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("observer-port") {
		cfg.ObserverPort = c.Int("observer-port")
	}
	if c.IsSet("allow-cidr") {
		cfg.AllowCIDRs = c.StringSlice("allow-cidr")
	}
	if c.IsSet("auth-user") {
		cfg.AuthUser = c.String("auth-user")
	}
	if c.IsSet("auth-password") {
		cfg.AuthPassword = c.String("auth-password")
	}
	if c.IsSet("auth-realm") {
		cfg.AuthRealm = c.String("auth-realm")
	}
	if c.IsSet("digest") {
		cfg.Digest = c.Bool("digest")
	}
	if c.IsSet("artifacts-dir") {
		cfg.ArtifactsDir = c.String("artifacts-dir")
	}
	if c.IsSet("ui-tree") {
		cfg.UITree = c.String("ui-tree")
	}
	if c.IsSet("events-dir") {
		cfg.EventsDir = c.String("events-dir")
	}
	if c.IsSet("handoff-timeout") {
		cfg.HandoffTimeout = c.Duration("handoff-timeout")
	}
	if c.IsSet("max-body") {
		cfg.MaxBody = c.Int64("max-body")
	}
	if c.IsSet("idle-timeout") {
		cfg.IdleTimeout = c.Duration("idle-timeout")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
}

func (cfg Config) validate() error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	if cfg.ObserverPort < 0 || cfg.ObserverPort > 65535 {
		return errors.New("observer port must be between 0 and 65535")
	}
	for _, cidr := range cfg.AllowCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid CIDR: %s", cidr)
		}
	}
	if cfg.AuthPassword != "" && cfg.AuthUser == "" {
		return errors.New("auth password given without auth user")
	}
	if cfg.HandoffTimeout <= 0 {
		return errors.New("handoff timeout must be positive")
	}
	if cfg.MaxBody <= 0 {
		return errors.New("max body must be positive")
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return err
	}
	return nil
}

// Level is the slog level named by LogLevel.
func (cfg Config) Level() slog.Level {
	level, _ := parseLevel(cfg.LogLevel)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", s)
	}
	return level, nil
}

func IsAllowedClient(ip net.IP, allowCIDRs []string) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() {
		return true
	}
	if len(allowCIDRs) == 0 {
		return true
	}
	for _, cidr := range allowCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
