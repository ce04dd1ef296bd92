// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (c) 2017-2023 The Spacemesh developers

package server

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/spacemeshos/certchain/issuer"
	"github.com/spacemeshos/certchain/ledger"
	"github.com/spacemeshos/certchain/logging"
)

const (
	defaultDbDirName      = "db"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
	defaultAuditInterval  = time.Minute
)

// Config defines the configuration options for certchain.
//
// Values are resolved in order: defaults, config file, command line.
//
//nolint:lll
type Config struct {
	BaseDir        string  `long:"basedir"        description:"The base directory that contains certchain's data, logs, configuration file, etc."`
	ConfigFile     string  `long:"configfile"     description:"Path to configuration file"                                                        short:"c"`
	DataDir        string  `long:"datadir"        description:"The directory to store institution keys within"                                    short:"b"`
	DbDir          string  `long:"dbdir"          description:"The directory to store the ledger database within"`
	LogDir         string  `long:"logdir"         description:"Directory to log output."`
	DebugLog       bool    `long:"debuglog"       description:"Enable debug logs"`
	JSONLog        bool    `long:"jsonlog"        description:"Whether to log in JSON format"`
	MaxLogFiles    int     `long:"maxlogfiles"    description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int     `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	MetricsPort    *uint16 `long:"metrics-port"   description:"The port to expose metrics"`

	Ledger LedgerConfig  `group:"Ledger"`
	Issuer issuer.Config `group:"Issuer"`
}

//nolint:lll
type LedgerConfig struct {
	GenesisMessage string        `long:"genesis-message" description:"The message recorded in the genesis block of a new ledger"`
	AuditInterval  time.Duration `long:"audit-interval"  description:"The interval between full chain audits while serving"`
}

// DefaultConfig returns a config with default hardcoded values.
func DefaultConfig() *Config {
	baseDir := "./certchain"
	if dataDir, err := os.UserHomeDir(); err == nil {
		baseDir = filepath.Join(dataDir, ".certchain")
	}

	return &Config{
		BaseDir:        baseDir,
		DataDir:        filepath.Join(baseDir, defaultDataDirname),
		DbDir:          filepath.Join(baseDir, defaultDbDirName),
		LogDir:         filepath.Join(baseDir, defaultLogDirname),
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		Ledger: LedgerConfig{
			GenesisMessage: ledger.DefaultGenesisMessage,
			AuditInterval:  defaultAuditInterval,
		},
		Issuer: issuer.DefaultConfig(),
	}
}

// ParseFlags pre-parses the command line, only to pick up options that
// affect where the rest of the configuration comes from. Commands and
// unknown options are left for the full parse.
func ParseFlags(preCfg *Config, args []string) (*Config, error) {
	parser := flags.NewParser(preCfg, flags.IgnoreUnknown)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	return preCfg, nil
}

// ReadConfigFile reads config from an ini file.
// It uses the provided `cfg` as a base config and overrides it with the values
// from the config file.
func ReadConfigFile(cfg *Config) (*Config, error) {
	if cfg.ConfigFile == "" {
		return cfg, nil
	}
	logging.FromContext(context.Background()).Sugar().Debugf("reading config from %s", cfg.ConfigFile)
	if err := flags.IniParse(cfg.ConfigFile, cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %v: %w", cfg.ConfigFile, err)
	}

	return cfg, nil
}

// SetupConfig expands paths and initializes filesystem.
func SetupConfig(cfg *Config) (*Config, error) {
	// If the provided base directory is not the default, we'll modify the
	// path to all of the files and directories that will live within it.
	defaultCfg := DefaultConfig()
	if cfg.BaseDir != defaultCfg.BaseDir {
		if cfg.DataDir == defaultCfg.DataDir {
			cfg.DataDir = filepath.Join(cfg.BaseDir, defaultDataDirname)
		}
		if cfg.LogDir == defaultCfg.LogDir {
			cfg.LogDir = filepath.Join(cfg.BaseDir, defaultLogDirname)
		}
		if cfg.DbDir == defaultCfg.DbDir {
			cfg.DbDir = filepath.Join(cfg.BaseDir, defaultDbDirName)
		}
	}

	if err := os.MkdirAll(cfg.BaseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create %v: %w", cfg.BaseDir, err)
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.DbDir = cleanAndExpandPath(cfg.DbDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	return cfg, nil
}

// LogRotation is the log file rotation set up by the config.
func (c *Config) LogRotation() logging.Rotation {
	return logging.Rotation{MaxSize: c.MaxLogFileSize, MaxBackups: c.MaxLogFiles}
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		user, err := user.Current()
		if err == nil {
			homeDir = user.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
