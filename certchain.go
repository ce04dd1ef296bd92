package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/spacemeshos/certchain/logging"
	"github.com/spacemeshos/certchain/server"
)

// certchain binary version.
// It should be passed during the build with '-ldflags "-X main.version="'.
var version = "unknown"

// app carries the resolved configuration to the commands.
type app struct {
	cfg *server.Config
	out io.Writer
}

func (a *app) logger(serving bool) *zap.Logger {
	level := zap.WarnLevel
	if serving {
		level = zap.InfoLevel
	}
	if a.cfg.DebugLog {
		level = zap.DebugLevel
	}
	return logging.New(level, filepath.Join(a.cfg.LogDir, "certchain.log"), a.cfg.JSONLog, a.cfg.LogRotation())
}

// run opens the server state, runs fn with a request scoped logger and
// prints its result as JSON.
func (a *app) run(name string, fn func(ctx context.Context, srv *server.Server) (any, error)) error {
	logger := a.logger(false).Named(name).With(zap.Stringer("request_id", uuid.New()))
	defer logger.Sync() //nolint:errcheck
	ctx := logging.NewContext(context.Background(), logger)

	srv, err := server.New(ctx, *a.cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Error("failed to close server", zap.Error(err))
		}
	}()

	result, err := fn(ctx, srv)
	if err != nil {
		logger.Info("FAILURE", zap.Error(err))
		return err
	}
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// certchainMain is the true entry point for certchain. This function is
// required since defers created in the top-level scope of a main method
// aren't executed if os.Exit() is called.
func certchainMain(args []string, out io.Writer) error {
	var err error
	// Start with a default Config with sane settings
	cfg := server.DefaultConfig()
	// Pre-parse the command line to check for an alternative Config file
	cfg, err = server.ParseFlags(cfg, args)
	if err != nil {
		return err
	}
	// Load configuration file overwriting defaults with any specified options
	cfg, err = server.ReadConfigFile(cfg)
	if err != nil {
		return err
	}
	cfg, err = server.SetupConfig(cfg)
	if err != nil {
		return err
	}

	// Finally, parse the command line again to ensure the options
	// take precedence and run the selected command.
	parser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
	if err := addCommands(parser, &app{cfg: cfg, out: out}); err != nil {
		return err
	}
	_, err = parser.ParseArgs(args)
	return err
}

func main() {
	// Call the "real" main in a nested manner so the defers will properly
	// be executed in the case of a graceful shutdown.
	if err := certchainMain(os.Args[1:], os.Stdout); err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			_, _ = fmt.Fprintln(os.Stdout, err)
			return
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
