package commands

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/livetemplate/demoit/internal/config"
	"github.com/livetemplate/demoit/internal/profile"
)

// shutdownTimeout bounds graceful shutdown of a server.
const shutdownTimeout = 10 * time.Second

// commonFlags are shared by every command that reads demoit.yaml.
type commonFlags struct {
	configPath string
}

func (c *commonFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&c.configPath, "config", "c", "", "path to demoit.yaml (default: <dir>/demoit.yaml)")
}

// load returns the directory named by the first argument, the current
// directory by default, and its configuration.
func (c *commonFlags) load(fs *pflag.FlagSet) (string, *config.Config, error) {
	dir := "."
	if fs.NArg() > 0 {
		dir = fs.Arg(0)
	}
	return c.loadDir(dir)
}

// loadFromCwd is load for commands whose arguments are not a directory.
func loadFromCwd(c *commonFlags) (string, *config.Config, error) {
	return c.loadDir(".")
}

func (c *commonFlags) loadDir(dir string) (string, *config.Config, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return "", nil, fmt.Errorf("directory does not exist: %s", dir)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	var cfg *config.Config
	if c.configPath != "" {
		cfg, err = config.Load(c.configPath)
		if err == nil {
			fmt.Printf("Using config: %s\n", c.configPath)
		}
	} else {
		cfg, err = config.LoadFromDir(absDir)
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to load config: %w", err)
	}
	return absDir, cfg, nil
}

// resolve makes a config path relative to dir.
func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

func openProfiles(dir string, cfg *config.Config) (*profile.SQLiteStore, error) {
	return profile.OpenSQLite(resolve(dir, cfg.Profile.GetDB()))
}

// parse parses args, treating --help as a clean exit.
func parse(fs *pflag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// listenAndServe runs srv until ctx is cancelled, then shuts it down.
func listenAndServe(ctx context.Context, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Printf("[Server] Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func init() {
	log.SetFlags(0) // Remove timestamp from logs
}
