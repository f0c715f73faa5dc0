package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/livetemplate/demoit/internal/profile"
	"github.com/livetemplate/demoit/internal/server"
)

// TokenCommand prints a bearer token for a profile, signed with the store
// secret.
func TokenCommand(args []string) error {
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	var (
		common commonFlags
		secret string
		ttl    time.Duration
	)
	common.register(fs)
	fs.StringVar(&secret, "secret", "", "HS256 secret (default: store.jwt_secret)")
	fs.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	fs.Usage = func() {
		fmt.Println("Usage: demoit token <profile-id> [flags]")
		fs.PrintDefaults()
	}
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: demoit token <profile-id>")
	}
	profileID := fs.Arg(0)

	if secret == "" {
		_, cfg, err := loadFromCwd(&common)
		if err != nil {
			return err
		}
		secret = cfg.Store.GetJWTSecret()
	}

	auth, err := server.NewAuthenticator(secret)
	if err != nil {
		return err
	}
	token, err := auth.Issue(profileID, ttl)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Println(token)
	return nil
}

// LoginCommand stores a profile for later editor sessions.
func LoginCommand(args []string) error {
	fs := pflag.NewFlagSet("login", pflag.ContinueOnError)
	var (
		common commonFlags
		name   string
	)
	common.register(fs)
	fs.StringVar(&name, "name", "", "display name")
	fs.Usage = func() {
		fmt.Println("Usage: demoit login <profile-id> <token> [flags]")
		fs.PrintDefaults()
	}
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: demoit login <profile-id> <token>")
	}

	p := &profile.Profile{ID: fs.Arg(0), Token: fs.Arg(1), Name: name}
	if p.Expired(time.Now()) {
		return fmt.Errorf("token for %s has expired", p.ID)
	}

	dir, cfg, err := loadFromCwd(&common)
	if err != nil {
		return err
	}
	store, err := openProfiles(dir, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Save(context.Background(), p); err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	fmt.Printf("Logged in as %s\n", p.ID)
	return nil
}

// LogoutCommand removes the stored profile.
func LogoutCommand(args []string) error {
	fs := pflag.NewFlagSet("logout", pflag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	if ok, err := parse(fs, args); !ok {
		return err
	}

	dir, cfg, err := loadFromCwd(&common)
	if err != nil {
		return err
	}
	store, err := openProfiles(dir, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Clear(context.Background()); err != nil {
		return fmt.Errorf("failed to clear profile: %w", err)
	}
	fmt.Println("Logged out")
	return nil
}
