package commands

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/livetemplate/demoit"
	"github.com/livetemplate/demoit/internal/config"
	"github.com/livetemplate/demoit/internal/location"
	"github.com/livetemplate/demoit/internal/persist"
	"github.com/livetemplate/demoit/internal/remote"
	"github.com/livetemplate/demoit/internal/server"
)

// ServeCommand implements the serve command: it runs one editor session
// and serves it to editor clients.
func ServeCommand(args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	var (
		common commonFlags
		port   int
		host   string
		state  string
		mode   string
		watch  bool
		debug  bool
	)
	common.register(fs)
	fs.IntVarP(&port, "port", "p", 0, "port to listen on")
	fs.StringVar(&host, "host", "", "host to listen on")
	fs.StringVarP(&state, "state", "s", "", "bootstrap state resource (URL or path)")
	fs.StringVar(&mode, "mode", "", "production or development")
	fs.BoolVarP(&watch, "watch", "w", false, "reload clients when the local state file changes")
	fs.BoolVar(&debug, "debug", false, "verbose logging")
	fs.Usage = func() {
		fmt.Println("Usage: demoit serve [directory] [flags]")
		fs.PrintDefaults()
	}
	if ok, err := parse(fs, args); !ok {
		return err
	}

	dir, cfg, err := common.load(fs)
	if err != nil {
		return err
	}

	// CLI flags override config
	if fs.Changed("port") {
		cfg.Server.Port = port
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if state != "" {
		cfg.State = state
	}
	if mode != "" {
		if mode != string(persist.Production) && mode != string(persist.Development) {
			return fmt.Errorf("invalid mode %q: must be production or development", mode)
		}
		cfg.Mode = mode
	}
	if fs.Changed("watch") {
		cfg.Watch = watch
	}
	if debug {
		cfg.Server.Debug = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	profiles, err := openProfiles(dir, cfg)
	if err != nil {
		return err
	}
	defer profiles.Close()

	store, err := newRemote(cfg)
	if err != nil {
		return err
	}

	addr := cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
	loc, err := location.Parse(pageURL(addr, cfg.State))
	if err != nil {
		return fmt.Errorf("invalid state reference: %w", err)
	}

	hub := server.NewHub(cfg.Server.Debug)
	gateMode := persist.Development
	if cfg.IsProduction() {
		gateMode = persist.Production
	}

	opts := demoit.Options{
		Version:  cfg.Version,
		Location: loc,
		Profiles: profiles,
		Gate: persist.Options{
			Mode:        gateMode,
			MinInterval: cfg.Persist.GetMinInterval(),
			Dedupe:      cfg.Persist.IsDedupe(),
			Timeout:     cfg.Remote.GetTimeout(),
		},
		Cleanup:   hub.Cleanup,
		OnPersist: hub.Persisted,
		BaseDir:   dir,
		DemosTTL:  cfg.DemosCache.GetTTL(),
	}
	if store != nil {
		opts.Remote = store
	}

	session, err := demoit.New(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := session.Close(closeCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: pending saves were dropped: %v\n", err)
		}
	}()

	srv := server.New(session, hub, dir, cfg.Server.Debug)
	defer srv.Close()
	if store != nil {
		srv.ReportStore(store)
	}

	fmt.Printf("demoit editor server\n\n")
	fmt.Printf("Serving: %s\n", dir)
	fmt.Printf("Mode: %s\n", cfg.Mode)
	fmt.Printf("Files: %v\n", session.Files().Names())
	if p := session.Profile(); p != nil {
		fmt.Printf("Profile: %s\n", p.ID)
	}
	if store != nil {
		fmt.Printf("Demo store: %s\n", cfg.Remote.GetRemoteURL())
	}

	if cfg.Watch {
		if err := srv.EnableWatch(); err != nil {
			return fmt.Errorf("failed to enable watch mode: %w", err)
		}
	}

	limiter := server.NewRateLimiter(cfg.API.GetRateLimitRPS(), cfg.API.GetRateLimitBurst(), 0)
	go limiter.Run(ctx, 5*time.Minute)

	handler := server.SecurityHeadersMiddleware()(limiter.Middleware(server.WithCompression(srv)))

	fmt.Printf("\nServer running at http://%s (WebSocket: /ws)\n", addr)
	fmt.Printf("Press Ctrl+C to stop\n\n")

	return listenAndServe(ctx, &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	})
}

// newRemote creates the demo store client, or nil when no store is
// configured.
func newRemote(cfg *config.Config) (*remote.Client, error) {
	baseURL := cfg.Remote.GetRemoteURL()
	if baseURL == "" {
		return nil, nil
	}

	opts := remote.DefaultOptions()
	opts.Timeout = cfg.Remote.GetTimeout()
	opts.Retry.MaxRetries = cfg.Remote.GetRetryMaxRetries()
	opts.Retry.BaseDelay = cfg.Remote.GetRetryBaseDelay()
	opts.Retry.MaxDelay = cfg.Remote.GetRetryMaxDelay()

	client, err := remote.NewClient(baseURL, opts)
	if err != nil {
		return nil, fmt.Errorf("invalid demo store: %w", err)
	}
	return client, nil
}

// pageURL is the address of the editor page, carrying the bootstrap state
// reference as a query parameter.
func pageURL(addr, state string) string {
	u := url.URL{Scheme: "http", Host: addr, Path: "/"}
	if state != "" {
		u.RawQuery = url.Values{demoit.StateParam: {state}}.Encode()
	}
	return u.String()
}
