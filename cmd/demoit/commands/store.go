package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/livetemplate/demoit/internal/demostore"
	"github.com/livetemplate/demoit/internal/server"
)

// StoreCommand implements the store command: it serves the demo store API
// that editor sessions save to.
func StoreCommand(args []string) error {
	fs := pflag.NewFlagSet("store", pflag.ContinueOnError)
	var (
		common commonFlags
		port   int
		host   string
		driver string
		dsn    string
		secret string
	)
	common.register(fs)
	fs.IntVarP(&port, "port", "p", 8090, "port to listen on")
	fs.StringVar(&host, "host", "", "host to listen on (default: server.host)")
	fs.StringVar(&driver, "driver", "", "sqlite or postgres")
	fs.StringVar(&dsn, "dsn", "", "database path or connection string")
	fs.StringVar(&secret, "secret", "", "HS256 secret for bearer tokens")
	fs.Usage = func() {
		fmt.Println("Usage: demoit store [directory] [flags]")
		fs.PrintDefaults()
	}
	if ok, err := parse(fs, args); !ok {
		return err
	}

	dir, cfg, err := common.load(fs)
	if err != nil {
		return err
	}

	if driver != "" {
		cfg.Store.Driver = driver
	}
	if dsn != "" {
		cfg.Store.DSN = dsn
	}
	if secret != "" {
		cfg.Store.JWTSecret = secret
	}
	if host == "" {
		host = cfg.Server.Host
	}
	if err := cfg.Store.Validate(); err != nil {
		return err
	}

	storeDSN := cfg.Store.GetDSN()
	if cfg.Store.GetDriver() == "sqlite" {
		storeDSN = resolve(dir, storeDSN)
	}
	store, err := demostore.Open(cfg.Store.GetDriver(), storeDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	auth, err := server.NewAuthenticator(cfg.Store.GetJWTSecret())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter := server.NewRateLimiter(cfg.API.GetRateLimitRPS(), cfg.API.GetRateLimitBurst(), 0)
	go limiter.Run(ctx, 5*time.Minute)

	handler := server.SecurityHeadersMiddleware()(
		limiter.Middleware(server.WithCompression(server.NewStoreHandler(store, auth))))

	addr := host + ":" + strconv.Itoa(port)
	fmt.Printf("demoit store (%s)\n", cfg.Store.GetDriver())
	fmt.Printf("API running at http://%s/api/demos\n", addr)
	fmt.Printf("Press Ctrl+C to stop\n\n")

	return listenAndServe(ctx, &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	})
}
