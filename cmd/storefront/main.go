// Package main provides the CLI entry point for the storefront client.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/example/storefront/internal/apperror"
	"github.com/example/storefront/internal/cart"
	"github.com/example/storefront/internal/catalog"
	"github.com/example/storefront/internal/client"
	"github.com/example/storefront/internal/config"
	"github.com/example/storefront/internal/logger"
	"github.com/example/storefront/internal/metrics"
	"github.com/example/storefront/internal/mockapi"
	"github.com/example/storefront/internal/order"
	"github.com/example/storefront/internal/session"
)

// Version information (populated at build time)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type options struct {
	configDir      string
	mock           bool
	user           string
	password       string
	prometheusAddr string
	verbose        bool
	showVersion    bool
	page           int
	limit          int
	status         string
}

func newFlagSet(stderr io.Writer) (*flag.FlagSet, *options) {
	opts := &options{}
	fs := flag.NewFlagSet("storefront", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opts.configDir, "config", "", "Directory containing storefront.toml")
	fs.StringVar(&opts.configDir, "c", "", "Directory containing storefront.toml (shorthand)")
	fs.BoolVar(&opts.mock, "mock", false, "Run against an in-process mock backend")
	fs.StringVar(&opts.user, "user", "", "Account email")
	fs.StringVar(&opts.user, "u", "", "Account email (shorthand)")
	fs.StringVar(&opts.password, "password", "", "Account password")
	fs.StringVar(&opts.prometheusAddr, "prometheus", "", "Prometheus metrics endpoint (e.g., :9090 or localhost:9090)")
	fs.BoolVar(&opts.verbose, "verbose", false, "Enable debug logging")
	fs.BoolVar(&opts.verbose, "v", false, "Enable debug logging (shorthand)")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version information")
	fs.IntVar(&opts.page, "page", 1, "Page number for list commands")
	fs.IntVar(&opts.limit, "limit", 0, "Page size for list commands")
	fs.StringVar(&opts.status, "status", "", "Order status filter for the orders command")

	fs.Usage = func() { printUsage(stderr) }
	return fs, opts
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Storefront - command line client for the storefront API

USAGE:
    storefront [options] <command> [args]

DESCRIPTION:
    Signs in to the storefront backend and prints orders, the cart or a
    category's products as JSON. Expired sessions are refreshed once and
    replayed; transient gateway errors on idempotent requests are retried.

COMMANDS:
    orders                List your orders (newest first)
    order <id>            Show one order with its parcels
    cart                  Show your cart
    category <slug|id>    List products in a category (no sign-in needed)

OPTIONS:
    -config, -c <dir>     Directory containing storefront.toml
    -mock                 Start an in-process mock backend and use its demo account
    -user, -u <email>     Account email (or STOREFRONT_USER)
    -password <secret>    Account password (or STOREFRONT_PASSWORD)
    -page <n>             Page number for list commands
    -limit <n>            Page size for list commands
    -status <status>      Only list orders with this status
    -prometheus <addr>    Enable Prometheus metrics endpoint (e.g., :9090)
    -verbose, -v          Enable debug logging
    -version              Show version information
    -help, -h             Show this help message

ENVIRONMENT:
    Every configuration key can be set with a STOREFRONT_ prefixed variable,
    e.g. STOREFRONT_API_BASE_URL=https://shop.example.com

EXAMPLES:
    # Try the client without a backend
    storefront -mock orders

    # Browse a category
    storefront -config ~/.config/storefront category electronics

    # Show one order
    storefront -user buyer@example.com -password secret order 65f1c0ffee
`)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// app holds the wired client and its state holders for one invocation.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *metrics.Metrics
	api     *client.Client
	orders  *order.Reconciler
	cart    *cart.Cart
	catalog *catalog.Service
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, opts := newFlagSet(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if opts.showVersion {
		fmt.Fprintf(stdout, "storefront %s (built %s, commit %s)\n", version, buildTime, gitCommit)
		return 0
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, "Error: a command is required")
		fmt.Fprintln(stderr, "")
		printUsage(stderr)
		return 2
	}

	a, err := setup(opts, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close()

	result, err := a.dispatch(ctx, opts, rest[0], rest[1:])
	if err != nil {
		return reportError(stderr, err)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fmt.Fprintf(stderr, "Error writing output: %v\n", err)
		return 1
	}
	return 0
}

func setup(opts *options, stderr io.Writer) (*app, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configDir != "" {
		cfg, err = config.Load(opts.configDir)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if opts.verbose {
		cfg.Log.Level = "debug"
	}

	log, err := logger.New(loggerConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	a := &app{cfg: cfg, log: log}
	a.closers = append(a.closers, func() { _ = log.Sync() })

	if opts.mock {
		baseURL, shutdown, err := startMock(log)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, shutdown)
		cfg.API.BaseURL = baseURL
		if opts.user == "" {
			opts.user = mockapi.DemoEmail
			opts.password = mockapi.DemoPassword
		}
	}

	a.metrics = metrics.New(strings.ReplaceAll(cfg.App.Name, "-", "_"))
	addr := opts.prometheusAddr
	if addr == "" && cfg.Metrics.Enabled {
		addr = cfg.Metrics.Addr
	}
	if addr != "" {
		a.closers = append(a.closers, serveMetrics(addr, a.metrics, log, stderr))
	}

	clientOpts := []client.Option{
		client.WithLogger(log),
		client.WithMetrics(a.metrics),
		client.WithCircuitBreaker(cfg.Breaker),
	}
	if cfg.API.QPS > 0 {
		clientOpts = append(clientOpts, client.WithRateLimit(cfg.API.QPS, cfg.API.Burst))
	}
	if cfg.Auth.RefreshTokenFile != "" {
		clientOpts = append(clientOpts, client.WithRefreshStore(session.NewFileRefreshStore(cfg.Auth.RefreshTokenFile)))
	}
	api, err := client.New(cfg.API, cfg.Auth, clientOpts...)
	if err != nil {
		a.close()
		return nil, err
	}
	a.api = api

	cacheOpts := []catalog.Option{catalog.WithLogger(log), catalog.WithMetrics(a.metrics)}
	if cfg.Redis.Enabled {
		store, err := catalog.NewRedisStore(cfg.Redis)
		if err != nil {
			log.Warn("Shared category cache unavailable, using memory only", zap.Error(err))
		} else {
			cacheOpts = append(cacheOpts, catalog.WithStore(store))
			a.closers = append(a.closers, func() { _ = store.Close() })
		}
	}
	cache := catalog.NewCache(catalog.Config{
		MaxAge:               cfg.CategoryCache.MaxAge,
		MaxSize:              cfg.CategoryCache.MaxSize,
		DebounceTime:         cfg.CategoryCache.DebounceTime,
		StaleWhileRevalidate: cfg.CategoryCache.StaleWhileRevalidate,
	}, cacheOpts...)
	a.closers = append(a.closers, cache.Wait)

	a.orders = order.NewReconciler(api, order.WithLogger(log))
	a.cart = cart.New(api, cart.WithLogger(log), cart.WithMetrics(a.metrics), cart.WithBatchWindow(cfg.Cart.BatchWindow))
	a.catalog = catalog.NewService(api, cache, log)

	api.OnLogout(a.orders.Reset)
	api.OnLogout(a.cart.Reset)
	api.OnLogout(cache.Clear)
	return a, nil
}

// loggerConfig starts from the environment's defaults and applies configured overrides.
func loggerConfig(cfg *config.Config) logger.Config {
	out := logger.DefaultConfig()
	if cfg.IsProduction() {
		out = logger.ProductionConfig()
	}
	if cfg.Log.Level != "" {
		out.Level = cfg.Log.Level
	}
	if cfg.Log.Format != "" {
		out.Format = cfg.Log.Format
	}
	if cfg.Log.Output != "" {
		out.Output = cfg.Log.Output
	}
	if cfg.Log.TimeFormat != "" {
		out.TimeFormat = cfg.Log.TimeFormat
	}
	return out
}

func (a *app) dispatch(ctx context.Context, opts *options, cmd string, args []string) (any, error) {
	switch cmd {
	case "category":
		if len(args) != 1 {
			return nil, usageError("category requires a slug or id")
		}
		if _, err := a.catalog.LoadCategories(ctx); err != nil {
			a.log.Debug("Category list unavailable, using the argument as a name", zap.Error(err))
		}
		query := url.Values{}
		if opts.page > 1 {
			query.Set("page", strconv.Itoa(opts.page))
		}
		if opts.limit > 0 {
			query.Set("limit", strconv.Itoa(opts.limit))
		}
		return a.catalog.CategoryProducts(ctx, args[0], query)

	case "orders", "order", "cart":
		if err := a.signIn(ctx, opts); err != nil {
			return nil, err
		}
	default:
		return nil, usageError(fmt.Sprintf("unknown command %q", cmd))
	}

	switch cmd {
	case "orders":
		list, pg, err := a.orders.Fetch(ctx, order.ListParams{Page: opts.page, Limit: opts.limit, Status: opts.status})
		if err != nil {
			return nil, err
		}
		return map[string]any{"orders": list, "pagination": pg}, nil
	case "order":
		if len(args) != 1 {
			return nil, usageError("order requires an order id")
		}
		return a.orders.FetchByID(ctx, args[0], false)
	default:
		return a.cart.Fetch(ctx)
	}
}

func (a *app) signIn(ctx context.Context, opts *options) error {
	email, password := opts.user, opts.password
	if email == "" {
		email = os.Getenv("STOREFRONT_USER")
	}
	if password == "" {
		password = os.Getenv("STOREFRONT_PASSWORD")
	}
	if email == "" {
		return usageError("-user is required for this command")
	}
	user, err := a.api.Login(ctx, email, password)
	if err != nil {
		return err
	}
	a.log.Debug("Signed in", zap.String("user_id", user.ID), zap.String("role", user.Role))
	return nil
}

type usageError string

func (e usageError) Error() string { return string(e) }

func reportError(stderr io.Writer, err error) int {
	var ue usageError
	if errors.As(err, &ue) {
		fmt.Fprintf(stderr, "Error: %s\n", ue)
		return 2
	}
	appErr := apperror.Classify(err)
	if appErr.Status > 0 {
		fmt.Fprintf(stderr, "Error: %s (HTTP %d, %s)\n", appErr.Message, appErr.Status, appErr.Code)
	} else {
		fmt.Fprintf(stderr, "Error: %s\n", appErr.Message)
	}
	return 1
}

// startMock serves the mock backend on a loopback port and returns its base URL.
func startMock(log *zap.Logger) (string, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, fmt.Errorf("starting mock backend: %w", err)
	}
	srv := &http.Server{
		Handler:           mockapi.New(mockapi.WithLogger(log)).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Mock backend stopped", zap.Error(err))
		}
	}()
	log.Debug("Mock backend listening", zap.String("addr", ln.Addr().String()))

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return "http://" + ln.Addr().String(), shutdown, nil
}

func serveMetrics(addr string, m *metrics.Metrics, log *zap.Logger, stderr io.Writer) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: normalizeAddr(addr), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "Warning: metrics endpoint failed: %v\n", err)
		}
	}()
	log.Info("Prometheus metrics enabled", zap.String("addr", srv.Addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// normalizeAddr accepts a bare port ("9090") as well as host:port forms.
func normalizeAddr(addr string) string {
	if !strings.Contains(addr, ":") {
		return ":" + addr
	}
	return addr
}
