package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/FollowMyVote/assistant/internal/assistant"
	"github.com/FollowMyVote/assistant/internal/chain"
	"github.com/FollowMyVote/assistant/internal/console"
	"github.com/FollowMyVote/assistant/internal/flow"
	"github.com/FollowMyVote/assistant/internal/keys"
	"github.com/FollowMyVote/assistant/internal/lockfile"
	"github.com/FollowMyVote/assistant/internal/models"
	"github.com/FollowMyVote/assistant/internal/provision"
	"github.com/FollowMyVote/assistant/internal/store"
	"github.com/FollowMyVote/assistant/internal/transport"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/mdp/qrterminal/v3"
	"github.com/mitchellh/go-homedir"
)

// Default configuration constants
const (
	// DefaultStateDir holds settings, the key wallet and the lock file.
	DefaultStateDir = "~/.assistant"
	// DefaultDBFileName is the SQLite settings database in the state directory.
	DefaultDBFileName = "assistant.db"
	// WalletDirName is the badger key wallet directory in the state directory.
	WalletDirName = "wallet"
	// DefaultLogLevel keeps logs out of the way of the dialog.
	DefaultLogLevel = "warn"
)

var errNoVoterKey = errors.New("no voter key has been created yet")

func main() {
	config, err := loadEnvironmentConfig()
	if err != nil {
		initializeLogger(DefaultLogLevel)
		slog.Error("Failed to load environment configuration", "error", err)
		os.Exit(1)
	}

	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		initializeLogger(DefaultLogLevel)
		slog.Error("Failed to parse command line flags", "error", err)
		os.Exit(2)
	}
	initializeLogger(flags.logLevel)

	if err := run(flags); err != nil {
		slog.Error("Assistant failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Assistant exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string        `env:"ASSISTANT_STATE_DIR"`
	DatabaseURL      string        `env:"DATABASE_URL"`
	DispatchEndpoint string        `env:"DISPATCH_ENDPOINT"`
	DispatchKey      string        `env:"DISPATCH_PUBLIC_KEY"`
	ExchangeTimeout  time.Duration `env:"EXCHANGE_TIMEOUT" envDefault:"10s"`
	NodeTimeout      time.Duration `env:"NODE_TIMEOUT" envDefault:"10s"`
	RequestTimeout   time.Duration `env:"NODE_REQUEST_TIMEOUT" envDefault:"10s"`
	RetryDelay       time.Duration `env:"RETRY_DELAY" envDefault:"5s"`
	HighLatency      time.Duration `env:"HIGH_LATENCY" envDefault:"2s"`
	SyncInterval     time.Duration `env:"SYNC_INTERVAL" envDefault:"2500ms"`
	StaleAfter       time.Duration `env:"STALE_AFTER" envDefault:"10s"`
	ManualNode       bool          `env:"ASSISTANT_MANUAL_NODE"`
	LogLevel         string        `env:"LOG_LEVEL"`
}

// Flags holds command line flag values
type Flags struct {
	stateDir         string
	dbDSN            string
	dispatchEndpoint string
	dispatchKey      string
	manualNode       bool
	showKey          bool
	showSettings     bool
	forgetNode       bool
	logLevel         string

	exchangeTimeout time.Duration
	nodeTimeout     time.Duration
	requestTimeout  time.Duration
	retryDelay      time.Duration
	highLatency     time.Duration
	syncInterval    time.Duration
	staleAfter      time.Duration
}

// initializeLogger sets up structured logging on stderr so it stays out of
// the dialog on stdout.
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	var config Config
	if err := env.Parse(&config); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	stateDir, err := homedir.Expand(config.StateDir)
	if err != nil {
		return Config{}, fmt.Errorf("failed to resolve state directory %s: %w", config.StateDir, err)
	}
	config.StateDir = stateDir

	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
	}
	if config.LogLevel == "" {
		config.LogLevel = DefaultLogLevel
	}

	slog.Debug("environment variables loaded",
		"ASSISTANT_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"DISPATCH_ENDPOINT", config.DispatchEndpoint,
		"ASSISTANT_MANUAL_NODE", config.ManualNode)
	return config, nil
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	var flags Flags
	fs := flag.NewFlagSet("assistant", flag.ContinueOnError)
	fs.StringVar(&flags.stateDir, "state-dir", config.StateDir, "state directory for settings and keys (overrides $ASSISTANT_STATE_DIR)")
	fs.StringVar(&flags.dbDSN, "db-dsn", config.DatabaseURL, "settings database DSN or SQLite path (overrides $DATABASE_URL)")
	fs.StringVar(&flags.dispatchEndpoint, "dispatch-endpoint", config.DispatchEndpoint, "dispatch server host:port (overrides $DISPATCH_ENDPOINT)")
	fs.StringVar(&flags.dispatchKey, "dispatch-key", config.DispatchKey, "dispatch server public key (overrides $DISPATCH_PUBLIC_KEY)")
	fs.BoolVar(&flags.manualNode, "manual-node", config.ManualNode, "ask for a blockchain node address instead of an invite code")
	fs.BoolVar(&flags.showKey, "show-key", false, "print the voter public key as a QR code and exit")
	fs.BoolVar(&flags.showSettings, "show-settings", false, "print stored settings and exit")
	fs.BoolVar(&flags.forgetNode, "forget-node", false, "forget the stored blockchain node so the next run starts onboarding again, then exit")
	fs.StringVar(&flags.logLevel, "log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)")
	fs.DurationVar(&flags.exchangeTimeout, "exchange-timeout", config.ExchangeTimeout, "dispatch and deployment exchange timeout")
	fs.DurationVar(&flags.nodeTimeout, "node-timeout", config.NodeTimeout, "blockchain node probe timeout")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	flags.requestTimeout = config.RequestTimeout
	flags.retryDelay = config.RetryDelay
	flags.highLatency = config.HighLatency
	flags.syncInterval = config.SyncInterval
	flags.staleAfter = config.StaleAfter

	// Follow an overridden state directory unless the DSN was set explicitly.
	defaultDSN := filepath.Join(config.StateDir, DefaultDBFileName)
	if flags.dbDSN == defaultDSN && flags.stateDir != config.StateDir {
		flags.dbDSN = filepath.Join(flags.stateDir, DefaultDBFileName)
	}

	slog.Debug("flags parsed",
		"stateDir", flags.stateDir,
		"dbDSN_set", flags.dbDSN != "",
		"dispatchEndpoint", flags.dispatchEndpoint,
		"manualNode", flags.manualNode,
		"showKey", flags.showKey,
		"showSettings", flags.showSettings,
		"forgetNode", flags.forgetNode)
	return flags, nil
}

// run wires the assistant and drives it until the app opens or a signal
// arrives.
func run(flags Flags) error {
	lock, err := lockfile.Acquire(flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := ensureDirectoriesExist(flags); err != nil {
		return err
	}
	st, err := store.Open(flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()
	settings := store.NewSettings(st)

	if flags.showSettings {
		return printSettings(os.Stdout, settings)
	}
	if flags.showKey {
		return showVoterKey(os.Stdout, settings)
	}
	if flags.forgetNode {
		return forgetNode(os.Stdout, settings)
	}

	wallet, err := keys.OpenBadgerWallet(filepath.Join(flags.stateDir, WalletDirName))
	if err != nil {
		return err
	}
	defer wallet.Close()
	keyManager := keys.NewManager(wallet)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	loop := flow.NewLoop()
	post := func(fn func()) {
		if !loop.Post(fn) {
			slog.Debug("Dropped event posted after shutdown")
		}
	}
	timers := flow.NewPhaseTimer(post)
	defer stopTimers(timers)

	presenter := console.NewPresenter(os.Stdout, post)
	session := transport.NewTLSSession(keyManager, post)
	defer session.Close()
	engine := provision.NewEngine(provision.Config{
		DispatchEndpoint: flags.dispatchEndpoint,
		DispatchKey:      flags.dispatchKey,
		Timeout:          flags.exchangeTimeout,
	}, session, keyManager, settings, timers)

	deps := assistant.Deps{
		Presenter:   presenter,
		Settings:    settings,
		Timers:      timers,
		Provisioner: engine,
		Launcher:    &appLauncher{post: post, done: cancel, out: os.Stdout},
	}
	node, err := chain.NewNodeClient(post, buildNodeOptions(flags)...)
	if err != nil {
		slog.Error("Failed to create blockchain node client", "error", err)
	} else {
		deps.Node = node
		defer node.Disconnect()
	}

	a := assistant.New(buildAssistantConfig(flags), deps)
	engine.SetListener(a)
	if node != nil {
		node.SetListener(a.Monitor())
	}

	go func() {
		if err := console.ReadInput(ctx, os.Stdin, post, presenter, a.Progress, a.Regress); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Console input failed", "error", err)
		}
	}()

	post(a.Start)
	slog.Info("Assistant started", "first_run", a.FirstRun(), "state_dir", flags.stateDir)
	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ensureDirectoriesExist creates the directory of a file-based settings database
func ensureDirectoriesExist(flags Flags) error {
	if flags.dbDSN == "" || store.DetectDSNType(flags.dbDSN) == "postgres" {
		return nil
	}
	dir := filepath.Dir(strings.TrimPrefix(flags.dbDSN, "file:"))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create settings directory %s: %w", dir, err)
	}
	slog.Debug("Settings directory ready", "dir", dir)
	return nil
}

// buildAssistantConfig constructs the dialog timing configuration
func buildAssistantConfig(flags Flags) assistant.Config {
	return assistant.Config{
		URLTimeout:     flags.nodeTimeout,
		ConnectTimeout: flags.nodeTimeout,
		RetryDelay:     flags.retryDelay,
		HighLatency:    flags.highLatency,
		ManualNode:     flags.manualNode,
	}
}

// buildNodeOptions constructs the blockchain node client configuration
func buildNodeOptions(flags Flags) []chain.NodeOption {
	opts := []chain.NodeOption{
		chain.WithSyncInterval(flags.syncInterval),
		chain.WithStaleAfter(flags.staleAfter),
	}
	if flags.requestTimeout > 0 {
		opts = append(opts, chain.WithHTTPClient(&http.Client{Timeout: flags.requestTimeout}))
	}
	return opts
}

// stopTimers cancels the timeouts still pending at shutdown and returns how
// many there were.
func stopTimers(timers *flow.PhaseTimer) int {
	active := timers.ListActive()
	for _, info := range active {
		slog.Debug("Dropping pending timeout at shutdown",
			"id", info.ID,
			"phase", info.Phase,
			"remaining", info.Remaining,
			"description", info.Description)
	}
	timers.Stop()
	return len(active)
}

// forgetNode clears the stored node URL. The voter key and name are kept.
func forgetNode(w io.Writer, settings *store.Settings) error {
	node := settings.Value(models.SettingBlockchainNodeURL)
	if node == "" {
		fmt.Fprintln(w, "No blockchain node is stored.")
		return nil
	}
	if err := settings.Clear(models.SettingBlockchainNodeURL); err != nil {
		return err
	}
	fmt.Fprintf(w, "Forgot blockchain node %s.\n", node)
	return nil
}

// printSettings writes every stored setting as key=value.
func printSettings(w io.Writer, settings *store.Settings) error {
	snapshot, err := settings.Snapshot()
	if err != nil {
		return err
	}
	for _, key := range store.SortedKeys(snapshot) {
		fmt.Fprintf(w, "%s=%s\n", key, snapshot[key])
	}
	return nil
}

// showVoterKey prints the voter public key and its QR code.
func showVoterKey(w io.Writer, settings *store.Settings) error {
	key := settings.Value(models.SettingVoterPublicKey)
	if key == "" {
		return errNoVoterKey
	}
	fmt.Fprintln(w, key)
	qrterminal.GenerateHalfBlock(key, qrterminal.L, w)
	return nil
}

// appLauncher stands in for the main application: onboarding ends when it
// opens.
type appLauncher struct {
	post func(func())
	done func()
	out  io.Writer
}

func (l *appLauncher) Prepare(done func(error)) {
	l.post(func() { done(nil) })
}

func (l *appLauncher) Open() {
	fmt.Fprintln(l.out, "\nOnboarding complete. Opening the app.")
	l.done()
}
