package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/isca/internal/action"
	"github.com/mattjoyce/isca/internal/config"
	"github.com/mattjoyce/isca/internal/githubapi"
	"github.com/mattjoyce/isca/internal/lock"
	"github.com/mattjoyce/isca/internal/log"
	"github.com/mattjoyce/isca/internal/prompt"
	"github.com/mattjoyce/isca/internal/registrar"
	"github.com/mattjoyce/isca/internal/state"
	"github.com/mattjoyce/isca/internal/storage"
	"github.com/mattjoyce/isca/internal/webhook"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// signalContext is swapped out by tests.
var signalContext = func() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "start":
		if hasHelpFlag(args) {
			printStartHelp()
			return 0
		}
		return runStart(args)
	case "serve":
		if hasHelpFlag(args) {
			printServeHelp()
			return 0
		}
		return runServe(args)
	case "hook":
		return runHookNoun(args)
	case "sign":
		return runSign(args)
	case "secret":
		return runSecretNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`isca - register a push webhook and receive its signed deliveries

Usage:
  isca <command> [flags]

Commands:
  start             Register the webhook, then serve deliveries until stopped
  serve             Serve deliveries for an already registered webhook
  hook create       Register the webhook only
  hook list         Show webhooks on the repository
  hook delete <id>  Remove a webhook
  sign              Compute signature headers for a payload
  secret generate   Print a random shared secret
  version           Show version information
  help              Show this help message

Credentials are read from the env file (.env), then the environment, then
an interactive prompt:
  GITHUB_ACCESS_TOKEN  REPOSITORY_NAME  WEBHOOK_SECRET  CALLBACK_URL
  BEFORE_ACTION (optional)  AFTER_ACTION (optional)
`)
}

func printStartHelp() {
	fmt.Println("Usage: isca start [--config PATH] [--env-file PATH] [--no-prompt]")
}

func printServeHelp() {
	fmt.Println("Usage: isca serve [--config PATH] [--env-file PATH] [--no-prompt]")
}

func printHookNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: isca hook <action>")
	fmt.Fprintln(w, "Actions: create, list, delete <id>")
}

func printSecretNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: isca secret generate [--bytes N]")
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// --- RUNTIME ---

type commonFlags struct {
	configPath string
	envFile    string
	noPrompt   bool
}

func bindCommonFlags(fs *flag.FlagSet) *commonFlags {
	f := &commonFlags{}
	fs.StringVar(&f.configPath, "config", "", "Path to isca.yaml")
	fs.StringVar(&f.envFile, "env-file", config.DefaultEnvFile, "Path to the dotenv file")
	fs.BoolVar(&f.noPrompt, "no-prompt", false, "Fail instead of prompting for missing settings")
	return f
}

type app struct {
	settings *config.Settings
	creds    config.Credentials
}

func loadApp(ctx context.Context, f *commonFlags) (*app, error) {
	settings, err := config.LoadSettings(f.configPath)
	if err != nil {
		return nil, err
	}
	log.Setup(settings.Service.LogLevel, settings.Service.LogFormat)

	sources := []config.Source{
		config.DotenvSource{Path: f.envFile},
		config.EnvSource{},
	}
	if !f.noPrompt {
		sources = append(sources, prompt.NewSource(os.Stdin, os.Stderr))
	}

	values, err := config.NewProvider(log.WithComponent("config"), sources...).Resolve(ctx, config.DefaultSchema())
	if err != nil {
		return nil, err
	}
	creds, err := config.NewCredentials(values)
	if err != nil {
		return nil, err
	}
	return &app{settings: settings, creds: creds}, nil
}

func (a *app) openLedger(ctx context.Context) (*state.HookLedger, func(), error) {
	db, err := storage.OpenLedgerDB(ctx, a.settings.State.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open hook ledger: %w", err)
	}
	return state.NewHookLedger(db), func() { _ = db.Close() }, nil
}

func (a *app) newRegistrar(ledger registrar.Ledger) *registrar.Registrar {
	client := githubapi.New(
		githubapi.WithTimeout(a.settings.GitHub.Timeout),
		githubapi.WithLogger(log.WithComponent("githubapi")),
	)
	return registrar.New(client, ledger, registrar.Options{
		APIBase:     a.settings.GitHub.APIURL,
		Idempotent:  a.settings.GitHub.Idempotent,
		MaxAttempts: a.settings.GitHub.Retry.MaxAttempts,
		BackoffBase: a.settings.GitHub.Retry.BackoffBase,
	}, log.WithComponent("registrar"))
}

// register creates the hook, recording it in the ledger when one can be opened.
func (a *app) register(ctx context.Context) (registrar.HookID, error) {
	logger := log.WithComponent("main")

	var ledger registrar.Ledger
	hl, closeLedger, err := a.openLedger(ctx)
	if err != nil {
		logger.Warn("hook ledger unavailable, continuing without it", "error", err)
	} else {
		defer closeLedger()
		ledger = hl
	}

	return a.newRegistrar(ledger).CreateHook(ctx, a.creds)
}

func (a *app) serve(ctx context.Context) error {
	cfg, err := webhook.FromSettings(a.creds, a.settings)
	if err != nil {
		return err
	}

	lockDir := filepath.Dir(a.settings.State.Path)
	l, err := lock.AcquireListenerLock(lockDir, cfg.Addr)
	if err != nil {
		return err
	}
	defer l.Release()

	runner := action.NewRunner(log.WithComponent("action"))
	rc := webhook.NewReceiver(cfg, runner, nil, log.WithComponent("receiver"))
	return rc.Start(ctx)
}

func reportError(prefix string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", prefix, err)

	var missing *config.MissingError
	if errors.As(err, &missing) {
		fmt.Fprintln(os.Stderr, "Hint: set them in .env or the environment, or run without --no-prompt")
	}
}

// --- COMMANDS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	common := bindCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := loadApp(ctx, common)
	if err != nil {
		reportError("Failed to load configuration", err)
		return 1
	}
	logger := log.WithComponent("main")
	logger.Info("isca starting", "version", version, "credentials", a.creds)

	id, err := a.register(ctx)
	if err != nil {
		logger.Error("webhook registration failed", "error", err)
		reportError("Registration failed", err)
		return 1
	}
	fmt.Printf("Registered webhook %s on %s\n", id, a.creds.Repository())

	if err := a.serve(ctx); err != nil {
		logger.Error("receiver stopped", "error", err)
		reportError("Receiver failed", err)
		return 1
	}
	logger.Info("isca stopped")
	return 0
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	common := bindCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := loadApp(ctx, common)
	if err != nil {
		reportError("Failed to load configuration", err)
		return 1
	}
	if err := a.serve(ctx); err != nil {
		reportError("Receiver failed", err)
		return 1
	}
	return 0
}

func runHookNoun(args []string) int {
	if len(args) < 1 {
		printHookNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printHookNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "create":
		return runHookCreate(args[1:])
	case "list":
		return runHookList(args[1:])
	case "delete":
		return runHookDelete(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown hook action: %s\n", args[0])
		return 1
	}
}

func runHookCreate(args []string) int {
	fs := flag.NewFlagSet("hook create", flag.ContinueOnError)
	common := bindCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := loadApp(ctx, common)
	if err != nil {
		reportError("Failed to load configuration", err)
		return 1
	}
	id, err := a.register(ctx)
	if err != nil {
		reportError("Registration failed", err)
		return 1
	}
	fmt.Printf("Registered webhook %s on %s\n", id, a.creds.Repository())
	return 0
}

type hookRow struct {
	ID                int64     `json:"id"`
	URL               string    `json:"url"`
	Active            bool      `json:"active"`
	Events            []string  `json:"events"`
	CreatedAt         time.Time `json:"created_at"`
	SecretFingerprint string    `json:"secret_fingerprint,omitempty"`
}

func runHookList(args []string) int {
	fs := flag.NewFlagSet("hook list", flag.ContinueOnError)
	common := bindCommonFlags(fs)
	jsonOut := fs.Bool("json", false, "Output hooks as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := loadApp(ctx, common)
	if err != nil {
		reportError("Failed to load configuration", err)
		return 1
	}

	hooks, err := a.newRegistrar(nil).ListHooks(ctx, a.creds)
	if err != nil {
		reportError("Failed to list hooks", err)
		return 1
	}

	fingerprints := map[int64]string{}
	if ledger, closeLedger, err := a.openLedger(ctx); err == nil {
		defer closeLedger()
		if records, err := ledger.List(ctx, a.creds.Repository()); err == nil {
			for _, r := range records {
				fingerprints[r.HookID] = r.SecretFingerprint
			}
		}
	}

	rows := make([]hookRow, 0, len(hooks))
	for _, h := range hooks {
		rows = append(rows, hookRow{
			ID:                h.ID,
			URL:               h.Config.URL,
			Active:            h.Active,
			Events:            h.Events,
			CreatedAt:         h.CreatedAt,
			SecretFingerprint: fingerprints[h.ID],
		})
	}

	if *jsonOut {
		data, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render hooks JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tURL\tACTIVE\tEVENTS\tFINGERPRINT")
	for _, r := range rows {
		fp := r.SecretFingerprint
		if fp == "" {
			fp = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%t\t%s\t%s\n", r.ID, r.URL, r.Active, strings.Join(r.Events, ","), fp)
	}
	_ = tw.Flush()
	return 0
}

func runHookDelete(args []string) int {
	fs := flag.NewFlagSet("hook delete", flag.ContinueOnError)
	common := bindCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: isca hook delete <id> [flags]")
		return 1
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil || id <= 0 {
		fmt.Fprintf(os.Stderr, "Invalid hook id: %s\n", fs.Arg(0))
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := loadApp(ctx, common)
	if err != nil {
		reportError("Failed to load configuration", err)
		return 1
	}

	var ledger registrar.Ledger
	if hl, closeLedger, err := a.openLedger(ctx); err == nil {
		defer closeLedger()
		ledger = hl
	}
	if err := a.newRegistrar(ledger).DeleteHook(ctx, a.creds, registrar.HookID(id)); err != nil {
		reportError("Failed to delete hook", err)
		return 1
	}
	fmt.Printf("Deleted webhook %d from %s\n", id, a.creds.Repository())
	return 0
}

func runSign(args []string) int {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	secret := fs.String("secret", "", "Shared secret (defaults to $WEBHOOK_SECRET)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *secret == "" {
		*secret = os.Getenv(config.KeySecret)
	}
	if *secret == "" {
		fmt.Fprintln(os.Stderr, "Usage: isca sign --secret S [FILE]")
		return 1
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "Usage: isca sign --secret S [FILE]")
		return 1
	}

	var (
		body []byte
		err  error
	)
	if fs.NArg() == 1 && fs.Arg(0) != "-" {
		body, err = os.ReadFile(fs.Arg(0))
	} else {
		body, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read payload: %v\n", err)
		return 1
	}

	fmt.Printf("%s: %s\n", webhook.SignatureHeader, webhook.Sign(*secret, body))
	fmt.Printf("%s: %s\n", webhook.SignatureHeaderSHA256, webhook.SignSHA256(*secret, body))
	return 0
}

func runSecretNoun(args []string) int {
	if len(args) < 1 {
		printSecretNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSecretNounHelp(os.Stdout)
		return 0
	}
	if args[0] != "generate" {
		fmt.Fprintf(os.Stderr, "Unknown secret action: %s\n", args[0])
		return 1
	}

	fs := flag.NewFlagSet("secret generate", flag.ContinueOnError)
	n := fs.Int("bytes", 32, "Number of random bytes")
	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *n < 16 || *n > 1024 {
		fmt.Fprintln(os.Stderr, "--bytes must be between 16 and 1024")
		return 1
	}

	buf := make([]byte, *n)
	if _, err := rand.Read(buf); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate secret: %v\n", err)
		return 1
	}
	fmt.Println(hex.EncodeToString(buf))
	return 0
}

// --- VERSION ---

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: isca version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("isca %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}
