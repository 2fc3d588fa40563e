package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/scancore/internal/control"
	"github.com/zombor/scancore/internal/engine"
	"github.com/zombor/scancore/internal/scanner"
	"github.com/zombor/scancore/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("scancore")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		dbPath      = fs.StringLong("db", "scancore.db", "Recognition database file path")
		historyPath = fs.StringLong("history", "scancore-history.db", "Scan history database file path")
		storagePath = fs.StringLong("storage", "./frames", "Directory for snapped frames")
		apiURL      = fs.StringLong("api-url", "", "Recognition API base URL (record sync and 'api' remote search)")
		apiTimeout  = fs.DurationLong("api-timeout", 30*time.Second, "Recognition API request timeout")
		key         = fs.StringLong("key", "", "API key")
		secret      = fs.StringLong("secret", "", "API secret")
		remoteType  = fs.StringLong("remote", "api", "Remote search back-end: 'api', 'gemini' or 'ollama'")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "llava", "Ollama model name")
		threshold   = fs.IntLong("threshold", engine.DefaultThreshold, "Maximum fingerprint distance for an offline match")
		pageSize    = fs.IntLong("page-size", engine.DefaultPageSize, "Records fetched per sync request")
		lostFrames  = fs.IntLong("lost-frames", scanner.DefaultLostFrames, "Frames without a result before a result is reported again")
		syncBudget  = fs.DurationLong("sync-budget", scanner.DefaultSyncBudget, "Time allowed for one sync before the scanner is force-closed")
		syncOnStart = fs.BoolLong("sync-on-start", "Sync the offline database at startup")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("SCANCORE"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	// The recognition API doubles as the record source for sync
	var api *scanning.APIClient
	if *apiURL != "" {
		var err error
		api, err = scanning.NewAPIClient(*apiURL, *apiTimeout)
		if err != nil {
			slog.Error("Failed to initialize API client", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("No API URL configured, sync is disabled")
	}

	// Initialize remote searcher based on type
	var searcher scanning.Searcher
	switch *remoteType {
	case "api":
		if api == nil {
			slog.Error("The 'api' remote requires --api-url")
			os.Exit(1)
		}
		searcher = api
	case "gemini":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini remote search...", "model", *geminiModel)
		g, err := scanning.NewGemini(apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
		searcher = g
	case "ollama":
		slog.Info("Initializing Ollama remote search...", "url", *ollamaURL, "model", *ollamaModel)
		o, err := scanning.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
		searcher = o
	default:
		slog.Error("Invalid remote type", "type", *remoteType, "valid", "api, gemini or ollama")
		os.Exit(1)
	}
	defer searcher.Close()

	opts := engine.Options{
		Searcher:  searcher,
		Threshold: *threshold,
		PageSize:  *pageSize,
	}
	if api != nil {
		opts.Source = api
	}

	// Open the scanner
	slog.Info("Opening scanner...", "db", *dbPath)
	res := scanner.NewResource(engine.New(opts))
	creds := scanning.Credentials{Key: *key, Secret: *secret}
	if err := openScanner(res, *dbPath, creds); err != nil {
		slog.Error("Failed to open scanner", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := res.Close(); err != nil && !errors.Is(err, scanning.ErrNotOpen) {
			slog.Warn("Failed to close scanner", "error", err)
		}
	}()

	// Initialize history
	slog.Info("Initializing history...")
	db, err := control.NewBoltDB(*historyPath)
	if err != nil {
		slog.Error("Failed to initialize history database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store, err := control.NewFrameStore(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	queue := scanner.NewQueue()
	sc := control.Scanner{
		Resource: res,
		Sync:     scanner.NewSyncCoordinator(res, queue, scanner.SyncOptions{Budget: *syncBudget}),
		Search:   scanner.NewSearchCoordinator(res, queue),
		Options:  scanner.SessionOptions{LostFrames: *lostFrames},
	}
	service := control.NewService(sc, db, store)

	if *syncOnStart {
		if service.Sync() {
			slog.Info("Initial sync requested")
		}
	}

	basicAuth := control.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := control.NewServer(service, basicAuth)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", *port)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx, addr)
	})

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	if err := g.Wait(); err != nil {
		slog.Error("Server error", "error", err)
	}
	slog.Info("Shutting down...")
	queue.Flush()
}

// openScanner opens the database, starting over from an empty file when the
// existing one fails its integrity check.
func openScanner(res *scanner.Resource, path string, creds scanning.Credentials) error {
	err := res.Open(path, creds)
	if !errors.Is(err, scanning.ErrCorrupt) {
		return err
	}
	slog.Warn("Database corrupted, starting over", "db", path, "error", err)
	if err := res.Clean(path); err != nil {
		return fmt.Errorf("cleaning database: %w", err)
	}
	return res.Open(path, creds)
}
