package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-ledger/internal/assist"
	"github.com/zombor/receipt-ledger/internal/classify"
	"github.com/zombor/receipt-ledger/internal/logging"
	"github.com/zombor/receipt-ledger/internal/receipt"
	"github.com/zombor/receipt-ledger/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

type config struct {
	port           int
	dbDriver       string
	dbDSN          string
	storageBackend string
	storage        string
	ocrTiers       string
	tesseractBin   string
	tesseractLangs string
	tesseractPSM   int
	visionKey      string
	visionEndpoint string
	visionAttempts int
	visionRPS      float64
	geminiKey      string
	geminiModel    string
	ollamaURL      string
	ollamaModel    string
	assistURL      string
	assistModel    string
	assistKey      string
	assistTimeout  time.Duration
	catchAll       string
	categoriesFile string
	authUser       string
	authPass       string
	logLevel       string
	logFormat      string
	gops           bool
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	var cfg config
	fs := ff.NewFlagSet("receipt-ledger")
	fs.IntVar(&cfg.port, 0, "port", 8080, "HTTP server port")
	fs.StringVar(&cfg.dbDriver, 0, "db-driver", receipt.DriverSQLite, "Database driver: sqlite, postgres or bolt")
	fs.StringVar(&cfg.dbDSN, 0, "db", "receipt-ledger.db", "Database file path, or connection string for postgres")
	fs.StringVar(&cfg.storageBackend, 0, "storage-backend", receipt.StorageLocal, "Photo storage: local or afs")
	fs.StringVar(&cfg.storage, 0, "storage", "./receipts", "Photo directory, or URL for afs (e.g. file:///srv/receipts)")
	fs.StringVar(&cfg.ocrTiers, 0, "ocr-tiers", "tesseract,vision", "Comma separated OCR tiers to try in order: tesseract, vision, gemini, ollama")
	fs.StringVar(&cfg.tesseractBin, 0, "tesseract-bin", "tesseract", "Tesseract binary")
	fs.StringVar(&cfg.tesseractLangs, 0, "tesseract-langs", "chi_tra+eng", "Tesseract languages")
	fs.IntVar(&cfg.tesseractPSM, 0, "tesseract-psm", 0, "Tesseract page segmentation mode (0 keeps the default)")
	fs.StringVar(&cfg.visionKey, 0, "vision-key", "", "Google Cloud Vision API key")
	fs.StringVar(&cfg.visionEndpoint, 0, "vision-endpoint", "", "Cloud Vision endpoint override")
	fs.IntVar(&cfg.visionAttempts, 0, "vision-attempts", 3, "Cloud Vision attempts for transient errors")
	fs.Float64Var(&cfg.visionRPS, 0, "vision-rps", 5, "Cloud Vision requests per second")
	fs.StringVar(&cfg.geminiKey, 0, "gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
	fs.StringVar(&cfg.geminiModel, 0, "gemini-model", "gemini-2.5-flash", "Google Gemini model name")
	fs.StringVar(&cfg.ollamaURL, 0, "ollama-url", "http://localhost:11434", "Ollama API base URL")
	fs.StringVar(&cfg.ollamaModel, 0, "ollama-model", "qwen2.5vl", "Ollama vision model name")
	fs.StringVar(&cfg.assistURL, 0, "assist-url", "", "OpenAI-compatible API base URL for amount backfill (e.g. http://localhost:11434/v1)")
	fs.StringVar(&cfg.assistModel, 0, "assist-model", "", "Model used for amount backfill")
	fs.StringVar(&cfg.assistKey, 0, "assist-key", "", "API key for amount backfill")
	fs.DurationVar(&cfg.assistTimeout, 0, "assist-timeout", 45*time.Second, "Amount backfill timeout")
	fs.StringVar(&cfg.catchAll, 0, "catch-all", classify.DefaultCatchAll, "Category used when no keyword matches")
	fs.StringVar(&cfg.categoriesFile, 0, "categories-file", "", "JSON file with the categories to seed an empty database")
	fs.StringVar(&cfg.authUser, 0, "auth-user", "", "Basic auth username (optional)")
	fs.StringVar(&cfg.authPass, 0, "auth-pass", "", "Basic auth password (optional)")
	fs.StringVar(&cfg.logLevel, 0, "log-level", "info", "Log level: debug, info, warn or error")
	fs.StringVar(&cfg.logFormat, 0, "log-format", "text", "Log format: text or json")
	fs.BoolVar(&cfg.gops, 0, "gops", "Start the gops diagnostics agent")
	showVersion := fs.BoolLong("version", "Show version information")

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_LEDGER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := setupLogging(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func setupLogging(cfg config) error {
	level, err := logging.ParseLevel(cfg.logLevel)
	if err != nil {
		return err
	}
	asJSON, err := logging.ParseFormat(cfg.logFormat)
	if err != nil {
		return err
	}
	logging.Setup(logging.Config{Level: level, JSON: asJSON})
	return nil
}

func run(ctx context.Context, cfg config) error {
	if cfg.gops {
		if err := agent.Listen(agent.Options{ShutdownCleanup: true}); err != nil {
			slog.Warn("Failed to start gops agent", "error", err)
		}
	}

	slog.Info("Initializing database...", "driver", cfg.dbDriver)
	db, err := receipt.OpenDB(ctx, cfg.dbDriver, cfg.dbDSN)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	seed, catchAll := classify.DefaultCategories(), cfg.catchAll
	if cfg.categoriesFile != "" {
		var fileCatchAll string
		seed, fileCatchAll, err = classify.LoadFile(cfg.categoriesFile)
		if err != nil {
			return err
		}
		if fileCatchAll != "" {
			catchAll = fileCatchAll
		}
	}
	classifier, err := receipt.LoadClassifier(ctx, db, seed, catchAll)
	if err != nil {
		return fmt.Errorf("loading categories: %w", err)
	}

	chain, err := buildChain(ctx, cfg)
	if err != nil {
		return err
	}
	defer chain.Close()

	slog.Info("Initializing storage...", "backend", cfg.storageBackend, "location", cfg.storage)
	store, err := receipt.OpenStorage(cfg.storageBackend, cfg.storage)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	receiptService := receipt.NewService(db, chain, store, classifier)
	if cfg.assistURL != "" && cfg.assistModel != "" {
		assistant, err := assist.New(assist.Config{
			BaseURL: cfg.assistURL,
			APIKey:  cfg.assistKey,
			Model:   cfg.assistModel,
			Timeout: cfg.assistTimeout,
		})
		if err != nil {
			return fmt.Errorf("initializing assist: %w", err)
		}
		receiptService.WithAssistant(assistant)
		slog.Info("Amount backfill enabled", "url", cfg.assistURL, "model", cfg.assistModel)
	}

	basicAuth := receipt.BasicAuth{
		Username: cfg.authUser,
		Password: cfg.authPass,
	}
	server := receipt.NewServer(receiptService, basicAuth, receipt.Info{
		Version:  version,
		Tiers:    chain.Tiers(),
		Database: cfg.dbDriver,
		Storage:  cfg.storageBackend,
		Assist:   cfg.assistURL != "" && cfg.assistModel != "",
	})

	if cfg.authUser != "" || cfg.authPass != "" {
		slog.Info("Basic auth enabled", "user", cfg.authUser)
	}

	return server.Start(ctx, fmt.Sprintf(":%d", cfg.port))
}

// buildChain creates the OCR tiers named in --ocr-tiers. Tiers without the
// binary or credentials they need are skipped.
func buildChain(ctx context.Context, cfg config) (*scanning.Chain, error) {
	var tiers []scanning.Tier
	for _, name := range strings.Split(cfg.ocrTiers, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		switch name {
		case "":
			continue
		case "tesseract":
			t := scanning.NewTesseract(scanning.TesseractConfig{
				Binary:    cfg.tesseractBin,
				Languages: cfg.tesseractLangs,
				PSM:       cfg.tesseractPSM,
			})
			if !t.Available() {
				slog.Warn("Skipping OCR tier, binary not found", "tier", name, "binary", cfg.tesseractBin)
				continue
			}
			tiers = append(tiers, t)
		case "vision":
			if cfg.visionKey == "" {
				slog.Warn("Skipping OCR tier, no API key", "tier", name)
				continue
			}
			v, err := scanning.NewCloudVision(ctx, scanning.VisionConfig{
				APIKey:            cfg.visionKey,
				Endpoint:          cfg.visionEndpoint,
				Attempts:          uint(max(cfg.visionAttempts, 1)),
				RequestsPerSecond: cfg.visionRPS,
			})
			if err != nil {
				return nil, fmt.Errorf("initializing vision: %w", err)
			}
			tiers = append(tiers, v)
		case "gemini":
			apiKey := cfg.geminiKey
			if apiKey == "" {
				apiKey = os.Getenv("GEMINI_API_KEY")
			}
			if apiKey == "" {
				slog.Warn("Skipping OCR tier, no API key", "tier", name)
				continue
			}
			g, err := scanning.NewGemini(apiKey, cfg.geminiModel)
			if err != nil {
				return nil, fmt.Errorf("initializing gemini: %w", err)
			}
			tiers = append(tiers, g)
		case "ollama":
			o, err := scanning.NewOllama(cfg.ollamaURL, cfg.ollamaModel)
			if err != nil {
				return nil, fmt.Errorf("initializing ollama: %w", err)
			}
			tiers = append(tiers, o)
		default:
			return nil, fmt.Errorf("unknown OCR tier %q", name)
		}
	}

	chain := scanning.NewChain(nil, tiers...)
	slog.Info("OCR tiers configured", "tiers", strings.Join(chain.Tiers(), ","))
	return chain, nil
}
