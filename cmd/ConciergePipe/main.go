package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/ConciergePipe/internal/api"
	"github.com/BTreeMap/ConciergePipe/internal/genai"
	"github.com/BTreeMap/ConciergePipe/internal/store"
	"github.com/BTreeMap/ConciergePipe/internal/util"
	"github.com/BTreeMap/ConciergePipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultDataDir is the default directory for ConciergePipe state data
	DefaultDataDir = "/var/lib/conciergepipe"
	// DefaultStateDBFileName is the default SQLite database filename for sessions and metrics
	DefaultStateDBFileName = "conciergepipe.db"
	// DefaultMemoryDirName is the default directory name for the JSON memory store
	DefaultMemoryDirName = "memory"
	// DefaultWhatsAppDBFileName is the default SQLite database filename for whatsmeow
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

func main() {
	// Initialize structured logger; the -debug flag may raise the level later
	debugEnv := util.ParseBoolEnv("CONCIERGE_DEBUG", false)
	initializeLogger(debugEnv)

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)
	if *flags.debug && !debugEnv {
		initializeLogger(true)
	}

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Build module options
	waOpts := buildWhatsAppOptions(flags)
	stateOpts := buildStateStoreOptions(flags)
	memoryOpts := buildMemoryStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	apiOpts := buildAPIOptions(flags)

	// Start the service
	slog.Info("Bootstrapping ConciergePipe with configured modules")
	slog.Debug("Module options counts",
		"whatsapp", len(waOpts), "state_store", len(stateOpts), "memory_store", len(memoryOpts),
		"genai", len(genaiOpts), "api", len(apiOpts))
	slog.Debug("Final configuration",
		"data_dir", *flags.dataDir, "state_dsn_set", *flags.stateDSN != "",
		"memory_dsn_set", *flags.memoryDSN != "", "transport", *flags.transport,
		"api_addr", *flags.apiAddr)
	if err := api.Run(waOpts, stateOpts, memoryOpts, genaiOpts, apiOpts); err != nil {
		slog.Error("ConciergePipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ConciergePipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	DataDir       string
	StateDSN      string
	MemoryDSN     string
	WhatsAppDSN   string
	DatabaseURL   string
	OpenAIKey     string
	OpenAIModel   string
	APIAddr       string
	Transport     string
	FlowsFile     string
	SweepSchedule string
	SessionTTL    string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	dataDir       *string
	stateDSN      *string
	memoryDSN     *string
	whatsappDSN   *string
	openaiKey     *string
	openaiModel   *string
	apiAddr       *string
	transport     *string
	flowsFile     *string
	sweepSchedule *string
	sessionTTL    *time.Duration
	selfTest      *bool
	debug         *bool
}

// initializeLogger sets up structured logging on stdout
func initializeLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DataDir:       os.Getenv("CONCIERGE_DATA_DIR"),
		StateDSN:      os.Getenv("CONCIERGE_STATE_DSN"),
		MemoryDSN:     os.Getenv("CONCIERGE_MEMORY_DSN"),
		WhatsAppDSN:   os.Getenv("WHATSAPP_DB_DSN"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   os.Getenv("OPENAI_MODEL"),
		APIAddr:       os.Getenv("CONCIERGE_API_ADDR"),
		Transport:     os.Getenv("CONCIERGE_TRANSPORT"),
		FlowsFile:     os.Getenv("CONCIERGE_FLOWS_FILE"),
		SweepSchedule: os.Getenv("CONCIERGE_SWEEP_SCHEDULE"),
		SessionTTL:    os.Getenv("CONCIERGE_SESSION_TTL"),
	}

	// Set default data directory if not specified
	if config.DataDir == "" {
		config.DataDir = DefaultDataDir
		slog.Debug("No CONCIERGE_DATA_DIR set, using default", "default_data_dir", config.DataDir)
	} else {
		slog.Debug("CONCIERGE_DATA_DIR found in environment", "data_dir", config.DataDir)
	}

	// Default to the shared DATABASE_URL for the whatsmeow store if no
	// specific DSN is set
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = config.DatabaseURL
		if config.DatabaseURL != "" {
			slog.Debug("Using DATABASE_URL as WHATSAPP_DB_DSN", "dsn_set", true)
		}
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.DataDir, DefaultWhatsAppDBFileName)
		slog.Debug("No WhatsApp database DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDSN)
	}

	// Sessions, metrics and dedup live in SQLite under the data directory
	// unless a DSN says otherwise
	if config.StateDSN == "" {
		config.StateDSN = filepath.Join(config.DataDir, DefaultStateDBFileName)
		slog.Debug("No state DSN provided, defaulting to SQLite", "sqlite_path", config.StateDSN)
	}

	// Participant memory defaults to JSON files under the data directory
	if config.MemoryDSN == "" {
		config.MemoryDSN = "file:" + filepath.Join(config.DataDir, DefaultMemoryDirName)
		slog.Debug("No memory DSN provided, defaulting to JSON file store", "memory_dsn", config.MemoryDSN)
	}

	slog.Debug("environment variables loaded",
		"CONCIERGE_DATA_DIR", config.DataDir,
		"CONCIERGE_STATE_DSN_SET", config.StateDSN != "",
		"CONCIERGE_MEMORY_DSN_SET", config.MemoryDSN != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"CONCIERGE_API_ADDR", config.APIAddr,
		"CONCIERGE_TRANSPORT", config.Transport,
		"CONCIERGE_FLOWS_FILE", config.FlowsFile,
		"CONCIERGE_SWEEP_SCHEDULE", config.SweepSchedule,
		"CONCIERGE_SESSION_TTL", config.SessionTTL)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	defaultTTL := util.ParseDurationEnv("CONCIERGE_SESSION_TTL", api.DefaultSessionTTL)

	flags := Flags{
		qrOutput:      flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:       flag.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		dataDir:       flag.String("data-dir", config.DataDir, "data directory for ConciergePipe state (overrides $CONCIERGE_DATA_DIR)"),
		stateDSN:      flag.String("state-dsn", config.StateDSN, "DSN for sessions, metrics and dedup state (overrides $CONCIERGE_STATE_DSN)"),
		memoryDSN:     flag.String("memory-dsn", config.MemoryDSN, "DSN for participant memory; empty shares the state store (overrides $CONCIERGE_MEMORY_DSN)"),
		whatsappDSN:   flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "database DSN for the whatsmeow store (overrides $WHATSAPP_DB_DSN or $DATABASE_URL)"),
		openaiKey:     flag.String("openai-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:   flag.String("openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $CONCIERGE_API_ADDR)"),
		transport:     flag.String("transport", config.Transport, "messaging transport: whatsapp, twilio or none (overrides $CONCIERGE_TRANSPORT)"),
		flowsFile:     flag.String("flows-file", config.FlowsFile, "YAML file overriding the built-in question flows (overrides $CONCIERGE_FLOWS_FILE)"),
		sweepSchedule: flag.String("sweep-schedule", config.SweepSchedule, "cron expression for the stale session sweep (overrides $CONCIERGE_SWEEP_SCHEDULE)"),
		sessionTTL:    flag.Duration("session-ttl", defaultTTL, "how long idle sessions are kept before being swept (overrides $CONCIERGE_SESSION_TTL)"),
		selfTest:      flag.Bool("selftest", false, "run the built-in diagnostics and exit"),
		debug:         flag.Bool("debug", false, "enable debug logging (overrides $CONCIERGE_DEBUG)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"dataDir", *flags.dataDir,
		"stateDSN_set", *flags.stateDSN != "",
		"memoryDSN_set", *flags.memoryDSN != "",
		"whatsappDSN_set", *flags.whatsappDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"openaiModel", *flags.openaiModel,
		"apiAddr", *flags.apiAddr,
		"transport", *flags.transport,
		"flowsFile", *flags.flowsFile,
		"sweepSchedule", *flags.sweepSchedule,
		"sessionTTL", *flags.sessionTTL,
		"selfTest", *flags.selfTest,
		"debug", *flags.debug)

	// Recompute DSN defaults that were derived from the data directory when
	// -data-dir overrides it
	if *flags.dataDir != config.DataDir {
		if *flags.whatsappDSN == filepath.Join(config.DataDir, DefaultWhatsAppDBFileName) {
			*flags.whatsappDSN = filepath.Join(*flags.dataDir, DefaultWhatsAppDBFileName)
			slog.Debug("Updated WhatsApp DSN based on data directory", "dsn", *flags.whatsappDSN)
		}
		if *flags.stateDSN == filepath.Join(config.DataDir, DefaultStateDBFileName) {
			*flags.stateDSN = filepath.Join(*flags.dataDir, DefaultStateDBFileName)
			slog.Debug("Updated state DSN based on data directory", "dsn", *flags.stateDSN)
		}
		if *flags.memoryDSN == "file:"+filepath.Join(config.DataDir, DefaultMemoryDirName) {
			*flags.memoryDSN = "file:" + filepath.Join(*flags.dataDir, DefaultMemoryDirName)
			slog.Debug("Updated memory DSN based on data directory", "dsn", *flags.memoryDSN)
		}
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.dataDir}
	if store.DetectDSNType(*flags.stateDSN) == "sqlite" {
		dirs = append(dirs, filepath.Dir(*flags.stateDSN))
	}
	if store.DetectDSNType(*flags.whatsappDSN) == "sqlite" {
		dirs = append(dirs, filepath.Dir(*flags.whatsappDSN))
	}
	for _, dir := range dirs {
		slog.Debug("Creating directory", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDSN))
	}
	return waOpts
}

// storeOptionsForDSN maps a DSN to the matching store option by backend type.
func storeOptionsForDSN(dsn string) []store.Option {
	if dsn == "" {
		return nil
	}
	switch store.DetectDSNType(dsn) {
	case "postgres":
		slog.Debug("Detected PostgreSQL DSN", "dsn_set", true)
		return []store.Option{store.WithPostgresDSN(dsn)}
	case "redis":
		slog.Debug("Detected Redis DSN", "dsn_set", true)
		return []store.Option{store.WithRedisDSN(dsn)}
	case "file":
		slog.Debug("Detected file store DSN", "dsn_set", true)
		return []store.Option{store.WithFileDSN(dsn)}
	default:
		slog.Debug("Detected SQLite DSN", "db_path", dsn)
		return []store.Option{store.WithSQLiteDSN(dsn)}
	}
}

// buildStateStoreOptions constructs options for the session/metrics store
func buildStateStoreOptions(flags Flags) []store.Option {
	opts := storeOptionsForDSN(*flags.stateDSN)
	if opts == nil {
		slog.Debug("No state DSN provided, will use in-memory store")
	}
	return opts
}

// buildMemoryStoreOptions constructs options for the participant memory store.
// An empty DSN means the memory repository shares the state store.
func buildMemoryStoreOptions(flags Flags) []store.Option {
	opts := storeOptionsForDSN(*flags.memoryDSN)
	if opts == nil {
		slog.Debug("No memory DSN provided, memory will share the state store")
	}
	return opts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.dataDir != "" {
		apiOpts = append(apiOpts, api.WithDataDir(*flags.dataDir))
	}
	if *flags.flowsFile != "" {
		apiOpts = append(apiOpts, api.WithCatalogFile(*flags.flowsFile))
	}
	if *flags.transport != "" {
		apiOpts = append(apiOpts, api.WithTransport(*flags.transport))
	}
	if *flags.sweepSchedule != "" {
		apiOpts = append(apiOpts, api.WithSweepSchedule(*flags.sweepSchedule))
	}
	if *flags.sessionTTL > 0 {
		apiOpts = append(apiOpts, api.WithSessionTTL(*flags.sessionTTL))
	}
	if *flags.selfTest {
		apiOpts = append(apiOpts, api.WithSelfTestOnly())
	}
	return apiOpts
}
