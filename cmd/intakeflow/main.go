package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/intakeflow/intakeflow/internal/api"
	"github.com/intakeflow/intakeflow/internal/events"
	"github.com/intakeflow/intakeflow/internal/flow"
	"github.com/intakeflow/intakeflow/internal/genai"
	"github.com/intakeflow/intakeflow/internal/lockfile"
	"github.com/intakeflow/intakeflow/internal/session"
	"github.com/intakeflow/intakeflow/internal/store"
	"github.com/intakeflow/intakeflow/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for IntakeFlow state data
	DefaultStateDir = "/var/lib/intakeflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "intakeflow.db"
)

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string
	OpenAIKey   string
	APIAddr     string
	RedisAddr   string
	RedisPass   string
	FlowName    string
	AgentName   string
	FirmName    string
}

// Flags holds command line flag values
type Flags struct {
	stateDir  *string
	dbDSN     *string
	openaiKey *string
	apiAddr   *string
	redisAddr *string
	flowName  *string
	agentName *string
	firmName  *string
}

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err, "stateDir", *flags.stateDir)
		os.Exit(1)
	}
	defer lock.Release()

	st, err := buildStore(flags)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if _, err := st.SeedFlow(flow.DefaultFlowName, flow.DefaultSteps()); err != nil {
		slog.Error("Failed to seed default flow", "error", err)
		os.Exit(1)
	}

	sessions, err := buildSessionStore(flags, config)
	if err != nil {
		slog.Error("Failed to open session store", "error", err)
		os.Exit(1)
	}
	defer sessions.Close()

	client, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
	if err != nil {
		slog.Error("Failed to build GenAI client", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus()
	engine, err := flow.NewEngine(*flags.flowName, st, sessions, client,
		flow.WithAgentName(*flags.agentName),
		flow.WithFirmName(*flags.firmName),
		flow.WithBus(bus),
	)
	if err != nil {
		slog.Error("Failed to build conversation engine", "error", err, "flow", *flags.flowName)
		os.Exit(1)
	}

	slog.Info("Bootstrapping IntakeFlow", "flow", *flags.flowName, "addr", *flags.apiAddr)
	server := api.NewServer(engine, st, bus, api.WithAddr(*flags.apiAddr))
	if err := server.Run(); err != nil {
		slog.Error("IntakeFlow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("IntakeFlow exited successfully")
}

// initializeLogger sets up structured logging; INTAKEFLOW_DEBUG=true
// lowers the level to debug.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("INTAKEFLOW_DEBUG", false) {
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
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("INTAKEFLOW_STATE_DIR"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		APIAddr:     os.Getenv("API_ADDR"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		RedisPass:   os.Getenv("REDIS_PASSWORD"),
		FlowName:    os.Getenv("INTAKEFLOW_FLOW"),
		AgentName:   os.Getenv("INTAKEFLOW_AGENT_NAME"),
		FirmName:    os.Getenv("INTAKEFLOW_FIRM_NAME"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No INTAKEFLOW_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.FlowName == "" {
		config.FlowName = flow.DefaultFlowName
	}
	if config.AgentName == "" {
		config.AgentName = flow.DefaultAgentName
	}
	if config.FirmName == "" {
		config.FirmName = flow.DefaultFirmName
	}
	return config
}

// parseCommandLineFlags parses flags with environment values as defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:  flag.String("state-dir", config.StateDir, "Directory for state data (SQLite database)"),
		dbDSN:     flag.String("db-dsn", config.DatabaseURL, "Database DSN (Postgres URL or SQLite path; default SQLite under state dir)"),
		openaiKey: flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key"),
		apiAddr:   flag.String("addr", config.APIAddr, "API listen address"),
		redisAddr: flag.String("redis-addr", config.RedisAddr, "Redis address for session state (empty = in-memory sessions)"),
		flowName:  flag.String("flow", config.FlowName, "Name of the intake flow to serve"),
		agentName: flag.String("agent-name", config.AgentName, "Agent name used in greetings"),
		firmName:  flag.String("firm-name", config.FirmName, "Firm name used in greetings"),
	}
	flag.Parse()
	return flags
}

// buildStore opens the catalog store, choosing the backend from the DSN.
func buildStore(flags Flags) (store.Store, error) {
	dsn := *flags.dbDSN
	if dsn == "" {
		dsn = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Info("Using PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Info("Using SQLite store", "path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildSessionStore picks Redis-backed sessions when an address is
// configured, otherwise conversations live in process memory.
func buildSessionStore(flags Flags, config Config) (session.Store, error) {
	if *flags.redisAddr == "" {
		slog.Info("Using in-memory session store")
		return session.NewInMemoryStore(), nil
	}
	slog.Info("Using Redis session store", "addr", *flags.redisAddr)
	return session.NewRedisStore(
		session.WithAddr(*flags.redisAddr),
		session.WithPassword(config.RedisPass),
	)
}
