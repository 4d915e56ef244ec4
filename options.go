package armory

import (
	"context"
	"io/fs"
	"log/slog"
)

// LLMClient is the completion call used for diff proposals.
// When provided via WithLLMClient, replaces the OpenAI client built from
// OPENAI_API_KEY. Implementations receive one prompt and return the raw
// completion text; the optimizer parses and validates it.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	logger          *slog.Logger
	version         string
	operatorKeyHash string
	llm             LLMClient
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (ARMORY_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithOperatorKeyHash overrides the Argon2id operator key hash from config
// (ARMORY_OPERATOR_KEY_HASH env var). An empty hash closes the operator surface.
func WithOperatorKeyHash(hash string) Option {
	return func(o *resolvedOptions) { o.operatorKeyHash = hash }
}

// WithLLMClient replaces the OpenAI-backed diff proposer client.
// Use this to route proposals through a local model or a test double.
// When set, the optimizer is enabled even without OPENAI_API_KEY.
func WithLLMClient(llm LLMClient) Option {
	return func(o *resolvedOptions) { o.llm = llm }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after the embedded migrations. Multiple filesystems may be registered;
// they are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
