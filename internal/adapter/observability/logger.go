package observability

import (
	"log/slog"
	"os"
	"strings"
)

// SetupLogger configures a JSON slog logger with environment fields.
func SetupLogger(serviceName, appEnv string) *slog.Logger {
	opts := &slog.HandlerOptions{}
	// In dev, show debug level; in prod, default to info
	if strings.ToLower(appEnv) == "dev" {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", serviceName),
		slog.String("env", appEnv),
	)
	return logger
}
