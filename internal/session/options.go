package session

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/loamdb/loam/internal/driver"
)

// Option configures a Manager.
type Option func(*options)

type options struct {
	log             *slog.Logger
	isolation       driver.Isolation
	resultCacheSize int
	stmtCacheSize   int
	tokens          func() uuid.UUID
}

func defaultOptions() options {
	return options{
		log:             slog.Default(),
		isolation:       driver.ReadCommitted,
		resultCacheSize: defaultResultCacheSize,
		tokens:          newToken,
	}
}

// newToken mints a UUIDv7 session token; time-ordered tokens keep session
// logs sortable.
func newToken() uuid.UUID {
	tok, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return tok
}

// WithLogger sets the logger sessions emit statement traces to.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithIsolation sets the transaction isolation level for new sessions.
// Serializable shifts retry-after-abort responsibility to the caller.
func WithIsolation(iso driver.Isolation) Option {
	return func(o *options) { o.isolation = iso }
}

// WithResultCacheSize bounds each session's query-result cache.
func WithResultCacheSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.resultCacheSize = n
		}
	}
}

// WithStatementCacheSize bounds the shared compiled-statement cache.
func WithStatementCacheSize(n int) Option {
	return func(o *options) { o.stmtCacheSize = n }
}

// WithTokenSource overrides session token generation. Tests inject a
// deterministic source.
func WithTokenSource(fn func() uuid.UUID) Option {
	return func(o *options) {
		if fn != nil {
			o.tokens = fn
		}
	}
}
