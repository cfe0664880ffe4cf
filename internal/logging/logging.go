// Package logging is the process-wide zap logger plus the request
// middleware that threads a request-scoped logger through contexts.
package logging

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RequestIDHeader is read from and echoed on every request.
const RequestIDHeader = "X-Request-ID"

type loggerKey struct{}

var global = zap.NewNop()

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Init replaces the process logger according to cfg. Unknown levels fall
// back to info.
func Init(cfg Config) error {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level = zapcore.InfoLevel
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if cfg.Format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	out := zapcore.Lock(os.Stdout)
	if cfg.OutputPath != "" && cfg.OutputPath != "stdout" {
		ws, _, err := zap.Open(cfg.OutputPath)
		if err != nil {
			return err
		}
		out = ws
	}

	global = zap.New(zapcore.NewCore(enc, out, level),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service", "web-vault")),
	)
	return nil
}

// Use installs l as the process logger. Tests pass an observer here.
func Use(l *zap.Logger) { global = l }

// InitNop discards all output.
func InitNop() { global = zap.NewNop() }

// Sync flushes buffered entries.
func Sync() error { return global.Sync() }

// L returns the process logger.
func L() *zap.Logger { return global }

// WithContext returns the request-scoped logger carried by ctx, or the
// process logger.
func WithContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return l
	}
	return global
}

// WithRequestID returns a context whose logger tags entries with id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, loggerKey{}, WithContext(ctx).With(zap.String("request_id", id)))
}

// Debug, Info, Warn and Error log on the process logger.
func Debug(msg string, fields ...zap.Field) { global.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field) { global.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field) { global.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { global.Error(msg, fields...) }

// Fatal logs and exits the process.
func Fatal(msg string, fields ...zap.Field) { global.Fatal(msg, fields...) }

// Vault tags a log entry with the vault it concerns.
func Vault(name string) zap.Field { return zap.String("vault", name) }

// Path tags a log entry with a logical vault path.
func Path(p string) zap.Field { return zap.String("path", p) }

// Handle tags a log entry with a physical storage handle. Handles only ever
// appear in server-side logs.
func Handle(h string) zap.Field { return zap.String("handle", h) }

// Op tags a log entry with the engine operation that produced it.
func Op(name string) zap.Field { return zap.String("op", name) }

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += int64(n)
	return n, err
}

func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// Middleware assigns each request an ID, stores a tagged logger in its
// context and logs its outcome. Server errors log at warn, health checks
// at debug.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := WithRequestID(r.Context(), id)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		log := WithContext(ctx).Info
		switch {
		case rec.status >= http.StatusInternalServerError:
			log = WithContext(ctx).Warn
		case r.URL.Path == "/health":
			log = WithContext(ctx).Debug
		}
		log("request completed",
			zap.String("method", r.Method),
			zap.String("url", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Int64("size", rec.size),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
