package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync" // For thread-safe initialization

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultLogFile is the workspace-relative location of the rotating log.
const DefaultLogFile = ".commentgen/commentgen.log"

// Logger represents a workspace logger.
type Logger struct {
	z    *zap.Logger
	sink io.Closer
}

// LoggerOptions controls how the singleton is built on first use.
type LoggerOptions struct {
	File  string
	JSON  bool
	Debug bool
}

var (
	globalLogger *Logger
	once         sync.Once
	mu           sync.Mutex
)

// GetLogger returns the singleton instance of Logger.
// It initializes the logger with a file handler that rotates logs.
func GetLogger() *Logger {
	once.Do(func() {
		l := NewLogger(LoggerOptions{
			File:  DefaultLogFile,
			JSON:  os.Getenv("COMMENTGEN_JSON_LOGS") == "1",
			Debug: os.Getenv("COMMENTGEN_DEBUG") == "1",
		})
		mu.Lock()
		if globalLogger == nil {
			globalLogger = l
		}
		mu.Unlock()
	})
	mu.Lock()
	defer mu.Unlock()
	return globalLogger
}

// SetLogger replaces the singleton. Commands call it after reading config;
// tests use it to capture output.
func SetLogger(l *Logger) {
	once.Do(func() {})
	mu.Lock()
	globalLogger = l
	mu.Unlock()
}

// NewLogger builds a zap logger writing to a lumberjack rotating file.
func NewLogger(opts LoggerOptions) *Logger {
	if opts.File == "" {
		opts.File = DefaultLogFile
	}
	_ = os.MkdirAll(filepath.Dir(opts.File), 0755)
	logFile := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    15, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	l := NewLoggerTo(zapcore.AddSync(logFile), opts.JSON, opts.Debug)
	l.sink = logFile
	return l
}

// NewLoggerTo builds a logger over an arbitrary writer.
func NewLoggerTo(w zapcore.WriteSyncer, jsonMode, debug bool) *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if jsonMode {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	return &Logger{z: zap.New(zapcore.NewCore(enc, zapcore.Lock(w), level))}
}

// Close flushes and closes the logger resources.
func (w *Logger) Close() error {
	_ = w.z.Sync()
	if w.sink != nil {
		return w.sink.Close()
	}
	return nil
}

// With returns a child logger carrying structured fields.
func (w *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{z: w.z.With(fields...)}
}

// Zap exposes the underlying zap logger.
func (w *Logger) Zap() *zap.Logger {
	return w.z
}

// LogProcessStep logs the current step in a process.
func (w *Logger) LogProcessStep(step string) {
	w.z.Info("process step", zap.String("step", step))
}

// Log logs a general message only to the log file.
func (w *Logger) Log(message string) {
	w.z.Info(message)
}

// Logf logs a formatted general message only to the log file.
func (w *Logger) Logf(format string, v ...interface{}) {
	w.z.Info(fmt.Sprintf(format, v...))
}

// Debugf is Logf at debug level.
func (w *Logger) Debugf(format string, v ...interface{}) {
	if w.z.Core().Enabled(zapcore.DebugLevel) {
		w.z.Debug(fmt.Sprintf(format, v...))
	}
}

func (w *Logger) LogError(err error) {
	if err == nil {
		return
	}
	fields := []zap.Field{zap.Error(err)}
	if se, ok := AsStructured(err); ok {
		fields = append(fields, zap.String("code", se.Code), zap.String("category", se.Category.String()))
	}
	w.z.Error("error", fields...)
}
