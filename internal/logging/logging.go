package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var log *zap.Logger = zap.NewNop()

// Options controls logger construction. A zero value logs JSON at info
// level to stderr with no file rotation.
type Options struct {
	Level      string
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	Console    bool
}

// Init builds the process logger. Safe to call once at startup; before
// Init all logging is a no-op so library code never panics.
func Init(opts Options) error {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.Set(opts.Level); err != nil {
			return err
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	if opts.FilePath != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 50
		}
		rotated := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    maxSize,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), rotated, level))
	}
	if opts.Console || opts.FilePath == "" {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(os.Stderr), level))
	}

	log = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	zap.ReplaceGlobals(log)
	return nil
}

// Sync flushes buffered entries. Called on shutdown.
func Sync() { _ = log.Sync() }

func L() *zap.Logger { return log }

func Info(msg string, fields ...zap.Field)  { log.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { log.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { log.Error(msg, fields...) }
func Debug(msg string, fields ...zap.Field) { log.Debug(msg, fields...) }

// HashUser returns a short non-reversible identifier for log lines. Raw
// user IDs never appear in logs.
func HashUser(userID int64) string {
	sum := sha256.Sum256([]byte(strconv.FormatInt(userID, 10)))
	return hex.EncodeToString(sum[:8])
}

// UserField is the standard zap field for a user reference.
func UserField(userID int64) zap.Field {
	return zap.String("user", HashUser(userID))
}
