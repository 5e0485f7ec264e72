package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	logFilePrefix = "brokerd_log_"
	logFileSuffix = ".log"
	logDayLayout  = "20060102"

	defaultLogRetention = 30 * 24 * time.Hour
)

// LoggerOptions configures NewLogger.
type LoggerOptions struct {
	Dir           string // "" disables file output
	Level         string
	Console       bool
	RetentionDays int // <= 0 keeps 30 days
}

// NewLogger builds a JSON file logger that rolls to a new file each day,
// optionally teed to a console encoder on stderr. Call Sync before exit.
func NewLogger(opts LoggerOptions) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(opts.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := newRotatingFile(opts.Dir, time.Duration(opts.RetentionDays)*24*time.Hour, nil)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encCfg),
			zapcore.AddSync(file),
			level,
		))
	}
	if opts.Console || len(cores) == 0 {
		consoleCfg := encCfg
		consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleCfg),
			zapcore.Lock(os.Stderr),
			level,
		))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// LogFileName returns the log file name for the given day.
func LogFileName(day time.Time) string {
	return logFilePrefix + day.Format(logDayLayout) + logFileSuffix
}

// CleanupOldLogs deletes log files dated more than retentionDays before now.
// Returns the number of files removed.
func CleanupOldLogs(dir string, retentionDays int, now time.Time) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := now.AddDate(0, 0, -retentionDays)
	removed := 0
	var errs []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, logFilePrefix) || !strings.HasSuffix(name, logFileSuffix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, logFilePrefix), logFileSuffix)
		day, err := time.ParseInLocation(logDayLayout, stamp, now.Location())
		if err != nil || !day.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		removed++
	}
	if len(errs) > 0 {
		return removed, fmt.Errorf("remove old logs: %s", strings.Join(errs, "; "))
	}
	return removed, nil
}

// newRotatingFile opens brokerd_log_YYYYMMDD.log in dir, switching to a new
// file at local midnight and purging files older than maxAge on rotation.
func newRotatingFile(dir string, maxAge time.Duration, clock rotatelogs.Clock) (*rotatelogs.RotateLogs, error) {
	if maxAge <= 0 {
		maxAge = defaultLogRetention
	}
	if clock == nil {
		clock = rotatelogs.Local
	}
	pattern := filepath.Join(dir, logFilePrefix+"%Y%m%d"+logFileSuffix)
	return rotatelogs.New(pattern,
		rotatelogs.WithClock(clock),
		rotatelogs.WithRotationTime(24*time.Hour),
		rotatelogs.WithMaxAge(maxAge),
	)
}
