package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogJSON writes entry as a single JSON line.
func LogJSON(entry map[string]any) error {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"level":"error","msg":"log marshal failed"}`)
		return err
	}
	Logger().Println(string(data))
	return nil
}

// LogRequest emits a structured JSON log line with common HTTP fields.
func LogRequest(entry map[string]any) {
	if _, ok := entry["ts"]; !ok {
		entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	entry["type"] = "http"
	_ = LogJSON(entry)
}

// Info logs an informational message with fields.
func Info(msg string, fields map[string]any) { logLevel("info", msg, fields) }

// Warn logs a warning with fields.
func Warn(msg string, fields map[string]any) { logLevel("warn", msg, fields) }

// Error logs an error with fields.
func Error(msg string, err error, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	logLevel("error", msg, fields)
}

func logLevel(level, msg string, fields map[string]any) {
	entry := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level
	entry["msg"] = msg
	_ = LogJSON(entry)
}
