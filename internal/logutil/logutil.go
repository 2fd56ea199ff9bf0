// Package logutil emits one-line JSON log records through the standard logger.
package logutil

import (
	"encoding/json"
	"log"
	"time"
)

// Fields carries structured key/value context for a log record.
type Fields map[string]interface{}

// Info logs a structured info message.
func Info(msg string, fields Fields) {
	logJSON("info", msg, fields)
}

// Warn logs a structured warning. A non-nil err is attached as "error".
func Warn(msg string, err error, fields Fields) {
	logJSON("warn", msg, withError(fields, err))
}

// Error logs a structured error message including the error string.
func Error(msg string, err error, fields Fields) {
	logJSON("error", msg, withError(fields, err))
}

func withError(fields Fields, err error) Fields {
	if fields == nil {
		fields = Fields{}
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	return fields
}

// Encode renders a record the way it is written to the log.
func Encode(level, msg string, fields Fields, now time.Time) ([]byte, error) {
	entry := map[string]interface{}{}
	for k, v := range fields {
		entry[k] = v
	}
	entry["level"] = level
	entry["message"] = msg
	entry["timestamp"] = now.UTC().Format(time.RFC3339Nano)
	return json.Marshal(entry)
}

func logJSON(level, msg string, fields Fields) {
	payload, err := Encode(level, msg, fields, time.Now())
	if err != nil {
		log.Printf("%s: %+v", msg, fields)
		return
	}
	log.Printf("%s", payload)
}
