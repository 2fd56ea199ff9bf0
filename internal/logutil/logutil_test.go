package logutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"testing"
	"time"
)

func TestEncodeReservedKeysWin(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err := Encode("info", "job_completed", Fields{"jobId": "abc", "level": "spoofed"}, now)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var entry map[string]interface{}
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["level"] != "info" || entry["message"] != "job_completed" || entry["jobId"] != "abc" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if entry["timestamp"] != "2024-01-02T03:04:05Z" {
		t.Fatalf("unexpected timestamp %v", entry["timestamp"])
	}
}

func TestErrorAttachesErrorField(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Writer()
	prevFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(prev)
		log.SetFlags(prevFlags)
	})

	Error("acquire_failed", errors.New("boom"), nil)

	line := strings.TrimSpace(buf.String())
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	if entry["error"] != "boom" || entry["level"] != "error" {
		t.Fatalf("unexpected entry %v", entry)
	}
}
