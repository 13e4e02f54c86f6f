// Package transcript stream-parses append-only JSONL conversation logs,
// emitting token-usage events for the metrics aggregator. See spec §4.C.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Usage holds the raw token counters carried by one assistant message.
type Usage struct {
	InputTokens              uint64 `json:"input_tokens"`
	OutputTokens             uint64 `json:"output_tokens"`
	CacheCreationInputTokens uint64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     uint64 `json:"cache_read_input_tokens"`
}

// Event is one parsed assistant message: a model name, its usage counters,
// and an optional timestamp.
type Event struct {
	Model     string
	Usage     Usage
	Timestamp time.Time
	HasTime   bool
}

// Result is the outcome of parsing a file from a byte offset: the events
// produced and the new offset to resume from next time.
type Result struct {
	Events      []Event
	NewOffset   int64
	SkippedLine int // number of lines that failed to parse or didn't qualify
}

type rawLine struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Message   struct {
		Model string `json:"model"`
		Usage *Usage `json:"usage"`
	} `json:"message"`
}

// Parse reads path starting at offset, emitting one Event per
// fully-newline-terminated line whose type is "assistant" and which
// carries a non-null message.model and message.usage. A trailing partial
// line (no newline yet) is left unconsumed; NewOffset never advances past
// the last complete line.
func Parse(path string, offset int64) (Result, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path comes from the watcher's own directory scan
	if err != nil {
		return Result{}, fmt.Errorf("transcript: open %s: %w", path, err)
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return Result{}, fmt.Errorf("transcript: seek %s: %w", path, err)
		}
	}

	reader := bufio.NewReaderSize(f, 64*1024)
	result := Result{NewOffset: offset}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// Either EOF with no trailing newline (partial line, don't
			// consume) or a real read error.
			if err == io.EOF {
				break
			}
			return result, fmt.Errorf("transcript: read %s: %w", path, err)
		}

		result.NewOffset += int64(len(line))

		ev, ok := parseLine(line)
		if !ok {
			result.SkippedLine++
			continue
		}
		result.Events = append(result.Events, ev)
	}

	return result, nil
}

func parseLine(line string) (Event, bool) {
	var raw rawLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Event{}, false
	}
	if raw.Type != "assistant" {
		return Event{}, false
	}
	if raw.Message.Model == "" || raw.Message.Usage == nil {
		return Event{}, false
	}

	ev := Event{
		Model: raw.Message.Model,
		Usage: *raw.Message.Usage,
	}
	if !raw.Timestamp.IsZero() {
		ev.Timestamp = raw.Timestamp
		ev.HasTime = true
	}
	return ev, true
}
