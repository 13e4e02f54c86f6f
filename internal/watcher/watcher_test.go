package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cco-dev/claude-code-orchestra/internal/transcript"
)

func writeTranscript(t *testing.T, root, project, name, content string) string {
	t.Helper()
	dir := filepath.Join(root, project)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

type capturedCall struct {
	project   string
	path      string
	events    int
	isNewFile bool
}

func TestInitialScanParsesExistingFiles(t *testing.T) {
	root := t.TempDir()
	line := `{"type":"assistant","message":{"model":"claude-haiku","usage":{"input_tokens":1,"output_tokens":1}}}` + "\n"
	writeTranscript(t, root, "proj-a", "session.jsonl", line+line)

	var mu sync.Mutex
	var calls []capturedCall
	w := New(root, 50*time.Millisecond, time.Hour, nil, func(project, path string, result transcript.Result, isNewFile bool) error {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, capturedCall{project, path, len(result.Events), isNewFile})
		return nil
	})

	require.NoError(t, w.initialScan())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 1)
	assert.Equal(t, "proj-a", calls[0].project)
	assert.Equal(t, 2, calls[0].events)
	assert.True(t, calls[0].isNewFile)
}

func TestSkipsDotAndVendorDirs(t *testing.T) {
	root := t.TempDir()
	line := `{"type":"assistant","message":{"model":"claude-haiku","usage":{"input_tokens":1,"output_tokens":1}}}` + "\n"
	writeTranscript(t, root, ".cco", "ignored.jsonl", line)
	writeTranscript(t, root, "vendor", "ignored2.jsonl", line)
	writeTranscript(t, root, "proj-a", "real.jsonl", line)

	var calls int
	w := New(root, 50*time.Millisecond, time.Hour, nil, func(project, path string, result transcript.Result, isNewFile bool) error {
		calls++
		return nil
	})

	require.NoError(t, w.initialScan())
	assert.Equal(t, 1, calls)
}

func TestSteadyStateDetectsAppendedLines(t *testing.T) {
	root := t.TempDir()
	line := `{"type":"assistant","message":{"model":"claude-haiku","usage":{"input_tokens":1,"output_tokens":1}}}` + "\n"
	path := writeTranscript(t, root, "proj-a", "session.jsonl", line)

	var mu sync.Mutex
	total := 0
	w := New(root, 30*time.Millisecond, time.Hour, nil, func(project, p string, result transcript.Result, isNewFile bool) error {
		mu.Lock()
		total += len(result.Events)
		mu.Unlock()
		return nil
	})
	require.NoError(t, w.initialScan())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(line)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	time.Sleep(300 * time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, total) // one from initial scan, one from the steady-state append
}

func TestCursorResetsOnFileShrink(t *testing.T) {
	root := t.TempDir()
	line := `{"type":"assistant","message":{"model":"claude-haiku","usage":{"input_tokens":1,"output_tokens":1}}}` + "\n"
	path := writeTranscript(t, root, "proj-a", "session.jsonl", line+line+line)

	w := New(root, time.Hour, time.Hour, nil, func(project, p string, result transcript.Result, isNewFile bool) error {
		return nil
	})
	require.NoError(t, w.initialScan())

	w.mu.Lock()
	cur := w.cursors[path]
	w.mu.Unlock()
	assert.Equal(t, int64(len(line)*3), cur.offset)

	// Simulate log rotation: file shrinks.
	require.NoError(t, os.WriteFile(path, []byte(line), 0o644))
	w.doParseAndDispatch(path)

	w.mu.Lock()
	cur2 := w.cursors[path]
	w.mu.Unlock()
	assert.Equal(t, int64(len(line)), cur2.offset)
}
