package daemon

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cco-dev/claude-code-orchestra/internal/rendezvous"
)

func TestExpandHomeReplacesTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, home, expandHome("~"))
	assert.Equal(t, filepath.Join(home, ".cco"), expandHome("~/.cco"))
	assert.Equal(t, "/var/lib/cco", expandHome("/var/lib/cco"))
}

func TestRepositoryNameUsesWorkingDirectoryBase(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "my-project")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	wd, err := os.Getwd()
	require.NoError(t, err)
	defer os.Chdir(wd)

	require.NoError(t, os.Chdir(sub))
	assert.Equal(t, "my-project", repositoryName())
}

func TestCodeMapsExitErrorsAndDefaults(t *testing.T) {
	assert.Equal(t, ExitOK, Code(nil))
	assert.Equal(t, ExitBadArgs, Code(&exitError{code: ExitBadArgs, err: errors.New("bad args")}))
	assert.Equal(t, ExitStartupFailure, Code(&exitError{code: ExitStartupFailure, err: errors.New("boom")}))
	assert.Equal(t, ExitStartupFailure, Code(errors.New("some other error")))
}

// TestRunServesHealthAndShutsDownOnRequest drives a full Run() lifecycle
// against ephemeral ports and a scratch data root: it waits for the
// rendezvous record to appear, hits /health, then triggers /api/shutdown
// and confirms Run returns promptly.
func TestRunServesHealthAndShutsDownOnRequest(t *testing.T) {
	dataRoot := t.TempDir()
	transcriptRoot := t.TempDir()

	t.Setenv("CCO_DATA_ROOT", dataRoot)
	t.Setenv("CCO_PORT", "0")
	t.Setenv("CCO_AUTO_UPDATE", "false")
	t.Setenv("CCO_TRANSCRIPT_ROOT", transcriptRoot)
	t.Setenv("CCO_LOG_ASYNC", "false")

	done := make(chan error, 1)
	go func() {
		done <- Run(nil)
	}()

	var rec rendezvous.Record
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var err error
		rec, err = rendezvous.DiscoverAny(dataRoot)
		if err == nil && rec.Port != 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NotZero(t, rec.Port, "daemon did not publish a rendezvous record in time")

	base := fmt.Sprintf("http://127.0.0.1:%d", rec.Port)

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(base+"/api/shutdown", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down within the expected budget")
	}

	_, err = rendezvous.Discover(dataRoot, rec.Port)
	assert.Error(t, err, "rendezvous file should have been removed on shutdown")
}
