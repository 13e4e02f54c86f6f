package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cco-dev/claude-code-orchestra/internal/version"
)

func newFeedServer(t *testing.T, assetBody []byte, advertisedVersion string) (*httptest.Server, string) {
	t.Helper()

	digest := sha256.Sum256(assetBody)
	checksumLine := hex.EncodeToString(digest[:]) + "  cco-linux-amd64\n"

	mux := http.NewServeMux()
	var serverURL string

	mux.HandleFunc("/feed.json", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Artifact{
			Version:          advertisedVersion,
			PlatformAssetURL: serverURL + "/cco-linux-amd64",
			ChecksumFileURL:  serverURL + "/checksums.txt",
			ReleaseNotes:     "test release",
		})
	})
	mux.HandleFunc("/cco-linux-amd64", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(assetBody)
	})
	mux.HandleFunc("/checksums.txt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(checksumLine))
	})

	srv := httptest.NewServer(mux)
	serverURL = srv.URL
	return srv, srv.URL + "/feed.json"
}

func TestCheckReportsUpdateAvailable(t *testing.T) {
	srv, feedURL := newFeedServer(t, []byte("new binary contents"), "2099.1.1")
	defer srv.Close()

	e, err := New(Options{FeedURL: feedURL, Channel: "stable", Current: version.MustParse("2025.1.1"), BinaryPath: "/tmp/unused"})
	require.NoError(t, err)

	artifact, err := e.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2099.1.1", artifact.Version)
}

func TestCheckReportsUpToDate(t *testing.T) {
	srv, feedURL := newFeedServer(t, []byte("contents"), "2025.1.1")
	defer srv.Close()

	e, err := New(Options{FeedURL: feedURL, Channel: "stable", Current: version.MustParse("2025.1.1"), BinaryPath: "/tmp/unused"})
	require.NoError(t, err)

	_, err = e.Check(context.Background())
	assert.ErrorIs(t, err, ErrUpToDate)
}

func TestCheckRejectsNonStableChannel(t *testing.T) {
	e, err := New(Options{FeedURL: "http://example.invalid", Channel: "beta", BinaryPath: "/tmp/unused"})
	require.NoError(t, err)

	_, err = e.Check(context.Background())
	assert.ErrorIs(t, err, ErrChannelUnsupported)
}

func TestInstallVerifiesChecksumAndReplacesBinary(t *testing.T) {
	assetBody := []byte("new binary contents v2")
	srv, feedURL := newFeedServer(t, assetBody, "2099.1.1")
	defer srv.Close()

	dir := t.TempDir()
	binaryPath := filepath.Join(dir, "cco")
	require.NoError(t, os.WriteFile(binaryPath, []byte("old binary contents"), 0o755))

	e, err := New(Options{FeedURL: feedURL, Channel: "stable", Current: version.MustParse("2025.1.1"), BinaryPath: binaryPath})
	require.NoError(t, err)

	artifact, err := e.Check(context.Background())
	require.NoError(t, err)

	require.NoError(t, e.Install(context.Background(), artifact, true, nil))

	got, err := os.ReadFile(binaryPath)
	require.NoError(t, err)
	assert.Equal(t, assetBody, got)

	_, err = os.Stat(binaryPath + ".backup")
	assert.True(t, os.IsNotExist(err)) // cleaned up on success
}

func TestInstallFailsOnChecksumMismatch(t *testing.T) {
	mux := http.NewServeMux()
	var serverURL string
	mux.HandleFunc("/cco-linux-amd64", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tampered contents"))
	})
	mux.HandleFunc("/checksums.txt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0000000000000000000000000000000000000000000000000000000000000000  cco-linux-amd64\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	serverURL = srv.URL

	dir := t.TempDir()
	binaryPath := filepath.Join(dir, "cco")
	require.NoError(t, os.WriteFile(binaryPath, []byte("original"), 0o755))

	e, err := New(Options{FeedURL: "unused", Channel: "stable", BinaryPath: binaryPath})
	require.NoError(t, err)

	artifact := Artifact{
		Version:          "2099.1.1",
		PlatformAssetURL: serverURL + "/cco-linux-amd64",
		ChecksumFileURL:  serverURL + "/checksums.txt",
	}

	err = e.Install(context.Background(), artifact, true, nil)
	assert.Error(t, err)

	got, err := os.ReadFile(binaryPath)
	require.NoError(t, err)
	assert.Equal(t, "original", string(got)) // original binary untouched on failed verify
}

func TestInstallSkippedOnDecline(t *testing.T) {
	dir := t.TempDir()
	binaryPath := filepath.Join(dir, "cco")
	require.NoError(t, os.WriteFile(binaryPath, []byte("original"), 0o755))

	e, err := New(Options{FeedURL: "unused", Channel: "stable", BinaryPath: binaryPath})
	require.NoError(t, err)

	err = e.Install(context.Background(), Artifact{Version: "2099.1.1"}, false, func(Artifact) bool { return false })
	require.NoError(t, err)

	got, err := os.ReadFile(binaryPath)
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))
}

func parseTime(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return tm
}

func TestScheduleDue(t *testing.T) {
	now := parseTime(t, "2026-07-31T12:00:00Z")

	assert.False(t, Schedule{Enabled: false, Interval: IntervalDaily}.Due(now))
	assert.False(t, Schedule{Enabled: true, Interval: IntervalNever}.Due(now))
	assert.True(t, Schedule{Enabled: true, Interval: IntervalDaily}.Due(now)) // missing last_check is always due

	recent := now.Add(-time.Hour)
	assert.False(t, Schedule{Enabled: true, Interval: IntervalDaily, LastCheck: &recent}.Due(now))

	stale := now.Add(-48 * time.Hour)
	assert.True(t, Schedule{Enabled: true, Interval: IntervalDaily, LastCheck: &stale}.Due(now))

	weeklyRecent := now.Add(-2 * 24 * time.Hour)
	assert.False(t, Schedule{Enabled: true, Interval: IntervalWeekly, LastCheck: &weeklyRecent}.Due(now))
}

func TestScheduleEnvOverrides(t *testing.T) {
	t.Setenv("CCO_AUTO_UPDATE", "false")
	t.Setenv("CCO_AUTO_UPDATE_CHANNEL", "stable")
	t.Setenv("CCO_AUTO_UPDATE_INTERVAL", "weekly")

	s, channel, err := Schedule{Enabled: true, Interval: IntervalDaily}.EnvOverrides("stable")
	require.NoError(t, err)
	assert.False(t, s.Enabled)
	assert.Equal(t, IntervalWeekly, s.Interval)
	assert.Equal(t, "stable", channel)
}

func TestScheduleEnvOverrideRejectsUnsupportedChannel(t *testing.T) {
	t.Setenv("CCO_AUTO_UPDATE_CHANNEL", "beta")

	_, _, err := Schedule{Enabled: true, Interval: IntervalDaily}.EnvOverrides("stable")
	assert.Error(t, err)
}

func TestCheckPersistsLastCheck(t *testing.T) {
	srv, feedURL := newFeedServer(t, []byte("contents"), "2025.1.1")
	defer srv.Close()

	statePath := filepath.Join(t.TempDir(), "update-state.json")

	e, err := New(Options{
		FeedURL: feedURL, Channel: "stable", Current: version.MustParse("2025.1.1"),
		BinaryPath: "/tmp/unused", StatePath: statePath,
	})
	require.NoError(t, err)
	assert.Nil(t, e.LastCheck())

	_, err = e.Check(context.Background())
	assert.ErrorIs(t, err, ErrUpToDate)
	require.NotNil(t, e.LastCheck())

	st, err := LoadState(statePath)
	require.NoError(t, err)
	require.NotNil(t, st.LastCheck)
	assert.Nil(t, st.LastUpdate)
}

func TestCheckSkippedOnUnsupportedChannelDoesNotRecordCheck(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "update-state.json")

	e, err := New(Options{FeedURL: "http://example.invalid", Channel: "beta", BinaryPath: "/tmp/unused", StatePath: statePath})
	require.NoError(t, err)

	_, err = e.Check(context.Background())
	assert.ErrorIs(t, err, ErrChannelUnsupported)
	assert.Nil(t, e.LastCheck())
}

func TestInstallPersistsLastUpdate(t *testing.T) {
	assetBody := []byte("new binary contents v3")
	srv, feedURL := newFeedServer(t, assetBody, "2099.1.1")
	defer srv.Close()

	dir := t.TempDir()
	binaryPath := filepath.Join(dir, "cco")
	require.NoError(t, os.WriteFile(binaryPath, []byte("old binary contents"), 0o755))
	statePath := filepath.Join(t.TempDir(), "update-state.json")

	e, err := New(Options{
		FeedURL: feedURL, Channel: "stable", Current: version.MustParse("2025.1.1"),
		BinaryPath: binaryPath, StatePath: statePath,
	})
	require.NoError(t, err)

	artifact, err := e.Check(context.Background())
	require.NoError(t, err)
	require.NoError(t, e.Install(context.Background(), artifact, true, nil))

	st, err := LoadState(statePath)
	require.NoError(t, err)
	require.NotNil(t, st.LastCheck)
	require.NotNil(t, st.LastUpdate)
}
