package rendezvous

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cco-dev/claude-code-orchestra/internal/domainerr"
)

func TestPublishAndDiscoverRoundTrip(t *testing.T) {
	dir := t.TempDir()

	rec := Record{
		PID:       os.Getpid(),
		Port:      54321,
		Version:   "2026.7.1",
		StartedAt: time.Now().UTC().Truncate(time.Second),
	}
	pub := NewPublisher(dir, rec)
	require.NoError(t, pub.Publish())

	got, err := Discover(dir, rec.Port)
	require.NoError(t, err)
	assert.Equal(t, rec.PID, got.PID)
	assert.Equal(t, rec.Port, got.Port)
	assert.Equal(t, rec.Version, got.Version)
	assert.True(t, rec.StartedAt.Equal(got.StartedAt))

	require.NoError(t, pub.Remove())
	_, err = Discover(dir, rec.Port)
	assert.ErrorIs(t, err, domainerr.ErrNoDaemon)
}

func TestSetProxyAndGatewayPort(t *testing.T) {
	dir := t.TempDir()
	rec := Record{PID: os.Getpid(), Port: 1, Version: "2026.1.1", StartedAt: time.Now()}
	pub := NewPublisher(dir, rec)
	require.NoError(t, pub.Publish())
	require.NoError(t, pub.SetProxyPort(2))
	require.NoError(t, pub.SetGatewayPort(3))

	got, err := Discover(dir, 1)
	require.NoError(t, err)
	require.NotNil(t, got.ProxyPort)
	require.NotNil(t, got.GatewayPort)
	assert.Equal(t, 2, *got.ProxyPort)
	assert.Equal(t, 3, *got.GatewayPort)
}

func TestDiscoverStaleRecordIsRemoved(t *testing.T) {
	dir := t.TempDir()
	// A PID that is extremely unlikely to be alive.
	rec := Record{PID: 1 << 30, Port: 9999, Version: "2026.1.1", StartedAt: time.Now()}
	pub := NewPublisher(dir, rec)
	require.NoError(t, pub.Publish())

	_, err := Discover(dir, 9999)
	assert.ErrorIs(t, err, domainerr.ErrStaleDiscovery)

	// File should have been cleaned up opportunistically.
	_, err = Discover(dir, 9999)
	assert.ErrorIs(t, err, domainerr.ErrNoDaemon)
}

func TestDiscoverAnyFindsLiveRecord(t *testing.T) {
	dir := t.TempDir()
	stale := Record{PID: 1 << 30, Port: 1111, Version: "2026.1.1", StartedAt: time.Now()}
	live := Record{PID: os.Getpid(), Port: 2222, Version: "2026.1.1", StartedAt: time.Now()}

	require.NoError(t, NewPublisher(dir, stale).Publish())
	require.NoError(t, NewPublisher(dir, live).Publish())

	got, err := DiscoverAny(dir)
	require.NoError(t, err)
	assert.Equal(t, live.Port, got.Port)
}
