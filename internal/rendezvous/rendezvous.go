// Package rendezvous publishes and discovers the small JSON artifacts a
// running CCO daemon uses so clients (dashboards, hook scripts) can find its
// port(s) without a central registry. See spec §3 "Rendezvous record" and
// §4.A.
package rendezvous

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cco-dev/claude-code-orchestra/internal/domainerr"
)

// Record is the rendezvous artifact's on-disk shape (see spec §6).
type Record struct {
	PID         int       `json:"pid"`
	Port        int       `json:"port"`
	ProxyPort   *int      `json:"proxy_port,omitempty"`
	GatewayPort *int      `json:"gateway_port,omitempty"`
	Version     string    `json:"version"`
	StartedAt   time.Time `json:"started_at"`
}

// Publisher owns the rendezvous file and settings file for one daemon
// instance. Writes are serialised through its mutex, matching the
// supervisor's single-writer contract (spec §5).
type Publisher struct {
	mu           sync.Mutex
	dataRoot     string
	record       Record
	rendezvousPath string
	settingsPath string
}

// NewPublisher creates a Publisher rooted at dataRoot. Call Publish once the
// primary listener has bound to learn the actual port.
func NewPublisher(dataRoot string, rec Record) *Publisher {
	return &Publisher{
		dataRoot:       dataRoot,
		record:         rec,
		rendezvousPath: rendezvousPath(dataRoot, rec.Port),
		settingsPath:   settingsPath(dataRoot),
	}
}

// rendezvousPath returns "<dataRoot>/pids/cco-<port>.json".
func rendezvousPath(dataRoot string, port int) string {
	return filepath.Join(dataRoot, "pids", fmt.Sprintf("cco-%d.json", port))
}

// settingsPath returns "<dataRoot>/settings.json".
func settingsPath(dataRoot string) string {
	return filepath.Join(dataRoot, "settings.json")
}

// Publish writes the rendezvous file and updates the settings file. It is
// called once, immediately after the primary listener binds, before the
// HTTP server starts serving (spec §4.L step 5).
func (p *Publisher) Publish() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeLocked()
}

// SetProxyPort records the proxy listener's port and republishes.
func (p *Publisher) SetProxyPort(port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record.ProxyPort = &port
	return p.writeLocked()
}

// SetGatewayPort records the terminal gateway listener's port and
// republishes.
func (p *Publisher) SetGatewayPort(port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record.GatewayPort = &port
	return p.writeLocked()
}

func (p *Publisher) writeLocked() error {
	if err := os.MkdirAll(filepath.Dir(p.rendezvousPath), 0o700); err != nil {
		return fmt.Errorf("rendezvous: mkdir: %w", err)
	}
	if err := atomicWriteJSON(p.rendezvousPath, p.record); err != nil {
		return fmt.Errorf("rendezvous: write record: %w", err)
	}

	settings := map[string]any{"port": p.record.Port}
	if err := atomicWriteJSON(p.settingsPath, settings); err != nil {
		return fmt.Errorf("rendezvous: write settings: %w", err)
	}
	return nil
}

// Remove deletes the rendezvous file on graceful shutdown (spec §4.L step
// 8). The settings file is left in place; it is harmless state for hook
// scripts and gets overwritten by the next daemon to start.
func (p *Publisher) Remove() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := os.Remove(p.rendezvousPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rendezvous: remove: %w", err)
	}
	return nil
}

// atomicWriteJSON writes v to path via a temp file in the same directory
// followed by rename, so readers never observe a torn write.
func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Discover reads the rendezvous file for the given port. If the recorded
// PID is not alive, the file is treated as absent (stale) and is removed
// opportunistically, matching the "no locking, last writer wins" discovery
// contract (spec §4.A, §7).
func Discover(dataRoot string, port int) (Record, error) {
	path := rendezvousPath(dataRoot, port)
	return discoverAt(path)
}

func discoverAt(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, domainerr.ErrNoDaemon
		}
		return Record{}, fmt.Errorf("rendezvous: read: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("rendezvous: unmarshal: %w", err)
	}

	if !processAlive(rec.PID) {
		_ = os.Remove(path)
		return Record{}, domainerr.ErrStaleDiscovery
	}

	return rec, nil
}

// DiscoverAny scans "<dataRoot>/pids/*.json" and returns the first live
// record found, removing any stale files it encounters along the way.
func DiscoverAny(dataRoot string) (Record, error) {
	dir := filepath.Join(dataRoot, "pids")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, domainerr.ErrNoDaemon
		}
		return Record{}, fmt.Errorf("rendezvous: read dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		rec, err := discoverAt(filepath.Join(dir, e.Name()))
		if err == nil {
			return rec, nil
		}
	}
	return Record{}, domainerr.ErrNoDaemon
}
