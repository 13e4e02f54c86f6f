// Package terminal bridges a browser WebSocket connection to a PTY
// session, loopback-only and capped per IP (spec §4.I). Grounded on the
// websocket hub pattern used elsewhere in this codebase, adapted here to
// bridge one connection to one PTY instead of fanning broadcasts out to
// many.
package terminal

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/cco-dev/claude-code-orchestra/internal/connlimit"
	"github.com/cco-dev/claude-code-orchestra/internal/domainerr"
	"github.com/cco-dev/claude-code-orchestra/internal/pty"
)

// maxFrameBytes caps a single inbound binary frame. Larger frames are
// rejected rather than truncated to avoid silently corrupting input.
const maxFrameBytes = 64 * 1024

// initialCaptureAttempts/initialCaptureInterval bound how long ServeHTTP
// waits for a freshly-spawned shell's prompt/banner before bridging starts
// (spec §4.I step 4: "a few hundred milliseconds").
const (
	initialCaptureAttempts = 5
	initialCaptureInterval = 50 * time.Millisecond
)

var resizePattern = regexp.MustCompile(`^\x1b\[RESIZE;(\d+);(\d+)$`)

// Options configures the Gateway.
type Options struct {
	IdleTimeout        time.Duration
	ReaderTickInterval time.Duration
	LivenessInterval   time.Duration
	MaxFrameBytes      int
}

// SpawnFunc creates a new PTY session for an incoming terminal connection.
type SpawnFunc func() (*pty.Session, error)

// Gateway accepts loopback WebSocket connections and bridges each one to
// its own PTY session, subject to a per-IP connection cap.
type Gateway struct {
	opts    Options
	limiter *connlimit.Limiter
	spawn   SpawnFunc
	logger  *slog.Logger
}

// New creates a Gateway. spawn is called once per accepted connection to
// create that connection's PTY session.
func New(opts Options, limiter *connlimit.Limiter, spawn SpawnFunc, logger *slog.Logger) *Gateway {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.ReaderTickInterval <= 0 {
		opts.ReaderTickInterval = 10 * time.Millisecond
	}
	if opts.LivenessInterval <= 0 {
		opts.LivenessInterval = time.Second
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = maxFrameBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{opts: opts, limiter: limiter, spawn: spawn, logger: logger}
}

// LoopbackOnly is middleware that rejects any request whose remote address
// does not resolve to a loopback IP, returning 403.
func LoopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			http.Error(w, "forbidden: loopback connections only", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServeHTTP upgrades the connection, enforces the per-IP cap, spawns a PTY,
// and bridges bytes between the two until either side closes or goes idle.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)

	if !g.limiter.TryAcquire(ip) {
		g.logger.Warn("terminal: connection rejected", "ip", ip, "error", domainerr.ErrQuotaExceeded)
		http.Error(w, domainerr.ErrQuotaExceeded.Error(), http.StatusTooManyRequests)
		return
	}
	defer g.limiter.Release(ip)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		g.logger.Warn("terminal: accept failed", "ip", ip, "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	session, err := g.spawn()
	if err != nil {
		g.logger.Error("terminal: spawn failed", "ip", ip, "error", err)
		conn.Close(websocket.StatusInternalError, "spawn failed")
		return
	}
	defer session.Close()

	g.logger.Info("terminal: session started", "ip", ip, "session_id", session.SessionID())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	initial := CaptureInitialOutput(session, initialCaptureAttempts, initialCaptureInterval)
	if len(initial) > 0 {
		if err := conn.Write(ctx, websocket.MessageBinary, initial); err != nil {
			return
		}
	}

	go g.readerLoop(ctx, conn, session)

	g.writerLoop(ctx, conn, session)

	g.logger.Info("terminal: session ended", "ip", ip, "session_id", session.SessionID())
}

// readerLoop polls the PTY for output and forwards it as binary frames,
// and separately checks process liveness, closing the connection if the
// shell has exited.
func (g *Gateway) readerLoop(ctx context.Context, conn *websocket.Conn, session *pty.Session) {
	readTicker := time.NewTicker(g.opts.ReaderTickInterval)
	defer readTicker.Stop()
	liveTicker := time.NewTicker(g.opts.LivenessInterval)
	defer liveTicker.Stop()

	buf := make([]byte, 32*1024)

	for {
		select {
		case <-ctx.Done():
			return
		case <-liveTicker.C:
			if !session.IsRunning() {
				conn.Close(websocket.StatusNormalClosure, "shell exited")
				return
			}
		case <-readTicker.C:
			n, err := session.Read(buf)
			if err != nil {
				g.logger.Debug("terminal: pty read error", "error", err)
				conn.Close(websocket.StatusInternalError, "pty read error")
				return
			}
			if n == 0 {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageBinary, buf[:n]); err != nil {
				return
			}
		}
	}
}

// writerLoop reads frames from the client and applies them: binary frames
// are raw PTY input, text frames are either a resize command or PTY input.
func (g *Gateway) writerLoop(ctx context.Context, conn *websocket.Conn, session *pty.Session) {
	for {
		readCtx, cancel := context.WithTimeout(ctx, g.opts.IdleTimeout)
		typ, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return
			}
			if readCtx.Err() == context.DeadlineExceeded {
				g.logger.Info("terminal: idle timeout")
				conn.Close(websocket.StatusNormalClosure, "idle timeout")
			}
			return
		}

		if len(data) > g.opts.MaxFrameBytes {
			g.logger.Warn("terminal: frame too large, dropping", "bytes", len(data))
			continue
		}

		switch typ {
		case websocket.MessageBinary:
			if err := session.Write(data); err != nil {
				g.logger.Debug("terminal: pty write failed", "error", err)
				return
			}
		case websocket.MessageText:
			if cols, rows, ok := parseResize(data); ok {
				if err := session.Resize(cols, rows); err != nil {
					g.logger.Warn("terminal: resize failed", "error", err)
				}
				continue
			}
			if err := session.Write(data); err != nil {
				g.logger.Debug("terminal: pty write failed", "error", err)
				return
			}
		}
	}
}

// parseResize matches the "\x1b[RESIZE;<cols>;<rows>" control sequence.
func parseResize(data []byte) (cols, rows int, ok bool) {
	m := resizePattern.FindSubmatch(bytes.TrimSpace(data))
	if m == nil {
		return 0, 0, false
	}
	c, err1 := strconv.Atoi(string(m[1]))
	r, err2 := strconv.Atoi(string(m[2]))
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return c, r, true
}

// CaptureInitialOutput reads from session with bounded retries, giving the
// shell a chance to emit its prompt/banner before the caller starts
// bridging, without blocking indefinitely if the shell is silent. If
// nothing is captured, it sends a newline to coax a silent shell into
// producing a prompt and retries once more (spec §4.I step 4).
func CaptureInitialOutput(session *pty.Session, attempts int, interval time.Duration) []byte {
	out := captureOutput(session, attempts, interval)
	if len(out) > 0 {
		return out
	}
	if err := session.Write([]byte("\n")); err != nil {
		return out
	}
	return captureOutput(session, attempts, interval)
}

// captureOutput performs the bounded read-with-retries loop CaptureInitialOutput
// runs once before, and once after, its newline fallback.
func captureOutput(session *pty.Session, attempts int, interval time.Duration) []byte {
	var out bytes.Buffer
	buf := make([]byte, 4096)
	for i := 0; i < attempts; i++ {
		n, err := session.Read(buf)
		if err != nil {
			break
		}
		if n > 0 {
			out.Write(buf[:n])
		}
		time.Sleep(interval)
	}
	return out.Bytes()
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
