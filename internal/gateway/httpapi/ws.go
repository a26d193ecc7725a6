package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/sanduku/internal/executor"
)

// Streaming execute over WebSocket. The client authenticates with its
// session id, sends one ExecuteRequest as JSON, and receives output chunks
// as the process produces them, then a final result frame. One command per
// connection.

const streamReadTimeout = 10 * time.Second

// StreamFrame is one message on the command stream.
type StreamFrame struct {
	Type   string           `json:"type"` // "stdout", "stderr", or "result"
	Data   string           `json:"data,omitempty"`
	Result *executor.Result `json:"result,omitempty"`
}

func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	// Authenticate before the upgrade: the session id comes from the usual
	// headers or, for browser clients that cannot set headers, a query param.
	id := sessionIDFromRequest(r)
	if id == "" {
		id = r.URL.Query().Get("session_id")
	}
	session, err := g.sessions.ValidateSession(r.Context(), id)
	if err != nil {
		http.Error(w, "invalid or expired session", http.StatusUnauthorized)
		return
	}

	if g.limiter != nil {
		if err := g.limiter.Allow(session.ID); err != nil {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"sanduku-stream-v1"},
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	g.streamCommand(r.Context(), conn, session.ID)
}

func (g *Gateway) streamCommand(ctx context.Context, conn *websocket.Conn, sessionID string) {
	// First and only frame from the client is the request.
	readCtx, cancel := context.WithTimeout(ctx, streamReadTimeout)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		g.logger.Debug("stream request read failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return
	}

	var req ExecuteRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Command == "" {
		_ = writeFrame(ctx, conn, StreamFrame{Type: "result", Result: &executor.Result{
			Status:   executor.StatusFailed,
			Stderr:   "invalid execute request",
			ExitCode: 1,
		}})
		return
	}

	g.logger.Info("stream execute",
		slog.String("session_id", sessionID),
		slog.String("command", req.Command),
	)

	// One shared sink so stdout and stderr frames never interleave a write.
	sink := &streamSink{ctx: ctx, conn: conn}
	stdout := sink.writer("stdout")
	stderr := sink.writer("stderr")

	result := g.exec.SubmitStream(ctx, sessionID, executor.Invocation{
		Command:    req.Command,
		Args:       req.Args,
		Env:        req.Env,
		WorkingDir: req.WorkingDir,
		Timeout:    time.Duration(req.TimeoutSeconds) * time.Second,
	}, stdout, stderr)

	_ = writeFrame(ctx, conn, StreamFrame{Type: "result", Result: &result})
}

// streamSink serializes frame writes from the stdout and stderr copiers.
// A dead connection drops chunks silently since the buffered result still
// carries the full output.
type streamSink struct {
	ctx  context.Context
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *streamSink) writer(kind string) *frameWriter {
	return &frameWriter{sink: s, kind: kind}
}

// frameWriter adapts one output stream to io.Writer for the executor's
// live output tee.
type frameWriter struct {
	sink *streamSink
	kind string
}

func (f *frameWriter) Write(p []byte) (int, error) {
	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	_ = writeFrame(f.sink.ctx, f.sink.conn, StreamFrame{Type: f.kind, Data: string(p)})
	return len(p), nil
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame StreamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
