// Package tunnel bridges client WebSocket connections to upstream services.
package tunnel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/bytebrushstudios/byteproxy/internal/domain"
	"github.com/bytebrushstudios/byteproxy/internal/forward"
)

const closeGrace = time.Second

// Preparer runs the forwarding checks and builds the upstream request.
type Preparer interface {
	Prepare(ctx context.Context, req *forward.Request) (*forward.Prepared, error)
}

// IsUpgrade reports whether r asks for a WebSocket upgrade.
func IsUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// Bridge relays frames between a client and an upstream WebSocket.
type Bridge struct {
	prep     Preparer
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithDialer replaces the upstream dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(b *Bridge) {
		b.dialer = d
	}
}

// WithHandshakeTimeout bounds the upstream handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.dialer.HandshakeTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// New creates a bridge.
func New(prep Preparer, opts ...Option) *Bridge {
	b := &Bridge{
		prep: prep,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
		},
		upgrader: websocket.Upgrader{
			// Gateway access control runs before the tunnel.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Serve dials the upstream and, once connected, upgrades the client and
// relays until either side closes. A non-nil error means nothing has been
// written to w and the caller should render it.
func (b *Bridge) Serve(w http.ResponseWriter, r *http.Request, req *forward.Request) error {
	ctx := r.Context()

	tr := *req
	tr.Tunnel = true
	p, err := b.prep.Prepare(ctx, &tr)
	if err != nil {
		return err
	}

	target := forward.WebSocketURL(p.URL)
	upstream, resp, err := b.dialer.DialContext(ctx, target, forward.TunnelHeader(p.Header))
	if err != nil {
		var status int
		if resp != nil {
			status = resp.StatusCode
			resp.Body.Close()
		}
		b.logger.ErrorContext(ctx, "websocket upstream dial failed",
			slog.String("service", req.Service),
			slog.String("url", target),
			slog.Int("upstream_status", status),
			slog.String("error", err.Error()))
		return domain.NewError(domain.ErrorKindUpstreamUnreachable, "WebSocket proxy error").
			WithService(req.Service).
			WithDetail("upstream_status", status).
			WithCause(err)
	}

	var respHeader http.Header
	if proto := upstream.Subprotocol(); proto != "" {
		respHeader = http.Header{"Sec-Websocket-Protocol": {proto}}
	}
	client, err := b.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// The upgrader has already answered the client.
		upstream.Close()
		b.logger.WarnContext(ctx, "websocket client upgrade failed",
			slog.String("service", req.Service),
			slog.String("error", err.Error()))
		return nil
	}

	b.logger.InfoContext(ctx, "websocket tunnel opened",
		slog.String("service", req.Service),
		slog.String("url", target))

	started := time.Now()
	err = relay(client, upstream)
	b.logger.InfoContext(ctx, "websocket tunnel closed",
		slog.String("service", req.Service),
		slog.Duration("duration", time.Since(started)),
		slog.String("reason", closeReason(err)))
	return nil
}

// relay copies frames in both directions. The first side to stop tears down
// both connections.
func relay(client, upstream *websocket.Conn) error {
	var g errgroup.Group
	closeBoth := func() {
		client.Close()
		upstream.Close()
	}
	g.Go(func() error {
		defer closeBoth()
		return pump(upstream, client)
	})
	g.Go(func() error {
		defer closeBoth()
		return pump(client, upstream)
	})
	return g.Wait()
}

func pump(dst, src *websocket.Conn) error {
	for {
		mt, r, err := src.NextReader()
		if err != nil {
			forwardClose(dst, err)
			return err
		}
		w, err := dst.NextWriter(mt)
		if err != nil {
			return err
		}
		if _, err := io.Copy(w, r); err != nil {
			w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	}
}

// forwardClose relays the peer's close code. Transport failures are reported
// to the other side as going away.
func forwardClose(dst *websocket.Conn, err error) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
		msg = websocket.FormatCloseMessage(ce.Code, ce.Text)
	}
	_ = dst.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
}

func closeReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Error()
	}
	if err == nil {
		return "closed"
	}
	return err.Error()
}
