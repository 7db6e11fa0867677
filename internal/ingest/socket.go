package ingest

import (
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/chainscope/telemetry-aggregator/internal/obsv"
)

// Registrar is the minimal surface the ingest server needs from the
// aggregator. It is declared here, rather than importing the aggregator
// package directly, because the aggregator already depends on this
// package's frame types — importing it back would cycle.
type Registrar interface {
	RegisterNode(ip string, c Connected, now time.Time) Handle
}

// Handle is a live node registration: the per-connection object the
// ingest read loop feeds decoded frames into for the lifetime of the
// socket.
type Handle interface {
	HandleFrame(now time.Time, f Frame)
	Close()
}

// Server accepts ingest WebSocket connections: one per telemetry-reporting
// node, speaking the system.connected / system.interval frame protocol
// decoded by frame.go.
type Server struct {
	Aggregator Registrar
	Admission  *obsv.AdmissionGate
	Logger     zerolog.Logger

	HelloTimeout    time.Duration
	IngestTimeout   time.Duration
	NoBlockTimeout  time.Duration
	PreHelloBacklog int
}

// ServeHTTP upgrades the request to a WebSocket and hands the connection
// to a dedicated goroutine. The admission gate runs before the upgrade,
// so a rejected connection never costs a handshake.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if s.Admission != nil {
		if reason := s.Admission.Check(ip); reason != "" {
			http.Error(w, "connection rejected: "+reason, http.StatusServiceUnavailable)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		obsv.ConnectionsRejected.WithLabelValues("ingest", "upgrade_failed").Inc()
		return
	}

	obsv.IngestConnectionsTotal.Inc()
	obsv.IngestConnectionsActive.Inc()
	go s.serve(conn, ip)
}

func (s *Server) serve(conn net.Conn, ip string) {
	defer obsv.IngestConnectionsActive.Dec()
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Str("remote_ip", ip).
				Msg("ingest connection goroutine panicked")
		}
	}()

	handle, ok := s.awaitHello(conn, ip)
	if !ok {
		return
	}
	defer handle.Close()

	_ = conn.SetReadDeadline(time.Now().Add(s.IngestTimeout))
	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.IngestTimeout))

		frame, err := Decode(data)
		if err != nil {
			obsv.IngestFramesInvalid.WithLabelValues("unknown").Inc()
			s.Logger.Debug().Err(err).Str("remote_ip", ip).Msg("dropping malformed ingest frame")
			continue
		}
		obsv.IngestFramesTotal.Inc()
		handle.HandleFrame(time.Now(), frame)
	}
}

// awaitHello buffers frames (up to PreHelloBacklog) until a
// system.connected frame arrives or HelloTimeout elapses, then registers
// the node and replays whatever was buffered in order.
func (s *Server) awaitHello(conn net.Conn, ip string) (Handle, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(s.HelloTimeout))

	var backlog []Frame
	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return nil, false
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}

		frame, err := Decode(data)
		if err != nil {
			obsv.IngestFramesInvalid.WithLabelValues("unknown").Inc()
			s.Logger.Debug().Err(err).Str("remote_ip", ip).Msg("dropping malformed ingest frame")
			continue
		}

		if frame.Kind == KindConnected {
			handle := s.Aggregator.RegisterNode(ip, *frame.Connected, time.Now())
			for _, buffered := range backlog {
				handle.HandleFrame(time.Now(), buffered)
			}
			return handle, true
		}

		if len(backlog) >= s.PreHelloBacklog {
			backlog = backlog[1:]
		}
		backlog = append(backlog, frame)
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
