package feed

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
	"github.com/chainscope/telemetry-aggregator/internal/wire"
)

// Router is the minimal surface the feed server needs from the
// aggregator, declared locally for the same reason ingest.Registrar is:
// the aggregator already depends on the feed package (FeedSet, Feed), so
// this package cannot import it back.
type Router interface {
	Subscribe(f *Feed, label string) error
	Unsubscribe(f *Feed)
	SetFinality(f *Feed, on bool)
	DropFeed(f *Feed)
	AddGlobalFeed(f *Feed)
}

// Server accepts feed WebSocket connections: dashboard-style subscribers
// that receive the coalesced per-chain broadcast stream.
type Server struct {
	Router    Router
	Admission *obsv.AdmissionGate
	Logger    zerolog.Logger

	PongTimeout time.Duration
}

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
		obsv.ConnectionsRejected.WithLabelValues("feed", "upgrade_failed").Inc()
		return
	}

	obsv.FeedConnectionsTotal.Inc()
	obsv.FeedConnectionsActive.Inc()

	f := New(conn, s.Logger)
	// The first message ever sent to a feed is FeedVersion, so the client
	// can force a reload on a protocol mismatch before anything else
	// reaches it.
	if err := f.Write([]wire.Message{{Op: wire.FeedVersion, Payload: wire.ProtocolVersion}}); err != nil {
		f.Close()
		obsv.FeedConnectionsActive.Dec()
		return
	}
	s.Router.AddGlobalFeed(f)
	go s.serve(f)
}

func (s *Server) serve(f *Feed) {
	defer obsv.FeedConnectionsActive.Dec()
	defer f.Close()
	defer s.Router.DropFeed(f)
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Uint64("feed_id", f.ID).
				Msg("feed connection goroutine panicked")
		}
	}()

	timeout := s.PongTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	_ = f.conn.SetReadDeadline(time.Now().Add(timeout))

	for {
		data, op, err := wsutil.ReadClientData(f.conn)
		if err != nil {
			return
		}
		_ = f.conn.SetReadDeadline(time.Now().Add(timeout))

		switch op {
		case ws.OpPong:
			f.MarkPonged()
		case ws.OpText:
			s.handleCommand(f, string(data))
		}
	}
}

func (s *Server) handleCommand(f *Feed, raw string) {
	cmd, ok := ParseCommand(raw)
	if !ok {
		s.Logger.Debug().Uint64("feed_id", f.ID).Str("command", raw).Msg("ignoring unrecognized feed command")
		return
	}
	switch cmd.Tag {
	case "subscribe":
		if err := s.Router.Subscribe(f, cmd.Arg); err != nil {
			s.Logger.Debug().Err(err).Uint64("feed_id", f.ID).Msg("subscribe failed")
		}
	case "send-finality":
		s.Router.SetFinality(f, true)
	case "no-more-finality":
		s.Router.SetFinality(f, false)
	case "ping":
		_ = f.Write([]wire.Message{{Op: wire.Pong, Payload: cmd.Arg}})
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
