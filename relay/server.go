// Package relay implements the untrusted relay: session and meeting
// registries, an opaque envelope router, and the websocket service that
// clients speak the wire protocol against.
//
// The relay authenticates clients through the secure channel handshake and
// then only ever sees ciphertext plus routing metadata.
package relay

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/conclave-mpc/conclave/channel"
	"github.com/conclave-mpc/conclave/protocol"
)

// Server is the relay service.
type Server struct {
	keypair  protocol.Keypair
	cfg      Config
	log      zerolog.Logger
	sessions *SessionManager
	meetings *MeetingRegistry
	router   *Router
	connSeq  atomic.Uint64
}

// NewServer creates a relay with the given long-term keypair. The public
// key must be distributed to clients out of band.
func NewServer(keypair protocol.Keypair, cfg Config, log zerolog.Logger) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		keypair:  keypair,
		cfg:      cfg,
		log:      log,
		sessions: NewSessionManager(cfg),
		meetings: NewMeetingRegistry(cfg),
		router:   NewRouter(),
	}
}

// PublicKey returns the relay's long-term transport public key.
func (s *Server) PublicKey() []byte { return s.keypair.Public[:] }

// Sessions exposes the session registry.
func (s *Server) Sessions() *SessionManager { return s.sessions }

// Meetings exposes the meeting registry.
func (s *Server) Meetings() *MeetingRegistry { return s.meetings }

// ServeHTTP upgrades the request to a websocket and runs the connection
// until either side closes it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	sock.SetReadLimit(protocol.MaxPayloadSize + 4096)
	defer sock.CloseNow()

	c := &conn{
		id:     s.connSeq.Add(1),
		sock:   sock,
		server: channel.New(s.keypair, nil),
		out:    make(chan []byte, s.cfg.SendQueue),
		closed: make(chan struct{}),
	}
	c.log = s.log.With().Uint64("conn", c.id).Logger()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go c.writeLoop(ctx)
	s.handle(ctx, c)
}

// Run drives the expiry sweep until ctx is cancelled. Sessions idle past
// the TTL close and their members are notified; meetings are discarded
// after their retention window.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, sess := range s.sessions.Sweep(now) {
				s.log.Info().Str("session", sess.ID().String()).Msg("session expired")
				s.notifySession(sess, protocol.SessionClosed{SessionID: sess.ID()})
			}
			s.meetings.Sweep(now)
		}
	}
}
