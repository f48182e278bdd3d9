// Package ws serves the bridge socket: one planner session per connection.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"buildplan.ai/internal/protocol"
	"buildplan.ai/internal/sim/catalogs"
	"buildplan.ai/internal/sim/projector"
	"buildplan.ai/internal/sim/supervisor"
	"buildplan.ai/internal/sim/tuning"
)

// Hooks connect sessions to persistence. Every field is optional.
type Hooks struct {
	// Recorder returns the recorder for a new session.
	Recorder func(session string, hello protocol.HelloMsg) supervisor.Recorder
	// Closed runs after the session's manager has stopped. err is the fatal error, if any.
	Closed func(session string, m *supervisor.Manager, err error)
}

type Config struct {
	Catalog *catalogs.Catalog
	Tuning  tuning.Tuning
	Logger  *log.Logger
	Hooks   Hooks
}

type Server struct {
	cfg Config
	log *log.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id      string
	bot     string
	race    catalogs.Race
	started time.Time
	m       *supervisor.Manager
}

type SessionInfo struct {
	ID      string    `json:"id"`
	Bot     string    `json:"bot"`
	Race    string    `json:"race"`
	State   string    `json:"state"`
	Started time.Time `json:"started"`
	Debug   string    `json:"debug"`
}

func NewServer(cfg Config) *Server {
	return &Server{
		cfg: cfg,
		log: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		sessions: map[string]*session{},
	}
}

func (s *Server) printf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := s.handshake(conn)
		if sess == nil {
			return
		}
		s.track(sess)
		defer s.untrack(sess.id)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		out := make(chan []byte, 16)
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			for b := range out {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					cancel()
					return
				}
			}
		}()
		send := func(v any) {
			b, err := json.Marshal(v)
			if err != nil {
				return
			}
			select {
			case out <- b:
			case <-ctx.Done():
			}
		}

		fatal := s.serve(ctx, conn, sess, send)

		close(out)
		<-writerDone
		sess.m.Close()
		if s.cfg.Hooks.Closed != nil {
			s.cfg.Hooks.Closed(sess.id, sess.m, fatal)
		}
		reason := "bye"
		if fatal != nil {
			reason = "planner error"
		}
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), time.Now().Add(time.Second))
		s.printf("session closed: session=%s bot=%s err=%v", sess.id, sess.bot, fatal)
	}
}

// serve runs the reader loop until the bridge leaves or the planner fails.
func (s *Server) serve(ctx context.Context, conn *websocket.Conn, sess *session, send func(any)) error {
	for ctx.Err() == nil {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil || base.Type != protocol.TypeObs {
			send(protocol.NewError(protocol.ErrProtoBadRequest, "expected OBS"))
			continue
		}
		if base.ProtocolVersion != protocol.Version {
			send(protocol.NewError(protocol.ErrProtoVersion, "bad protocol_version"))
			continue
		}
		if err := protocol.ValidateObs(msg); err != nil {
			send(protocol.NewError(protocol.ErrProtoBadRequest, err.Error()))
			continue
		}
		var obs protocol.ObsMsg
		if err := json.Unmarshal(msg, &obs); err != nil {
			send(protocol.NewError(protocol.ErrProtoBadRequest, err.Error()))
			continue
		}

		plan, err := sess.m.OnFrame(toTick(sess.race, obs))
		if err != nil {
			send(protocol.NewError(errorCode(err), err.Error()))
			return err
		}
		send(toPlanMsg(s.cfg.Catalog, plan, sess.m.DebugText()))
	}
	return nil
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, projector.ErrInvariant):
		return protocol.ErrInvariant
	case errors.Is(err, supervisor.ErrNoResults):
		return protocol.ErrNoResults
	default:
		return protocol.ErrInternal
	}
}

func (s *Server) handshake(conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrNoHello, "expected HELLO"))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil
	}
	if base.ProtocolVersion != protocol.Version {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoVersion, "bad protocol_version"))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil
	}
	if err := protocol.ValidateHello(msg); err != nil {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoBadRequest, err.Error()))
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}

	race := catalogs.Race(hello.Race)
	if s.cfg.Catalog.Base(race) == catalogs.NoAction || s.cfg.Catalog.Worker(race) == catalogs.NoAction {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrUnknownRace, "no catalog entries for "+hello.Race))
		return nil
	}
	if _, ok := s.cfg.Tuning.Races[hello.Race]; !ok {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrUnknownRace, "no tuning for "+hello.Race))
		return nil
	}

	var policy supervisor.ReactionPolicy
	if hello.Reaction != "" {
		if policy, err = supervisor.PolicyByName(hello.Reaction); err != nil {
			_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoBadRequest, err.Error()))
			return nil
		}
	}

	id := uuid.NewString()
	var rec supervisor.Recorder
	if s.cfg.Hooks.Recorder != nil {
		rec = s.cfg.Hooks.Recorder(id, hello)
	}
	m, err := supervisor.New(supervisor.Config{
		Catalog:   s.cfg.Catalog,
		Tuning:    s.cfg.Tuning,
		Race:      race,
		EnemyRace: catalogs.Race(hello.EnemyRace),
		Policy:    policy,
		Session:   id,
		Logger:    s.log,
		Recorder:  rec,
	})
	if err != nil {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrInternal, err.Error()))
		return nil
	}

	reaction := hello.Reaction
	if reaction == "" {
		reaction = s.cfg.Tuning.Reaction
	}
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       id,
		CatalogDigest:   s.cfg.Catalog.Digest(),
		Reaction:        reaction,
	}
	if err := writeJSON(conn, welcome); err != nil {
		m.Close()
		return nil
	}
	name := hello.BotName
	if name == "" {
		name = "bot"
	}
	s.printf("session open: session=%s bot=%s race=%s enemy=%s reaction=%s", id, name, race, hello.EnemyRace, reaction)
	return &session{id: id, bot: name, race: race, started: time.Now(), m: m}
}

func (s *Server) track(sess *session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Sessions lists the live sessions, oldest first.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, SessionInfo{
			ID:      sess.id,
			Bot:     sess.bot,
			Race:    string(sess.race),
			State:   sess.m.State().String(),
			Started: sess.started,
			Debug:   sess.m.DebugText(),
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// DebugHandler serves Sessions as JSON to loopback clients.
func (s *Server) DebugHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(s.Sessions())
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
