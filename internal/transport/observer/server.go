package observer

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fracflow.ai/internal/protocol"
	"fracflow.ai/internal/sim/recorder"
)

const (
	handshakeTimeout = 5 * time.Second
	idleTimeout      = 60 * time.Second
	writeTimeout     = 5 * time.Second
	queueSize        = 64
)

// Server fans flushed avalanche batches out to websocket observers. It is a
// recorder.Sink; Append never blocks on a slow client.
type Server struct {
	log *zap.Logger
	run protocol.RunParams

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu      sync.Mutex
	subs    map[string]*session
	events  int64
	flushes int
	done    []byte
}

type session struct {
	id      string
	maxRows atomic.Int64
	out     chan []byte

	closeOnce sync.Once
	// reason is set before out is closed.
	code   int
	reason string
}

func (s *session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.code = code
		s.reason = reason
		close(s.out)
	})
}

func NewServer(run protocol.RunParams, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		log:  logger,
		run:  run,
		subs: map[string]*session{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only, see WSHandler
		},
	}
}

// Handler serves the feed at /v1/feed and the run parameters at /v1/run.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/feed", s.WSHandler())
	mux.HandleFunc("/v1/run", s.RunHandler())
	return mux
}

func (s *Server) RunHandler() http.HandlerFunc {
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
		_ = json.NewEncoder(rw).Encode(s.welcome(""))
	}
}

// Sessions is the number of connected observers.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Server) welcome(sid string) protocol.WelcomeMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.welcomeLocked(sid)
}

func (s *Server) welcomeLocked(sid string) protocol.WelcomeMsg {
	return protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sid,
		Run:             s.run,
		Events:          s.events,
	}
}

// Append publishes one BATCH message per session. A session whose queue is
// full is disconnected.
func (s *Server) Append(batch []recorder.Avalanche) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return nil
	}
	s.flushes++
	s.events += int64(len(batch))
	msg := protocol.NewBatch(s.flushes, s.events, batch)

	encoded := map[int64][]byte{}
	for id, sub := range s.subs {
		max := sub.maxRows.Load()
		b, ok := encoded[max]
		if !ok {
			var err error
			b, err = json.Marshal(msg.WithRows(batch, int(max)))
			if err != nil {
				return fmt.Errorf("observer: %w", err)
			}
			encoded[max] = b
		}
		select {
		case sub.out <- b:
		default:
			s.log.Warn("observer too slow, disconnecting", zap.String("session", id), zap.Int("flush", s.flushes))
			delete(s.subs, id)
			sub.close(websocket.ClosePolicyViolation, protocol.ErrSlowConsumer)
		}
	}
	return nil
}

// Finish sends DONE to every session and closes them. Later subscribers get
// WELCOME and DONE and are then closed.
func (s *Server) Finish(done protocol.DoneMsg) {
	done.Type = protocol.TypeDone
	done.ProtocolVersion = protocol.Version
	b, err := json.Marshal(done)
	if err != nil {
		s.log.Error("observer: encode done", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	s.done = b
	for id, sub := range s.subs {
		delete(s.subs, id)
		select {
		case sub.out <- b:
			sub.close(websocket.CloseNormalClosure, "run finished")
		default:
			s.log.Warn("observer too slow for DONE, disconnecting", zap.String("session", id))
			sub.close(websocket.ClosePolicyViolation, protocol.ErrSlowConsumer)
		}
	}
}

// join queues WELCOME as the session's first message and registers it under
// one lock hold, so every batch published afterwards follows WELCOME and is
// counted after its events. After Finish it returns the DONE message instead.
func (s *Server) join(sub *session) (done []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(s.welcomeLocked(sub.id))
	if err != nil {
		return nil, err
	}
	sub.out <- b
	if s.done != nil {
		return s.done, nil
	}
	s.subs[sub.id] = sub
	return nil, nil
}

func (s *Server) unregister(sub *session) {
	s.mu.Lock()
	if s.subs[sub.id] == sub {
		delete(s.subs, sub.id)
	}
	s.mu.Unlock()
	sub.close(websocket.CloseNormalClosure, "bye")
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
		sub, code := readSubscribe(conn)
		if code != "" {
			reject(conn, code, "expected SUBSCRIBE "+protocol.Version)
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		sess := &session{id: sid, out: make(chan []byte, queueSize)}
		sess.maxRows.Store(int64(sub.MaxRows))
		done, err := s.join(sess)
		if err != nil {
			return
		}
		if done != nil {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, <-sess.out); err != nil {
				return
			}
			_ = conn.WriteMessage(websocket.TextMessage, done)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"), time.Now().Add(time.Second))
			return
		}
		s.log.Info("observer joined", zap.String("session", sid), zap.String("remote", r.RemoteAddr), zap.Int("max_rows", sub.MaxRows))

		// Writer goroutine.
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			for b := range sess.out {
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					s.unregister(sess)
					for range sess.out {
					}
					return
				}
			}
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(sess.code, sess.reason), time.Now().Add(time.Second))
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var upd protocol.SubscribeMsg
			if err := json.Unmarshal(msg, &upd); err != nil {
				continue
			}
			if upd.Type != protocol.TypeSubscribe || upd.ProtocolVersion != protocol.Version {
				continue
			}
			upd.Normalize()
			sess.maxRows.Store(int64(upd.MaxRows))
		}

		s.unregister(sess)
		<-writerDone
		s.log.Info("observer left", zap.String("session", sid))
	}
}

func readSubscribe(conn *websocket.Conn) (protocol.SubscribeMsg, string) {
	var sub protocol.SubscribeMsg
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return sub, protocol.ErrProtoBadRequest
	}
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, protocol.ErrProtoBadRequest
	}
	if sub.Type != protocol.TypeSubscribe {
		return sub, protocol.ErrProtoBadRequest
	}
	if sub.ProtocolVersion != protocol.Version {
		return sub, protocol.ErrProtoVersion
	}
	sub.Normalize()
	return sub, ""
}

func reject(conn *websocket.Conn, code, message string) {
	b, _ := json.Marshal(protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
	})
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, b)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), time.Now().Add(time.Second))
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
