package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	sse "github.com/tmaxmax/go-sse"

	"wireagent-go/internal/config"
	"wireagent-go/internal/events"
)

type channelMessageWriter struct {
	ch chan *sse.Message
}

func (w *channelMessageWriter) Send(message *sse.Message) error {
	select {
	case w.ch <- message.Clone():
		return nil
	default:
		return errors.New("sse subscriber is backpressured")
	}
}

func (w *channelMessageWriter) Flush() error {
	return nil
}

// Handler serves the observer API: health, sessions, command journals and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/session/events", s.handleSessionEvents)
	mux.HandleFunc("/api/session/events/stream", s.handleSessionEventsStream)
	mux.HandleFunc("/api/artifacts", s.handleArtifacts)
	mux.Handle("/metrics", s.metrics.handler())

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.allowClient(r) {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "Forbidden for client IP."})
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (s *Server) allowClient(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return config.IsAllowedClient(ip, s.cfg.AllowCIDRs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	st := s.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       st.Running,
		"address":  st.Address,
		"sessions": st.Sessions,
		"version":  Version,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	if s.artifacts == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no artifacts directory configured."})
		return
	}
	entries, err := s.artifacts.List()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"root": s.artifacts.Root(), "entries": entries})
}

// sessionQuery validates the common parts of the journal endpoints and returns the
// requested session id, or "" after it has written an error.
func (s *Server) sessionQuery(w http.ResponseWriter, r *http.Request) string {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return ""
	}
	if s.journal == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "command journal is disabled."})
		return ""
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "sessionId is required."})
		return ""
	}
	return sessionID
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := s.sessionQuery(w, r)
	if sessionID == "" {
		return
	}
	records, err := s.journal.Store().Records(sessionID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	out := make([]map[string]any, 0, len(records))
	for _, record := range records {
		out = append(out, map[string]any{
			"id":      record.ID,
			"time":    record.Time().UTC().Format(time.RFC3339Nano),
			"command": record.Command,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": sessionID, "events": out})
}

func (s *Server) handleSessionEventsStream(w http.ResponseWriter, r *http.Request) {
	sessionID := s.sessionQuery(w, r)
	if sessionID == "" {
		return
	}

	lastEventIDRaw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if lastEventIDRaw == "" {
		lastEventIDRaw = strings.TrimSpace(r.URL.Query().Get("lastEventId"))
	}
	history, err := s.journal.Store().Since(sessionID, lastEventIDRaw)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	ready := &sse.Message{}
	ready.AppendComment("ready")
	if err := sess.Send(ready); err != nil {
		return
	}
	_ = sess.Flush()

	replayCursor := lastEventIDRaw
	for _, record := range history {
		if err := sendSSEMessage(sess, record.ID, record.Payload); err != nil {
			return
		}
		replayCursor = record.ID
	}
	_ = sess.Flush()

	writer := &channelMessageWriter{ch: make(chan *sse.Message, 128)}
	sub := sse.Subscription{
		Client: writer,
		Topics: []string{sessionID},
	}
	if replayCursor != "" {
		sub.LastEventID = sse.ID(replayCursor)
	}
	subscribeErr := make(chan error, 1)
	go func() {
		subscribeErr <- s.sseProvider.Subscribe(r.Context(), sub)
	}()
	for {
		select {
		case <-r.Context().Done():
			return
		case err := <-subscribeErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Debug("event stream ended", "session", sessionID, "error", err)
			}
			return
		case message := <-writer.ch:
			if err := sess.Send(message); err != nil {
				return
			}
			_ = sess.Flush()
		}
	}
}

// publish forwards a freshly journaled command to the stream subscribers.
func (s *Server) publish(sessionID string, record events.Record) {
	msg := &sse.Message{ID: sse.ID(record.ID)}
	msg.AppendData(record.Payload)
	if err := s.sseProvider.Publish(msg, []string{sessionID}); err != nil {
		s.logger.Debug("publish command event", "session", sessionID, "error", err)
	}
}

func sendSSEMessage(sess *sse.Session, id, payload string) error {
	msg := &sse.Message{ID: sse.ID(id)}
	msg.AppendData(payload)
	return sess.Send(msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
