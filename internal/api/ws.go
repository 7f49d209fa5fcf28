package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/comfyvn/studio/internal/hooks"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The control plane is local-first; the GUI shell and browser bridges
	// connect from arbitrary local origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// handleHooksWS streams hook envelopes as JSON messages, filtered by
// ?topics=a,b. On backpressure the bus drops the subscriber's oldest queued
// message; the writer then interleaves a synthetic
// {event:"__dropped", count} envelope before the next real one (§6).
func (s *Server) handleHooksWS(w http.ResponseWriter, r *http.Request) {
	var topics []string
	if raw := r.URL.Query().Get("topics"); raw != "" {
		topics = strings.Split(raw, ",")
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("hooks ws upgrade", "error", err)
		return
	}
	defer conn.Close()

	queue, sub := s.bus.SubscribeQueue(topics, hooks.DefaultQueueSize)
	defer sub.Unsubscribe()

	// Reader loop only to notice the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var reported uint64
	for {
		select {
		case <-done:
			return
		case env, ok := <-queue:
			if !ok {
				return
			}
			if dropped := sub.Dropped(); dropped > reported {
				delta := dropped - reported
				reported = dropped
				s.wsDropped.Add(delta)
				synthetic := map[string]any{"event": "__dropped", "count": delta}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(synthetic); err != nil {
					return
				}
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		}
	}
}

// handleScheduleWS streams the job state delta feed: on every
// on_job_state_changed the subscriber receives the job's full current
// record (§6).
func (s *Server) handleScheduleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("schedule ws upgrade", "error", err)
		return
	}
	defer conn.Close()

	queue, sub := s.bus.SubscribeQueue([]string{hooks.EventJobStateChanged}, hooks.DefaultQueueSize)
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case env, ok := <-queue:
			if !ok {
				return
			}
			id, _ := env.Payload["id"].(string)
			if id == "" {
				continue
			}
			job, err := s.sched.StateOf(id)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(job); err != nil {
				return
			}
		}
	}
}
