package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/comfyvn/studio/internal/apperr"
	"github.com/comfyvn/studio/internal/hooks"
)

// handleHooksCatalog answers GET /api/modder/hooks: the documented event
// catalog plus recent history narrowed by event/since_seq/limit.
func (s *Server) handleHooksCatalog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := hooks.HistoryFilter{Event: q.Get("event")}
	if v := q.Get("since_seq"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			apperr.Write(w, apperr.Newf(apperr.InvalidInput, "bad since_seq %q", v))
			return
		}
		filter.SinceSeq = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			apperr.Write(w, apperr.Newf(apperr.InvalidInput, "bad limit %q", v))
			return
		}
		filter.Limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"catalog": hooks.Catalog(),
		"history": s.bus.History(filter),
	})
}

type webhookRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Topics []string `json:"topics,omitempty"`
}

func (s *Server) handleWebhookRegister(w http.ResponseWriter, r *http.Request) {
	if !s.flagOn("enable_webhooks") {
		apperr.Write(w, apperr.New(apperr.FeatureDisabled, "feature flag enable_webhooks is off").
			WithDetails(map[string]any{"flag": "enable_webhooks"}))
		return
	}
	var in webhookRequest
	if err := decodeJSON(r, &in); err != nil {
		apperr.Write(w, err)
		return
	}
	if !strings.HasPrefix(in.URL, "http://") && !strings.HasPrefix(in.URL, "https://") {
		apperr.Write(w, apperr.Newf(apperr.InvalidInput, "webhook url must be http(s), got %q", in.URL))
		return
	}
	reg := s.bus.RegisterWebhook(in.URL, in.Secret, in.Topics)
	writeJSON(w, http.StatusOK, map[string]any{"id": reg.ID})
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.bus.UnregisterWebhook(id) {
		apperr.Write(w, apperr.Newf(apperr.NotFound, "webhook %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type hookTestRequest struct {
	Event   string         `json:"event,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// handleHooksTest publishes a synthetic event so modders can verify their
// webhook/WS wiring end to end.
func (s *Server) handleHooksTest(w http.ResponseWriter, r *http.Request) {
	var in hookTestRequest
	if err := decodeJSON(r, &in); err != nil {
		apperr.Write(w, err)
		return
	}
	event := in.Event
	if event == "" {
		event = "on_hook_test"
	}
	payload := in.Payload
	if payload == nil {
		payload = map[string]any{"test": true}
	}
	seq := s.bus.Publish(event, payload)
	writeJSON(w, http.StatusOK, map[string]any{"seq": seq})
}

func (s *Server) flagOn(name string) bool {
	if s.flags == nil {
		return false
	}
	v, _ := s.flags.Get(name).(bool)
	return v
}
