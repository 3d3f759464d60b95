package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"msgsync/pkg/engine"
	"msgsync/pkg/logger"
	"msgsync/pkg/models"
	"msgsync/pkg/presence"
	"msgsync/pkg/store"
	"msgsync/pkg/telemetry"
	"msgsync/pkg/utils"
)

// Deps are the backends the HTTP surface fronts. The router holds no
// state of its own; every request is answered from the engine or store.
type Deps struct {
	Engine   *engine.Engine
	Store    *store.Store
	Presence *presence.Channel
	Version  string
}

// NewRouter returns the local HTTP surface: health and readiness
// probes, a status snapshot, Prometheus metrics, and the JSON endpoints
// a UI process drives the engine with. The listener binds loopback in
// practice; there is no auth on this surface.
func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok", "version": d.Version})
	}).Methods(http.MethodGet)

	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if d.Store == nil || !d.Store.Ready() {
			utils.JSONError(w, http.StatusServiceUnavailable, "store not ready")
			return
		}
		utils.JSONWrite(w, http.StatusOK, map[string]any{"status": "ok", "online": d.Engine.Online()})
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/v1/status", func(w http.ResponseWriter, _ *http.Request) {
		utils.JSONWrite(w, http.StatusOK, d.Engine.Status())
	}).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/conversations", d.listConversations).Methods(http.MethodGet)
	v1.HandleFunc("/conversations", d.openConversation).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{conv}", d.closeConversation).Methods(http.MethodDelete)
	v1.HandleFunc("/conversations/{conv}/messages", d.listMessages).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{conv}/messages", d.sendMessage).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{conv}/messages/{corr}/retry", d.retryMessage).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{conv}/read", d.markRead).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{conv}/focus", d.setFocus).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{conv}/typing", d.setTyping).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{conv}/typing", d.getTyping).Methods(http.MethodGet)

	return r
}

func (d Deps) listConversations(w http.ResponseWriter, _ *http.Request) {
	convs, err := d.Engine.Conversations()
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.JSONWrite(w, http.StatusOK, struct {
		Conversations []models.Conversation `json:"conversations"`
	}{Conversations: convs})
}

func (d Deps) openConversation(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRequestOp(r.Context(), "conversation.open")
	var req struct {
		ID           string   `json:"id"`
		Kind         string   `json:"kind"`
		Participants []string `json:"participants"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ID == "" {
		utils.JSONError(w, http.StatusBadRequest, "conversation id missing")
		return
	}
	kind := models.ConversationKind(req.Kind)
	if kind == "" {
		kind = models.KindDirect
	}
	end := telemetry.StartSpan(r.Context(), "engine.open_conversation")
	conv, err := d.Engine.OpenConversation(r.Context(), req.ID, kind, req.Participants)
	end()
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if d.Presence != nil {
		// best-effort: typing indicators lag until the feed attaches
		_ = d.Presence.Watch(conv.ID)
	}
	logger.Info("conversation_opened", "conversation", conv.ID, "kind", conv.Kind)
	utils.JSONWrite(w, http.StatusOK, conv)
}

// closeConversation detaches the live feeds; queued sends keep
// draining in the background.
func (d Deps) closeConversation(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["conv"]
	d.Engine.CloseConversation(convID)
	if d.Presence != nil {
		d.Presence.Unwatch(convID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d Deps) listMessages(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRequestOp(r.Context(), "message.list")
	convID := mux.Vars(r)["conv"]
	end := telemetry.StartSpan(r.Context(), "engine.messages")
	msgs, err := d.Engine.Messages(convID)
	telemetry.SetSpanData(r.Context(), "count", len(msgs))
	end()
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// optional tail limit
	if limStr := r.URL.Query().Get("limit"); limStr != "" {
		if lim, err := strconv.Atoi(limStr); err == nil && lim >= 0 && lim < len(msgs) {
			msgs = msgs[len(msgs)-lim:]
		}
	}
	utils.JSONWrite(w, http.StatusOK, struct {
		Conversation string           `json:"conversation"`
		Messages     []models.Message `json:"messages"`
	}{Conversation: convID, Messages: msgs})
}

func (d Deps) sendMessage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRequestOp(r.Context(), "message.send")
	convID := mux.Vars(r)["conv"]
	var req struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	end := telemetry.StartSpan(r.Context(), "engine.send")
	telemetry.SetSpanData(r.Context(), "body_bytes", len(req.Body))
	m, err := d.Engine.Send(r.Context(), convID, req.Body)
	end()
	if err != nil {
		if errors.Is(err, engine.ErrEmptyBody) || errors.Is(err, engine.ErrBodyTooLarge) {
			utils.JSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// 202: the message is durable locally but not yet confirmed remotely
	utils.JSONWrite(w, http.StatusAccepted, m)
}

func (d Deps) retryMessage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRequestOp(r.Context(), "message.retry")
	vars := mux.Vars(r)
	if err := d.Engine.Retry(r.Context(), vars["conv"], vars["corr"]); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "message not found")
			return
		}
		utils.JSONError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d Deps) markRead(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRequestOp(r.Context(), "conversation.read")
	convID := mux.Vars(r)["conv"]
	end := telemetry.StartSpan(r.Context(), "engine.mark_read")
	err := d.Engine.MarkConversationRead(r.Context(), convID)
	end()
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d Deps) setFocus(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["conv"]
	var req struct {
		Focused bool `json:"focused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := d.Engine.Focus(r.Context(), convID, req.Focused); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d Deps) setTyping(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["conv"]
	var req struct {
		Typing bool `json:"typing"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if d.Presence == nil {
		utils.JSONError(w, http.StatusServiceUnavailable, "presence disabled")
		return
	}
	if err := d.Presence.SetTyping(r.Context(), convID, req.Typing); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d Deps) getTyping(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["conv"]
	var users []string
	if d.Presence != nil {
		users = d.Presence.Typing(convID)
	}
	utils.JSONWrite(w, http.StatusOK, struct {
		Conversation string   `json:"conversation"`
		Typing       []string `json:"typing"`
	}{Conversation: convID, Typing: users})
}
