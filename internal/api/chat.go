package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/loanconsult/crm/internal/apperr"
)

func (h *APIHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}

	if compact := r.URL.Query().Get("compact"); compact == "1" || compact == "true" {
		convs, err := h.chat.CompactConversations(r.Context(), principal(r), limit, offset)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, convs)
		return
	}
	convs, err := h.chat.Conversations(r.Context(), principal(r), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *APIHandler) IncrementalHandler(w http.ResponseWriter, r *http.Request) {
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, apperr.New(apperr.Invalid, "invalid since"))
			return
		}
		since = v
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	cs, err := h.chat.Incremental(r.Context(), principal(r), since, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (h *APIHandler) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := h.chat.Messages(r.Context(), principal(r), chi.URLParam(r, "lineUserID"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type ReplyRequest struct {
	Message string `json:"message"`
}

func (h *APIHandler) ReplyHandler(w http.ResponseWriter, r *http.Request) {
	var req ReplyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	msg, err := h.chat.Reply(r.Context(), principal(r), chi.URLParam(r, "lineUserID"), req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *APIHandler) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	n, err := h.chat.MarkRead(r.Context(), principal(r), chi.URLParam(r, "lineUserID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"marked": n})
}

func (h *APIHandler) DraftHandler(w http.ResponseWriter, r *http.Request) {
	draft, err := h.chat.Draft(r.Context(), principal(r), chi.URLParam(r, "lineUserID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"draft": draft})
}

func (h *APIHandler) DeleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	n, err := h.chat.DeleteConversation(r.Context(), principal(r), chi.URLParam(r, "lineUserID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (h *APIHandler) BatchSyncHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := h.chat.RequestBatchSync(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

// WebhookHandler stores LINE deliveries. A non-2xx response makes LINE
// redeliver.
func (h *APIHandler) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	n, err := h.chat.HandleWebhook(r.Context(), r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"stored": n})
}
