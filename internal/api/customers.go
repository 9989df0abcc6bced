package api

import (
	"bytes"
	"net/http"

	"github.com/loanconsult/crm/internal/core"
	"github.com/loanconsult/crm/internal/store"
)

func (h *APIHandler) ListCustomersHandler(w http.ResponseWriter, r *http.Request) {
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
	f := store.CustomerFilter{
		Status: r.URL.Query().Get("status"),
		Search: r.URL.Query().Get("q"),
		Limit:  limit,
		Offset: offset,
	}
	customers, err := h.customers.List(r.Context(), principal(r), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, customers)
}

func (h *APIHandler) CreateCustomerHandler(w http.ResponseWriter, r *http.Request) {
	var in core.CustomerInput
	if err := h.schemas.decodeValid(r, "customer.json", &in); err != nil {
		writeError(w, err)
		return
	}
	c, err := h.customers.Create(r.Context(), principal(r), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *APIHandler) GetCustomerHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := h.customers.Get(r.Context(), principal(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *APIHandler) UpdateCustomerHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var in core.CustomerPatch
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	c, err := h.customers.Update(r.Context(), principal(r), id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type AssignRequest struct {
	UserID *int64 `json:"user_id"`
}

func (h *APIHandler) AssignCustomerHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req AssignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := h.customers.Assign(r.Context(), principal(r), id, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *APIHandler) DeleteCustomerHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.customers.Delete(r.Context(), principal(r), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) ExportCustomersHandler(w http.ResponseWriter, r *http.Request) {
	// Buffer so a failure can still produce a JSON error.
	var buf bytes.Buffer
	if err := h.customers.ExportCSV(r.Context(), principal(r), &buf); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="customers.csv"`)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (h *APIHandler) ListCasesHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	cases, err := h.customers.ListCases(r.Context(), principal(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cases)
}

func (h *APIHandler) CreateCaseHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var in core.CaseInput
	if err := h.schemas.decodeValid(r, "case.json", &in); err != nil {
		writeError(w, err)
		return
	}
	c, err := h.customers.CreateCase(r.Context(), principal(r), id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *APIHandler) UpdateCaseHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var in core.CasePatch
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	c, err := h.customers.UpdateCase(r.Context(), principal(r), id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *APIHandler) ListLeadsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	leads, err := h.customers.ListLeads(r.Context(), principal(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, leads)
}

func (h *APIHandler) CreateLeadHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var in core.LeadInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	lead, err := h.customers.CreateLead(r.Context(), principal(r), id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, lead)
}
