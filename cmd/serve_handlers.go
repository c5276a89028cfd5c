package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/orderflow/internal/engine"
	"github.com/sells-group/orderflow/internal/extract"
	"github.com/sells-group/orderflow/internal/model"
	"github.com/sells-group/orderflow/internal/store"
)

const maxUploadBytes = 32 << 20

// apiError is the body of every non-2xx response.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type orderHandlers struct {
	eng  *engine.Engine
	base context.Context
}

func (h *orderHandlers) routes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.upload)
	r.Route("/{orderID}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Get("/status", h.status)
		r.Get("/steps", h.steps)
		r.Get("/tracking", h.tracking)
		r.Get("/validation", h.validation)
		r.Get("/items", h.items)
		r.Get("/metrics", h.metrics)

		r.Post("/process", h.run(h.eng.Process))
		r.Post("/advance", h.run(h.eng.Advance))
		r.Post("/reprocess", h.run(h.eng.Reprocess))
		r.Post("/validate", h.validate)
		r.Post("/retry/{step}", h.retry)
		r.Post("/restart", h.restart)
		r.Post("/cancel", h.cancel)
		r.Put("/fulfillment", h.fulfillment)

		r.Post("/corrections", h.corrections)
		r.Post("/corrections/file", h.correctionFile)

		r.Get("/actions", h.actions)
		r.Post("/actions", h.wait)
		r.Post("/actions/{actionID}/complete", h.completeAction)

		r.Get("/emails", h.emails)
		r.Post("/emails", h.generateEmail)
		r.Patch("/emails/{emailID}", h.editEmail)
		r.Post("/emails/{emailID}/approve", h.approveEmail)
		r.Post("/emails/{emailID}/resend", h.resendEmail)
		r.Post("/emails/{emailID}/response", h.emailResponse)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Code: status, Message: msg})
}

// statusFor maps engine and store sentinels to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, engine.ErrUnknownStep):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, extract.ErrUnparseable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrOrderBusy),
		errors.Is(err, engine.ErrInvalidTransition),
		errors.Is(err, engine.ErrNoValidation),
		errors.Is(err, engine.ErrActionClosed),
		errors.Is(err, engine.ErrEmailState),
		errors.Is(err, engine.ErrCancelled),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, engine.ErrProcessingTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *orderHandlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		zap.L().Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = "internal error"
	}
	writeError(w, status, msg)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return v
}

func orderID(r *http.Request) string { return chi.URLParam(r, "orderID") }

func (h *orderHandlers) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orders, err := h.eng.ListOrders(r.Context(), store.OrderFilter{
		TenantID: q.Get("tenant_id"),
		Status:   model.OrderStatus(strings.ToUpper(q.Get("status"))),
		Limit:    queryInt(r, "limit", 50),
		Offset:   queryInt(r, "offset", 0),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

// upload accepts a multipart order file. The pipeline runs in the background
// unless process=false.
func (h *orderHandlers) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close() //nolint:errcheck
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}

	tenant := r.FormValue("tenant_id")
	if tenant == "" {
		tenant = r.Header.Get("X-Tenant-ID")
	}
	req := engine.UploadRequest{
		TenantID:    tenant,
		OrderNumber: r.FormValue("order_number"),
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Format:      r.FormValue("format"),
		Data:        data,
		Priority:    model.Priority(strings.ToUpper(r.FormValue("priority"))),
		Strategy:    model.Strategy(r.FormValue("strategy")),
	}
	if name, email := r.FormValue("retailer_name"), r.FormValue("retailer_email"); name != "" || email != "" {
		req.RetailerInfo = &model.RetailerInfo{Name: name, Email: email}
	}

	o, err := h.eng.Upload(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if r.FormValue("process") == "false" {
		writeJSON(w, http.StatusCreated, o)
		return
	}

	go func(id string) {
		res, err := h.eng.Process(h.base, id)
		if err != nil {
			zap.L().Error("background processing failed", zap.String("order_id", id), zap.Error(err))
			return
		}
		zap.L().Info("background processing halted",
			zap.String("order_id", id),
			zap.String("halt", string(res.Halt)),
		)
	}(o.ID)
	writeJSON(w, http.StatusAccepted, o)
}

func (h *orderHandlers) get(w http.ResponseWriter, r *http.Request) {
	o, err := h.eng.GetOrder(r.Context(), orderID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *orderHandlers) status(w http.ResponseWriter, r *http.Request) {
	v, err := h.eng.GetStatus(r.Context(), orderID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *orderHandlers) steps(w http.ResponseWriter, r *http.Request) {
	steps, err := h.eng.GetSteps(r.Context(), orderID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

func (h *orderHandlers) tracking(w http.ResponseWriter, r *http.Request) {
	cursor, _ := strconv.ParseInt(r.URL.Query().Get("cursor"), 10, 64)
	entries, next, err := h.eng.GetTracking(r.Context(), orderID(r), cursor, queryInt(r, "limit", 0))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "next_cursor": next})
}

func (h *orderHandlers) validation(w http.ResponseWriter, r *http.Request) {
	v, err := h.eng.GetValidationSummary(r.Context(), orderID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *orderHandlers) items(w http.ResponseWriter, r *http.Request) {
	items, err := h.eng.GetItems(r.Context(), orderID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *orderHandlers) metrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.eng.GetProcessingMetrics(r.Context(), orderID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *orderHandlers) run(fn func(context.Context, string) (*engine.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := fn(r.Context(), orderID(r))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (h *orderHandlers) validate(w http.ResponseWriter, r *http.Request) {
	res, err := h.eng.Validate(r.Context(), orderID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *orderHandlers) retry(w http.ResponseWriter, r *http.Request) {
	res, err := h.eng.Retry(r.Context(), orderID(r), chi.URLParam(r, "step"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *orderHandlers) restart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Checkpoint string `json:"checkpoint"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Checkpoint == "" {
		writeError(w, http.StatusBadRequest, "checkpoint is required")
		return
	}
	res, err := h.eng.RestartFromCheckpoint(r.Context(), orderID(r), body.Checkpoint)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *orderHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &body) {
		return
	}
	o, err := h.eng.Cancel(r.Context(), orderID(r), body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *orderHandlers) fulfillment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
		Note   string `json:"note"`
	}
	if !decode(w, r, &body) {
		return
	}
	o, err := h.eng.UpdateFulfillmentStatus(r.Context(), orderID(r), model.OrderStatus(strings.ToUpper(body.Status)), body.Note)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// corrections merges field corrections. kind "validation" targets an order
// whose validation failed; anything else targets flagged missing fields.
func (h *orderHandlers) corrections(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind        string            `json:"kind"`
		Corrections map[string]string `json:"corrections"`
	}
	if !decode(w, r, &body) {
		return
	}
	if len(body.Corrections) == 0 {
		writeError(w, http.StatusBadRequest, "corrections are required")
		return
	}
	correct := h.eng.CorrectMissingFields
	if body.Kind == "validation" {
		correct = h.eng.CorrectValidationErrors
	}
	res, err := correct(r.Context(), orderID(r), body.Corrections)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *orderHandlers) correctionFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close() //nolint:errcheck
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}
	res, err := h.eng.UploadCorrectionFile(r.Context(), orderID(r), engine.CorrectionFile{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Format:      r.FormValue("format"),
		Data:        data,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *orderHandlers) actions(w http.ResponseWriter, r *http.Request) {
	open := r.URL.Query().Get("open") == "true"
	actions, err := h.eng.GetUserActions(r.Context(), orderID(r), open)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

// wait raises a user action and halts the order on it.
func (h *orderHandlers) wait(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type        string `json:"type"`
		Priority    string `json:"priority"`
		Title       string `json:"title"`
		Description string `json:"description"`
		DueInHours  int    `json:"due_in_hours"`
	}
	if !decode(w, r, &body) {
		return
	}
	a, err := h.eng.WaitForUser(r.Context(), orderID(r), model.ActionSpec{
		Type:        model.ActionType(body.Type),
		Priority:    model.Priority(strings.ToUpper(body.Priority)),
		Title:       body.Title,
		Description: body.Description,
		DueIn:       time.Duration(body.DueInHours) * time.Hour,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *orderHandlers) completeAction(w http.ResponseWriter, r *http.Request) {
	var p engine.ActionPayload
	if !decode(w, r, &p) {
		return
	}
	a, err := h.eng.CompleteUserAction(r.Context(), orderID(r), chi.URLParam(r, "actionID"), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *orderHandlers) emails(w http.ResponseWriter, r *http.Request) {
	emails, err := h.eng.GetEmails(r.Context(), orderID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"emails": emails})
}

// generateEmail drafts the email the latest validation calls for, or a custom
// email when a subject or body is given.
func (h *orderHandlers) generateEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if !decode(w, r, &body) {
		return
	}
	var (
		m   *model.EmailCommunication
		err error
	)
	if body.Subject != "" || body.Body != "" {
		m, err = h.eng.GenerateCustomEmail(r.Context(), orderID(r), body.Subject, body.Body)
	} else {
		m, err = h.eng.GenerateEmail(r.Context(), orderID(r))
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *orderHandlers) editEmail(w http.ResponseWriter, r *http.Request) {
	var edit engine.EmailEdit
	if !decode(w, r, &edit) {
		return
	}
	m, err := h.eng.EditEmail(r.Context(), orderID(r), chi.URLParam(r, "emailID"), edit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *orderHandlers) approveEmail(w http.ResponseWriter, r *http.Request) {
	m, err := h.eng.ApproveEmail(r.Context(), orderID(r), chi.URLParam(r, "emailID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *orderHandlers) resendEmail(w http.ResponseWriter, r *http.Request) {
	m, err := h.eng.ResendEmail(r.Context(), orderID(r), chi.URLParam(r, "emailID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *orderHandlers) emailResponse(w http.ResponseWriter, r *http.Request) {
	var resp engine.EmailResponse
	if !decode(w, r, &resp) {
		return
	}
	m, err := h.eng.RecordEmailResponse(r.Context(), orderID(r), chi.URLParam(r, "emailID"), resp)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
