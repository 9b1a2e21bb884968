// Package api is the thin HTTP layer over the lifecycle engine. Handlers
// delegate to domain services and translate fault kinds to status codes;
// no business logic lives here.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"memberflow/bulk"
	"memberflow/expiry"
	"memberflow/fault"
	"memberflow/history"
	"memberflow/renewal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RenewalService is the slice of the lifecycle manager the API exposes.
type RenewalService interface {
	Create(ctx context.Context, p renewal.CreateParams) (renewal.Renewal, error)
	Get(ctx context.Context, id string) (renewal.Renewal, error)
	Trail(ctx context.Context, id string) ([]history.Entry, error)
	StartProcessing(ctx context.Context, id, actor string) (renewal.Renewal, error)
	Complete(ctx context.Context, p renewal.CompleteParams) (renewal.CompleteResult, error)
	Fail(ctx context.Context, id, reason, actor string) (renewal.Renewal, error)
	Cancel(ctx context.Context, id, actor string) (renewal.Renewal, error)
	Reprice(ctx context.Context, p renewal.UpdateParams) (renewal.Renewal, error)
	RecordPayment(ctx context.Context, p renewal.PaymentParams) (renewal.Payment, error)
}

// Scanner classifies memberships by proximity to expiry.
type Scanner interface {
	ListExpiringSoon(ctx context.Context, p expiry.ScanParams) ([]expiry.Classified, int, error)
	ListExpired(ctx context.Context, p expiry.ScanParams) ([]expiry.Classified, int, error)
}

// BatchRunner executes bulk renewal batches.
type BatchRunner interface {
	Process(ctx context.Context, p bulk.Params) (bulk.Result, error)
}

type Handler struct {
	renewals RenewalService
	scans    Scanner
	batches  BatchRunner
	log      *logrus.Logger
}

func NewHandler(renewals RenewalService, scans Scanner, batches BatchRunner, log *logrus.Logger) *Handler {
	return &Handler{renewals: renewals, scans: scans, batches: batches, log: log}
}

// Router wires all public endpoints.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/renewals", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Post("/bulk", h.handleBulk)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Patch("/", h.handleReprice)
			r.Get("/history", h.handleTrail)
			r.Post("/process", h.handleProcess)
			r.Post("/complete", h.handleComplete)
			r.Post("/fail", h.handleFail)
			r.Post("/cancel", h.handleCancel)
			r.Post("/payments", h.handlePayment)
		})
	})

	r.Route("/memberships", func(r chi.Router) {
		r.Get("/expiring", h.handleExpiring)
		r.Get("/expired", h.handleExpired)
	})

	return r
}

type createRenewalRequest struct {
	MembershipID  string    `json:"membership_id"`
	MemberID      string    `json:"member_id"`
	Year          int       `json:"year"`
	Type          string    `json:"type"`
	DueDate       time.Time `json:"due_date"`
	Amount        float64   `json:"amount"`
	Discount      float64   `json:"discount"`
	PaymentMethod string    `json:"payment_method"`
	AutoRenew     bool      `json:"auto_renew"`
	Actor         string    `json:"actor"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRenewalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, fault.Validation("api: invalid request body"))
		return
	}

	rn, err := h.renewals.Create(r.Context(), renewal.CreateParams{
		MembershipID:  req.MembershipID,
		MemberID:      req.MemberID,
		Year:          req.Year,
		Type:          renewal.Type(req.Type),
		DueDate:       req.DueDate,
		Amount:        req.Amount,
		Discount:      req.Discount,
		PaymentMethod: req.PaymentMethod,
		AutoRenew:     req.AutoRenew,
		Actor:         req.Actor,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, renewalBody(rn))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	rn, err := h.renewals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, renewalBody(rn))
}

func (h *Handler) handleTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.renewals.Trail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type actorRequest struct {
	Actor string `json:"actor"`
}

func (h *Handler) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	rn, err := h.renewals.StartProcessing(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, renewalBody(rn))
}

type completeRequest struct {
	PaymentMethod string `json:"payment_method"`
	PaymentRef    string `json:"payment_ref"`
	PeriodMonths  int    `json:"period_months"`
	Actor         string `json:"actor"`
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, fault.Validation("api: invalid request body"))
		return
	}

	res, err := h.renewals.Complete(r.Context(), renewal.CompleteParams{
		ID:            chi.URLParam(r, "id"),
		PaymentMethod: req.PaymentMethod,
		PaymentRef:    req.PaymentRef,
		PeriodMonths:  req.PeriodMonths,
		Actor:         req.Actor,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	body := renewalBody(res.Renewal)
	body["new_expiry_date"] = res.NewExpiry
	body["transaction_id"] = res.TransactionID
	h.writeJSON(w, http.StatusOK, body)
}

type failRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

func (h *Handler) handleFail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, fault.Validation("api: invalid request body"))
		return
	}

	rn, err := h.renewals.Fail(r.Context(), chi.URLParam(r, "id"), req.Reason, req.Actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, renewalBody(rn))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	rn, err := h.renewals.Cancel(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, renewalBody(rn))
}

type repriceRequest struct {
	Amount   *float64 `json:"amount"`
	LateFee  *float64 `json:"late_fee"`
	Discount *float64 `json:"discount"`
	Note     string   `json:"note"`
	Actor    string   `json:"actor"`
}

func (h *Handler) handleReprice(w http.ResponseWriter, r *http.Request) {
	var req repriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, fault.Validation("api: invalid request body"))
		return
	}

	rn, err := h.renewals.Reprice(r.Context(), renewal.UpdateParams{
		ID:       chi.URLParam(r, "id"),
		Amount:   req.Amount,
		LateFee:  req.LateFee,
		Discount: req.Discount,
		Note:     req.Note,
		Actor:    req.Actor,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, renewalBody(rn))
}

type paymentRequest struct {
	Amount    float64 `json:"amount"`
	Method    string  `json:"method"`
	Reference string  `json:"reference"`
	Actor     string  `json:"actor"`
}

func (h *Handler) handlePayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, fault.Validation("api: invalid request body"))
		return
	}

	p, err := h.renewals.RecordPayment(r.Context(), renewal.PaymentParams{
		RenewalID: chi.URLParam(r, "id"),
		Amount:    req.Amount,
		Method:    req.Method,
		Reference: req.Reference,
		Actor:     req.Actor,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, p)
}

type bulkRequest struct {
	MemberIDs     []string `json:"member_ids"`
	Year          int      `json:"year"`
	Type          string   `json:"type"`
	PaymentMethod string   `json:"payment_method"`
	PeriodMonths  int      `json:"period_months"`
	Amount        float64  `json:"amount"`
	Discount      float64  `json:"discount"`
	Actor         string   `json:"actor"`
}

func (h *Handler) handleBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, fault.Validation("api: invalid request body"))
		return
	}

	res, err := h.batches.Process(r.Context(), bulk.Params{
		MemberIDs:     req.MemberIDs,
		Year:          req.Year,
		Type:          renewal.Type(req.Type),
		PaymentMethod: req.PaymentMethod,
		PeriodMonths:  req.PeriodMonths,
		Amount:        req.Amount,
		Discount:      req.Discount,
		Actor:         req.Actor,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleExpiring(w http.ResponseWriter, r *http.Request) {
	h.handleScan(w, r, h.scans.ListExpiringSoon)
}

func (h *Handler) handleExpired(w http.ResponseWriter, r *http.Request) {
	h.handleScan(w, r, h.scans.ListExpired)
}

func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request, scan func(context.Context, expiry.ScanParams) ([]expiry.Classified, int, error)) {
	p, err := scanParams(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	classified, total, err := scan(r.Context(), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"members": classified,
		"total":   total,
	})
}

func scanParams(r *http.Request) (expiry.ScanParams, error) {
	q := r.URL.Query()
	p := expiry.ScanParams{
		ReferenceDate: time.Now().UTC(),
		Region:        q.Get("region"),
		District:      q.Get("district"),
		Branch:        q.Get("branch"),
	}

	if raw := q.Get("date"); raw != "" {
		ref, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return expiry.ScanParams{}, fault.Validation("api: invalid date %q", raw)
		}
		p.ReferenceDate = ref
	}
	var err error
	if p.Limit, err = intQuery(q.Get("limit")); err != nil {
		return expiry.ScanParams{}, err
	}
	if p.Offset, err = intQuery(q.Get("offset")); err != nil {
		return expiry.ScanParams{}, err
	}
	return p, nil
}

func intQuery(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fault.Validation("api: invalid paging value %q", raw)
	}
	return v, nil
}

// renewalBody flattens a renewal for the wire.
func renewalBody(rn renewal.Renewal) map[string]any {
	return map[string]any{
		"id":             rn.ID,
		"membership_id":  rn.MembershipID,
		"member_id":      rn.MemberID,
		"year":           rn.Year,
		"type":           rn.Type,
		"status":         rn.Status,
		"due_date":       rn.DueDate,
		"grace_end_date": rn.GraceEndDate,
		"amount":         rn.Amount,
		"late_fee":       rn.LateFee,
		"discount":       rn.Discount,
		"final_amount":   rn.FinalAmount,
		"payment_status": rn.PaymentStatus,
		"reminders_sent": rn.RemindersSent,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.WithError(err).Error("encode response")
	}
}

// writeError translates fault kinds to HTTP statuses so every handler
// returns the same JSON error envelope.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case fault.IsValidation(err):
		status = http.StatusBadRequest
	case fault.IsNotFound(err):
		status = http.StatusNotFound
	case fault.IsConflict(err):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
