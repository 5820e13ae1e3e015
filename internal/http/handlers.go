package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"feeledger/internal/core"
	"feeledger/internal/log"
	"feeledger/internal/services"
)

type (
	recordPaymentRequest struct {
		StudentID     string     `json:"student_id" validate:"required,max=64"`
		Amount        core.Money `json:"amount"`
		PaymentDate   string     `json:"payment_date" validate:"omitempty,isodate"`
		DueDate       string     `json:"due_date" validate:"omitempty,isodate"`
		PaymentModeID int64      `json:"payment_mode_id"`
		FeeMonth      string     `json:"fee_month" validate:"omitempty,feemonth"`
		TransactionID string     `json:"transaction_id" validate:"max=128"`
		Notes         string     `json:"notes" validate:"max=500"`
	}

	createPeriodRequest struct {
		StudentID string     `json:"student_id" validate:"required,max=64"`
		FeeMonth  string     `json:"fee_month" validate:"required,feemonth"`
		TotalDue  core.Money `json:"total_due"`
		DueDate   string     `json:"due_date" validate:"omitempty,isodate"`
	}

	ensureMonthRequest struct {
		HostelID string `json:"hostel_id" validate:"max=64"`
		FeeMonth string `json:"fee_month" validate:"required,feemonth"`
	}
)

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
	})
}

type schemaVersioner interface {
	SchemaVersion() (version uint, migrated bool, err error)
}

// handleReady checks the store behind the ledger.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	httpStatus := http.StatusOK
	checks := map[string]string{"store": "ok"}
	if err := s.ledger.Ping(ctx); err != nil {
		checks["store"] = "failed: " + err.Error()
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
		log.FromContext(ctx).WarnContext(ctx, "Readiness check failed", log.FieldError, err)
	}
	if sv, ok := s.ledger.(schemaVersioner); ok {
		version, migrated, err := sv.SchemaVersion()
		switch {
		case err != nil:
			checks["schema"] = "failed: " + err.Error()
			status = "not_ready"
			httpStatus = http.StatusServiceUnavailable
			log.FromContext(ctx).WarnContext(ctx, "Schema check failed", log.FieldError, err)
		case migrated:
			checks["schema"] = fmt.Sprintf("v%d", version)
		}
	}

	rl := s.limiter.GetMetrics()
	writeJSON(w, r, httpStatus, map[string]any{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
		"rate_limit": map[string]int64{
			"active_clients": rl.ClientCount,
			"rejected":       rl.TotalHits,
		},
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	month, err := parseMonthParam(r, "fee_month")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_MONTH", err.Error())
		return
	}
	hostelID := strings.TrimSpace(r.URL.Query().Get("hostel_id"))
	if hostelID == "" {
		hostelID = s.hostelID
	}

	summary, err := s.ledger.Summary(r.Context(), hostelID, month)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, summary)
}

func (s *Server) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	var req recordPaymentRequest
	if err := decodeJSON(w, r, s.maxBody, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeValidationError(w, r, err)
		return
	}

	in := services.RecordPaymentInput{
		StudentID:     req.StudentID,
		Amount:        req.Amount,
		PaymentModeID: req.PaymentModeID,
		TransactionID: req.TransactionID,
		Notes:         strings.TrimSpace(req.Notes),
	}
	var err error
	if in.PaymentDate, err = parseOptionalDate(req.PaymentDate); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if in.DueDate, err = parseOptionalDate(req.DueDate); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if in.FeeMonth, err = parseOptionalMonth(req.FeeMonth); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_MONTH", err.Error())
		return
	}

	res, err := s.ledger.RecordPayment(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, r, status, res)
}

func (s *Server) handlePaymentModes(w http.ResponseWriter, r *http.Request) {
	modes, err := s.ledger.PaymentModes(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if modes == nil {
		modes = []core.PaymentMode{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"payment_modes": modes})
}

func (s *Server) handleCreatePeriod(w http.ResponseWriter, r *http.Request) {
	var req createPeriodRequest
	if err := decodeJSON(w, r, s.maxBody, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeValidationError(w, r, err)
		return
	}
	month, err := core.ParseFeeMonth(req.FeeMonth)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_MONTH", err.Error())
		return
	}
	due, err := parseOptionalDate(req.DueDate)
	if err != nil {
		writeDecodeError(w, r, err)
		return
	}

	period, err := s.ledger.CreatePeriod(r.Context(), services.CreatePeriodInput{
		StudentID: req.StudentID,
		FeeMonth:  month,
		TotalDue:  req.TotalDue,
		DueDate:   due,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, period)
}

// handleEnsureMonth opens the month for every active student that lacks a
// period. Safe to call repeatedly.
func (s *Server) handleEnsureMonth(w http.ResponseWriter, r *http.Request) {
	var req ensureMonthRequest
	if err := decodeJSON(w, r, s.maxBody, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeValidationError(w, r, err)
		return
	}
	month, err := core.ParseFeeMonth(req.FeeMonth)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_MONTH", err.Error())
		return
	}
	hostelID := strings.TrimSpace(req.HostelID)
	if hostelID == "" {
		hostelID = s.hostelID
	}

	created, err := s.ledger.EnsureMonth(r.Context(), hostelID, month)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"hostel_id": hostelID,
		"fee_month": month,
		"created":   created,
	})
}

func (s *Server) handleStudentLedger(w http.ResponseWriter, r *http.Request) {
	studentID := strings.TrimSpace(chi.URLParam(r, "studentID"))
	if studentID == "" {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "student id is required")
		return
	}
	ledger, err := s.ledger.StudentLedger(r.Context(), studentID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ledger)
}
