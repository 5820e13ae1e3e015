package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"feeledger/internal/core"
	"feeledger/internal/log"
)

type errorBody struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details []validationIssue `json:"details,omitempty"`
}

type validationIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Failed to encode response",
			log.FieldPath, r.URL.Path, log.FieldError, err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, r, status, errorBody{Error: message, Code: code})
}

// decodeJSON reads at most limit bytes of JSON into v. Unknown fields are
// tolerated; older app builds send extras.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

// writeDecodeError answers a body that could not be decoded. A malformed
// amount is reported as INVALID_AMOUNT so the app can highlight the field.
func writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		writeError(w, r, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE",
			fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
	case errors.Is(err, core.ErrInvalidAmount):
		writeError(w, r, http.StatusUnprocessableEntity, "INVALID_AMOUNT", err.Error())
	case errors.Is(err, core.ErrInvalidDate), errors.Is(err, core.ErrInvalidMonth):
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, io.EOF):
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "request body is empty")
	default:
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "malformed JSON: "+err.Error())
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("feemonth", func(fl validator.FieldLevel) bool {
		_, err := core.ParseFeeMonth(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("isodate", func(fl validator.FieldLevel) bool {
		var d core.Date
		return d.UnmarshalText([]byte(fl.Field().String())) == nil
	})
	return v
}

func (s *Server) writeValidationError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	details := make([]validationIssue, 0, len(verrs))
	for _, e := range verrs {
		details = append(details, validationIssue{Field: e.Field(), Message: validationMessage(e)})
	}
	writeJSON(w, r, http.StatusBadRequest, errorBody{
		Error:   "request validation failed",
		Code:    "VALIDATION_ERROR",
		Details: details,
	})
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "This field is required"
	case "max":
		return "Must be at most " + e.Param() + " characters"
	case "gt":
		return "Must be greater than " + e.Param()
	case "feemonth":
		return "Must be a month in YYYY-MM format"
	case "isodate":
		return "Must be a date in YYYY-MM-DD format"
	default:
		return "Invalid value"
	}
}

// writeServiceError maps ledger errors to the API's error codes.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidAmount):
		writeError(w, r, http.StatusUnprocessableEntity, "INVALID_AMOUNT", err.Error())
	case errors.Is(err, core.ErrDuplicatePeriod):
		writeError(w, r, http.StatusConflict, "DUPLICATE_PERIOD", err.Error())
	case errors.Is(err, core.ErrUnknownStudent):
		writeError(w, r, http.StatusNotFound, "UNKNOWN_STUDENT", err.Error())
	case errors.Is(err, core.ErrNoOpenPeriods):
		writeError(w, r, http.StatusUnprocessableEntity, "NO_OPEN_PERIODS", err.Error())
	case errors.Is(err, core.ErrConcurrentModification):
		writeError(w, r, http.StatusConflict, "CONCURRENT_MODIFICATION", err.Error())
	case errors.Is(err, core.ErrUnknownPaymentMode):
		writeError(w, r, http.StatusUnprocessableEntity, "UNKNOWN_PAYMENT_MODE", err.Error())
	case errors.Is(err, core.ErrInvalidMonth):
		writeError(w, r, http.StatusBadRequest, "INVALID_MONTH", err.Error())
	case errors.Is(err, core.ErrInvalidDate),
		errors.Is(err, core.ErrInvalidDay),
		errors.Is(err, core.ErrNotesTooLong):
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "request cancelled")
	default:
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Unhandled ledger error",
			log.FieldPath, r.URL.Path, log.FieldError, err)
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

// parseMonthParam reads a required YYYY-MM query parameter.
func parseMonthParam(r *http.Request, name string) (core.FeeMonth, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return core.FeeMonth{}, fmt.Errorf("%w: %s is required", core.ErrInvalidMonth, name)
	}
	return core.ParseFeeMonth(raw)
}

func parseOptionalDate(s string) (core.Date, error) {
	var d core.Date
	err := d.UnmarshalText([]byte(s))
	return d, err
}

func parseOptionalMonth(s string) (core.FeeMonth, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return core.FeeMonth{}, nil
	}
	return core.ParseFeeMonth(s)
}
