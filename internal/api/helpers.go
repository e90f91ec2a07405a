package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/0xedev/Buster-market/internal/access"
	"github.com/0xedev/Buster-market/internal/ledger"
	"github.com/0xedev/Buster-market/internal/logger"
	"github.com/0xedev/Buster-market/internal/vault"
)

// CallerHeader carries the identity of the principal making a request.
const CallerHeader = "X-User"

const (
	defaultLimit = 50
	maxLimit     = ledger.MaxPageSize
	maxBodyBytes = 1 << 20
)

// writeJSON marshals v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeLedgerError maps err onto an HTTP status and writes it.
func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("%s %s failed: %v", r.Method, r.URL.Path, err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrMarketNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrUnauthorized), errors.Is(err, access.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrTradingEnded),
		errors.Is(err, ledger.ErrMarketNotEnded),
		errors.Is(err, ledger.ErrAlreadyResolved),
		errors.Is(err, ledger.ErrAlreadyCancelled),
		errors.Is(err, ledger.ErrNotCancelled),
		errors.Is(err, ledger.ErrAlreadyRefunded),
		errors.Is(err, ledger.ErrNothingToRefund),
		errors.Is(err, ledger.ErrNotResolved),
		errors.Is(err, ledger.ErrMarketCancelled),
		errors.Is(err, ledger.ErrDistributionCompleted),
		errors.Is(err, ledger.ErrNoWinningShares),
		errors.Is(err, ledger.ErrAlreadyImported),
		errors.Is(err, ledger.ErrImportAfterStart):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidMarket),
		errors.Is(err, ledger.ErrInvalidUser),
		errors.Is(err, ledger.ErrZeroAmount),
		errors.Is(err, ledger.ErrInvalidOption),
		errors.Is(err, ledger.ErrInvalidOutcome),
		errors.Is(err, ledger.ErrInvalidBatchSize),
		errors.Is(err, ledger.ErrOffsetOutOfBounds),
		errors.Is(err, ledger.ErrPermitOwner),
		errors.Is(err, ledger.ErrOverflow):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrTransferFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// callerOf returns the normalized caller identity, or "" when the header is absent.
func callerOf(r *http.Request) string {
	return vault.Normalize(r.Header.Get(CallerHeader))
}

// requireCaller writes 401 and returns false when the request names no caller.
func requireCaller(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller := callerOf(r)
	if caller == "" {
		writeError(w, http.StatusUnauthorized, CallerHeader+" header is required")
		return "", false
	}
	return caller, true
}

// decodeBody decodes a JSON request body into v, writing 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	return decode(w, r, v, false)
}

// decodeOptionalBody is decodeBody for requests whose body may be absent, in which
// case v keeps its defaults.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	return decode(w, r, v, true)
}

func decode(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
	return false
}

// pathID parses the {id} path parameter as a market ID.
func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return 0, false
	}
	return id, true
}

// listOpts extracts offset and limit from the query string.
// Defaults: limit=50 (max 1000), offset=0.
func listOpts(r *http.Request) (offset, limit int) {
	q := r.URL.Query()

	limit = defaultLimit
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return offset, limit
}
