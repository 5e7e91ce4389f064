package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"multiasset-ledger/internal/domain"
	"multiasset-ledger/internal/engine"
	"multiasset-ledger/internal/money"
)

// Ledger is the read side of the engine exposed to operators.
type Ledger interface {
	GetOperationStatus(ctx context.Context, id uuid.UUID) (engine.OperationStatus, error)
	GetBalance(ctx context.Context, accountID uuid.UUID, asset string) (int64, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	ledger Ledger
	db     Pinger
	assets money.Registry
	logger *zap.Logger
}

func NewHandlers(l Ledger, db Pinger, assets money.Registry, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{ledger: l, db: db, assets: assets, logger: logger}
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	resp := domain.HealthResponse{Status: "ok", Database: "skipped"}
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			h.logger.Warn("health check: database unreachable", zap.Error(err))
			resp.Status, resp.Database = "degraded", "unreachable"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp.Database = "ok"
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, domain.ErrorResponse{Error: msg})
}

func httpStatusForErr(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	// Engine-level semantic errors
	case errors.Is(err, engine.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrIdempotencyConflict):
		return http.StatusConflict

	// Context / timeouts
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout

	default:
		return http.StatusInternalServerError
	}
}

func publicErrMessage(code int, err error) string {
	// Don’t leak internals on 5xx.
	if code >= 500 {
		return "internal error"
	}
	return err.Error()
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatusForErr(err)
	if code >= 500 {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeErr(w, code, publicErrMessage(code, err))
}

// GET /v1/operations/{id}
func (h *Handlers) GetOperation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid operation id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	st, err := h.ledger.GetOperationStatus(ctx, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GET /v1/accounts/{id}/balances/{asset}
func (h *Handlers) GetBalance(w http.ResponseWriter, r *http.Request) {
	accID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid account id")
		return
	}
	asset, err := h.assets.Lookup(r.PathValue("asset"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	bal, err := h.ledger.GetBalance(ctx, accID, asset.Code)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, domain.BalanceResponse{
		AccountID:    accID,
		Asset:        asset.Code,
		Balance:      bal,
		BalanceMajor: money.FormatMajor(bal, asset),
	})
}
