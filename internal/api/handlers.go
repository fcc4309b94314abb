package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/creditledger/internal/docstore"
	"github.com/punchamoorthee/creditledger/internal/domain"
	"github.com/punchamoorthee/creditledger/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Accounts is the read and open side of the ledger the API needs.
type Accounts interface {
	CreateAccount(ctx context.Context, address string) (*domain.Account, error)
	GetAccount(ctx context.Context, address string) (*domain.Account, error)
	ListDeposits(ctx context.Context, address string) ([]domain.ProcessedDeposit, error)
}

type Reconciler interface {
	ReconcileAccount(ctx context.Context, address string) (decimal.Decimal, error)
}

type Jobs interface {
	StartJob(ctx context.Context, address string, params map[string]string) (string, error)
	RefreshSection(ctx context.Context, address string, params map[string]string) (string, error)
	GetProgress(ctx context.Context, requestID string) (domain.Progress, error)
	GetResult(ctx context.Context, requestID string) ([]domain.StageOutput, error)
}

type Handler struct {
	accounts   Accounts
	reconciler Reconciler
	jobs       Jobs
	docs       docstore.Store
	logger     *zap.Logger
}

func NewHandler(accounts Accounts, reconciler Reconciler, jobs Jobs, docs docstore.Store, logger *zap.Logger) *Handler {
	if docs == nil {
		docs = docstore.NewNoop()
	}
	return &Handler{
		accounts:   accounts,
		reconciler: reconciler,
		jobs:       jobs,
		docs:       docs,
		logger:     logger,
	}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateAccountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	address := strings.TrimSpace(req.Address)
	if !validAddress(address) {
		respondWithError(w, http.StatusUnprocessableEntity, "address is required")
		return
	}

	acc, err := h.accounts.CreateAccount(r.Context(), address)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/accounts/"+acc.Address)
	respondWithJSON(w, http.StatusCreated, acc)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	acc, err := h.accounts.GetAccount(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, acc)
}

func (h *Handler) ListDepositsHandler(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if _, err := h.accounts.GetAccount(r.Context(), address); err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	deposits, err := h.accounts.ListDeposits(r.Context(), address)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	if deposits == nil {
		deposits = []domain.ProcessedDeposit{}
	}
	respondWithJSON(w, http.StatusOK, deposits)
}

func (h *Handler) ListArtifactsHandler(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if _, err := h.accounts.GetAccount(r.Context(), address); err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	artifacts, err := h.docs.ListArtifacts(r.Context(), address)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	if artifacts == nil {
		artifacts = []docstore.Artifact{}
	}
	respondWithJSON(w, http.StatusOK, artifacts)
}

func (h *Handler) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	bal, err := h.reconciler.ReconcileAccount(r.Context(), address)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.ReconcileResponse{Address: address, Balance: bal})
}

func (h *Handler) RefreshSectionHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SectionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	content, err := h.jobs.RefreshSection(r.Context(), mux.Vars(r)["address"], req.Params)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.SectionResponse{Content: content})
}

func (h *Handler) StartJobHandler(w http.ResponseWriter, r *http.Request) {
	var req models.StartJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	address := strings.TrimSpace(req.Address)
	if !validAddress(address) {
		respondWithError(w, http.StatusUnprocessableEntity, "address is required")
		return
	}

	id, err := h.jobs.StartJob(r.Context(), address, req.Params)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/jobs/%s/progress", id))
	respondWithJSON(w, http.StatusAccepted, models.StartJobResponse{RequestID: id})
}

func (h *Handler) GetProgressHandler(w http.ResponseWriter, r *http.Request) {
	p, err := h.jobs.GetProgress(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, p)
}

func (h *Handler) GetResultHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	stages, err := h.jobs.GetResult(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.JobResultResponse{RequestID: id, Stages: stages})
}

func validAddress(address string) bool {
	return address != "" && len(address) <= 128 && !strings.ContainsAny(address, " \t\r\n/")
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return false
	}
	return true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrAccountExists), errors.Is(err, domain.ErrJobNotReady):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondWithDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		msg = "Internal Server Error"
	}
	respondWithError(w, code, msg)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, models.ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}
