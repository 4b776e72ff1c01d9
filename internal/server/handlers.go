package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bancosol/ledger-service/internal/auth"
	"github.com/bancosol/ledger-service/internal/domain"
)

// idempotencyKeyHeader carries the client-supplied deduplication key. A
// request without one gets a server-generated key, which still protects
// against internal retries but not against client resubmission.
const idempotencyKeyHeader = "X-Idempotency-Key"

const defaultOperationsLimit = 50

type createAccountRequest struct {
	AccountNumber  string `json:"account_number"`
	Holder         string `json:"holder"`
	InitialBalance string `json:"initial_balance"`
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type transferRequest struct {
	SourceAccountNumber string `json:"source_account_number"`
	DestAccountNumber   string `json:"dest_account_number"`
	Amount              string `json:"amount"`
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.ledger.ListAccounts(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := make([]accountResponse, 0, len(accounts))
	for _, account := range accounts {
		resp = append(resp, toAccountResponse(account))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.accountIDParam(w, r)
	if !ok {
		return
	}

	account, err := s.ledger.GetAccount(r.Context(), accountID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toAccountResponse(account))
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "failed to parse request body")
		return
	}
	if req.AccountNumber == "" {
		s.writeErrorMessage(w, http.StatusBadRequest, "INVALID_ACCOUNT_NUMBER", "account_number is required")
		return
	}

	initialBalance, err := domain.ParseBalance(req.InitialBalance)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// The account is owned by the authenticated caller; an unauthenticated
	// deployment (no JWT secret configured) gets a zero owner.
	ownerID := uuid.Nil
	if identity, ok := auth.FromContext(r.Context()); ok {
		if parsed, err := uuid.Parse(identity.UserID); err == nil {
			ownerID = parsed
		}
	}

	account, err := s.ledger.CreateAccount(r.Context(), req.AccountNumber, req.Holder, ownerID, initialBalance)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toAccountResponse(account))
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.accountIDParam(w, r)
	if !ok {
		return
	}

	if err := s.ledger.DeleteAccount(r.Context(), accountID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "account deleted"})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.accountIDParam(w, r)
	if !ok {
		return
	}
	amount, operationID, ok := s.amountAndKey(w, r)
	if !ok {
		return
	}

	newBalance, err := s.ledger.Deposit(r.Context(), accountID, amount, operationID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balanceResponse{
		OperationID: operationID,
		NewBalance:  newBalance.StringFixed(2),
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.accountIDParam(w, r)
	if !ok {
		return
	}
	amount, operationID, ok := s.amountAndKey(w, r)
	if !ok {
		return
	}

	newBalance, err := s.ledger.Withdraw(r.Context(), accountID, amount, operationID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balanceResponse{
		OperationID: operationID,
		NewBalance:  newBalance.StringFixed(2),
	})
}

// handleTransfer addresses both legs by account number, the way external
// callers know accounts, and resolves them to ids before invoking the
// ledger.
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "failed to parse request body")
		return
	}
	if req.SourceAccountNumber == "" || req.DestAccountNumber == "" {
		s.writeErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "source_account_number and dest_account_number are required")
		return
	}

	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}

	source, err := s.ledger.GetAccountByNumber(r.Context(), req.SourceAccountNumber)
	if err != nil {
		s.writeError(w, err)
		return
	}
	dest, err := s.ledger.GetAccountByNumber(r.Context(), req.DestAccountNumber)
	if err != nil {
		s.writeError(w, err)
		return
	}

	operationID := s.idempotencyKey(r)
	result, err := s.ledger.Transfer(r.Context(), source.ID, dest.ID, amount, operationID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, transferResponse{
		OperationID:   operationID,
		SourceBalance: result.SourceBalance.StringFixed(2),
		DestBalance:   result.DestBalance.StringFixed(2),
	})
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.accountIDParam(w, r)
	if !ok {
		return
	}

	limit := defaultOperationsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	ops, err := s.ledger.ListOperations(r.Context(), accountID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := make([]operationResponse, 0, len(ops))
	for _, op := range ops {
		resp = append(resp, toOperationResponse(op))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) accountIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	accountID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid account id")
		return uuid.Nil, false
	}
	return accountID, true
}

func (s *Server) amountAndKey(w http.ResponseWriter, r *http.Request) (decimal.Decimal, string, bool) {
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "INVALID_REQUEST", "failed to parse request body")
		return decimal.Zero, "", false
	}

	parsed, err := domain.ParseAmount(req.Amount)
	if err != nil {
		s.writeError(w, err)
		return decimal.Zero, "", false
	}
	return parsed, s.idempotencyKey(r), true
}

func (s *Server) idempotencyKey(r *http.Request) string {
	if key := r.Header.Get(idempotencyKeyHeader); key != "" {
		return key
	}
	return uuid.New().String()
}
