package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/bancosol/ledger-service/internal/domain"
)

// accountResponse is the JSON shape of an account. Version is exposed so
// clients can detect concurrent modification between reads; the balance
// travels as a fixed-point decimal string.
type accountResponse struct {
	ID            string `json:"id"`
	AccountNumber string `json:"account_number"`
	Holder        string `json:"holder"`
	Balance       string `json:"balance"`
	Version       int64  `json:"version"`
	CreatedAt     string `json:"created_at"`
}

type balanceResponse struct {
	OperationID string `json:"operation_id"`
	NewBalance  string `json:"new_balance"`
}

type transferResponse struct {
	OperationID   string `json:"operation_id"`
	SourceBalance string `json:"source_balance"`
	DestBalance   string `json:"dest_balance"`
}

type operationResponse struct {
	ID               string  `json:"id"`
	OperationID      string  `json:"operation_id"`
	Type             string  `json:"type"`
	AccountID        string  `json:"account_id"`
	CounterAccountID *string `json:"counter_account_id,omitempty"`
	Amount           string  `json:"amount"`
	BalanceAfter     string  `json:"balance_after"`
	Status           string  `json:"status"`
	Timestamp        string  `json:"timestamp"`
}

type errorResponse struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

func toAccountResponse(account *domain.Account) accountResponse {
	return accountResponse{
		ID:            account.ID.String(),
		AccountNumber: account.AccountNumber,
		Holder:        account.Holder,
		Balance:       account.Balance.StringFixed(2),
		Version:       account.Version,
		CreatedAt:     account.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toOperationResponse(op *domain.LedgerOperation) operationResponse {
	resp := operationResponse{
		ID:           op.ID.String(),
		OperationID:  op.OperationID,
		Type:         string(op.Type),
		AccountID:    op.AccountID.String(),
		Amount:       op.Amount.StringFixed(2),
		BalanceAfter: op.BalanceAfter.StringFixed(2),
		Status:       string(op.Status),
		Timestamp:    op.Timestamp.UTC().Format(time.RFC3339),
	}
	if op.CounterAccountID != nil {
		counter := op.CounterAccountID.String()
		resp.CounterAccountID = &counter
	}
	return resp
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeErrorMessage(w http.ResponseWriter, status int, code, description string) {
	s.writeJSON(w, status, errorResponse{Code: code, Description: description})
}

// writeError maps a domain error to an HTTP status and error code.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrAccountNotFound):
		s.writeErrorMessage(w, http.StatusNotFound, "NOT_FOUND", "account not found")
	case errors.Is(err, domain.ErrInvalidAmount):
		s.writeErrorMessage(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
	case errors.Is(err, domain.ErrInvalidAccountNumber):
		s.writeErrorMessage(w, http.StatusBadRequest, "INVALID_ACCOUNT_NUMBER", err.Error())
	case errors.Is(err, domain.ErrSameAccount):
		s.writeErrorMessage(w, http.StatusBadRequest, "SAME_ACCOUNT", err.Error())
	case errors.Is(err, domain.ErrInsufficientFunds):
		s.writeErrorMessage(w, http.StatusBadRequest, "INSUFFICIENT_FUNDS", "insufficient funds")
	case errors.Is(err, domain.ErrDuplicateAccountNumber):
		s.writeErrorMessage(w, http.StatusConflict, "ALREADY_EXISTS", "account number already exists")
	case errors.Is(err, domain.ErrAccountNotEmpty):
		s.writeErrorMessage(w, http.StatusConflict, "ACCOUNT_NOT_EMPTY", err.Error())
	case errors.Is(err, domain.ErrConflict):
		s.writeErrorMessage(w, http.StatusConflict, "CONFLICT", "operation conflicted with concurrent updates, retry")
	case errors.Is(err, domain.ErrStorageUnavailable):
		s.writeErrorMessage(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "storage temporarily unavailable, retry")
	default:
		s.logger.Error("unhandled error", zap.Error(err))
		s.writeErrorMessage(w, http.StatusInternalServerError, "INTERNAL_ERROR", "an internal error occurred")
	}
}
