package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/prepwise/backend/internal/audit"
	"github.com/prepwise/backend/internal/middleware"
	"github.com/prepwise/backend/internal/models"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrNotOrganizationMember = errors.New("target account does not belong to this organization")
)

// CreditService owns the append-only credit ledger. Balances are always a
// sum over events, never a separately maintained column, so a partial
// write is detectable by replay.
type CreditService struct {
	db        *sql.DB
	audit     *audit.Logger
	validator *ValidationHelper
}

func NewCreditService(db *sql.DB) *CreditService {
	return &CreditService{
		db:        db,
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
	}
}

type GrantRequest struct {
	AccountID string `json:"accountId" validate:"required"`
	Quantity  int64  `json:"quantity" validate:"required,gt=0"`
}

type PurchaseRequest struct {
	Quantity    int64 `json:"quantity" validate:"required,gt=0"`
	AmountCents int64 `json:"amountCents" validate:"required,gt=0"`
}

type TransferRequest struct {
	MemberID string `json:"memberId" validate:"required"`
	Quantity int64  `json:"quantity" validate:"required,gt=0"`
}

// Balance derives an account's spendable credits from its event history.
func (s *CreditService) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM credit_events WHERE account_id = $1`,
		accountID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("derive balance: %w", err)
	}
	return balance, nil
}

// Grant appends a GRANT event. Operator-only; authorization is enforced by
// route middleware.
// @Summary Grant credits to an account
// @Tags credits
// @Accept json
// @Produce json
// @Param request body GrantRequest true "Grant request"
// @Success 200 {object} map[string]any
// @Failure 400 {object} ErrorResponse
// @Router /credits/grant [post]
func (s *CreditService) Grant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	eventID := uuid.NewString()
	_, err := s.db.ExecContext(r.Context(), `
		INSERT INTO credit_events (id, account_id, kind, quantity, counterpart_id, amount_cents, created_at)
		VALUES ($1, $2, $3, $4, NULL, NULL, $5)`,
		eventID, req.AccountID, models.EventGrant, req.Quantity, time.Now())
	if err != nil {
		log.Printf("[CREDITS] Grant failed for account %s: %v", req.AccountID, err)
		SendErrorResponse(w, "Failed to grant credits", http.StatusInternalServerError, nil)
		return
	}

	s.audit.LogOperation(eventID, req.AccountID, "GRANT", fmt.Sprintf("granted %d credits", req.Quantity))
	s.sendResult(w, true, "Credits granted")
}

// Purchase appends a PURCHASE event for the acting account plus a
// revenue-log row, atomically.
// @Summary Purchase credits
// @Tags credits
// @Accept json
// @Produce json
// @Param request body PurchaseRequest true "Purchase request"
// @Success 200 {object} map[string]any
// @Failure 400 {object} ErrorResponse
// @Router /credits/purchase [post]
func (s *CreditService) Purchase(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req PurchaseRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	tx, err := s.db.BeginTx(r.Context(), nil)
	if err != nil {
		SendErrorResponse(w, "Failed to process purchase", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	eventID := uuid.NewString()
	now := time.Now()
	if _, err := tx.Exec(`
		INSERT INTO credit_events (id, account_id, kind, quantity, counterpart_id, amount_cents, created_at)
		VALUES ($1, $2, $3, $4, NULL, $5, $6)`,
		eventID, accountID, models.EventPurchase, req.Quantity, req.AmountCents, now); err != nil {
		log.Printf("[CREDITS] Purchase event failed for account %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to process purchase", http.StatusInternalServerError, nil)
		return
	}

	if _, err := tx.Exec(`
		INSERT INTO revenue_log (id, account_id, credits, amount_cents, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), accountID, req.Quantity, req.AmountCents, now); err != nil {
		log.Printf("[CREDITS] Revenue log failed for account %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to process purchase", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[CREDITS] Purchase commit failed for account %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to process purchase", http.StatusInternalServerError, nil)
		return
	}

	s.audit.LogOperation(eventID, accountID, "PURCHASE", fmt.Sprintf("purchased %d credits", req.Quantity))
	s.sendResult(w, true, "Credits purchased")
}

// Transfer moves credits from an organization to one of its members as two
// linked events written in a single transaction. The balance and
// membership checks happen at write time, under a row lock on the
// organization account, so concurrent transfers cannot double-spend.
// @Summary Transfer credits to a member account
// @Tags credits
// @Accept json
// @Produce json
// @Param request body TransferRequest true "Transfer request"
// @Success 200 {object} map[string]any
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Router /credits/transfer [post]
func (s *CreditService) Transfer(w http.ResponseWriter, r *http.Request) {
	orgID, ok := middleware.AccountID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req TransferRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	err := s.transfer(r.Context(), orgID, req.MemberID, req.Quantity)
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		SendErrorResponse(w, "Insufficient balance", http.StatusPaymentRequired, nil)
	case errors.Is(err, ErrNotOrganizationMember):
		SendErrorResponse(w, "Account is not a member of this organization", http.StatusBadRequest, nil)
	case err != nil:
		log.Printf("[CREDITS] Transfer failed from %s to %s: %v", orgID, req.MemberID, err)
		SendErrorResponse(w, "Failed to transfer credits", http.StatusInternalServerError, nil)
	default:
		s.sendResult(w, true, "Credits transferred")
	}
}

func (s *CreditService) transfer(ctx context.Context, orgID, memberID string, quantity int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Serialize concurrent transfers from the same organization
	var lockedID string
	if err := tx.QueryRow(`
		SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, orgID).Scan(&lockedID); err != nil {
		return fmt.Errorf("lock organization account: %w", err)
	}

	var parentOrg sql.NullString
	if err := tx.QueryRow(`
		SELECT organization_id FROM accounts WHERE id = $1`, memberID).Scan(&parentOrg); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotOrganizationMember
		}
		return fmt.Errorf("look up member account: %w", err)
	}
	if !parentOrg.Valid || parentOrg.String != orgID {
		return ErrNotOrganizationMember
	}

	var balance int64
	if err := tx.QueryRow(`
		SELECT COALESCE(SUM(quantity), 0) FROM credit_events WHERE account_id = $1`,
		orgID).Scan(&balance); err != nil {
		return fmt.Errorf("derive balance: %w", err)
	}
	if balance < quantity {
		return ErrInsufficientBalance
	}

	outID := uuid.NewString()
	now := time.Now()
	if _, err := tx.Exec(`
		INSERT INTO credit_events (id, account_id, kind, quantity, counterpart_id, amount_cents, created_at)
		VALUES ($1, $2, $3, $4, $5, NULL, $6)`,
		outID, orgID, models.EventTransferOut, -quantity, memberID, now); err != nil {
		return fmt.Errorf("write transfer-out event: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO credit_events (id, account_id, kind, quantity, counterpart_id, amount_cents, created_at)
		VALUES ($1, $2, $3, $4, $5, NULL, $6)`,
		uuid.NewString(), memberID, models.EventTransferIn, quantity, orgID, now); err != nil {
		return fmt.Errorf("write transfer-in event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		// Both legs were staged; a failed commit here may leave the
		// ledger halves split and needs manual remediation.
		s.audit.LogCriticalInconsistency(outID, orgID, err)
		return fmt.Errorf("commit transfer: %w", err)
	}

	s.audit.LogTransfer(outID, orgID, memberID, quantity, "SUCCESS")
	return nil
}

// GetBalance returns the acting account's derived balance.
// @Summary Get current credit balance
// @Tags credits
// @Produce json
// @Success 200 {object} map[string]any
// @Router /credits/balance [get]
func (s *CreditService) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	balance, err := s.Balance(r.Context(), accountID)
	if err != nil {
		log.Printf("[CREDITS] Balance lookup failed for account %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"accountId": accountID,
		"balance":   balance,
	})
}

// GetHistory lists the acting account's ledger events, newest first, with
// optional kind filter.
// @Summary List credit ledger events
// @Tags credits
// @Produce json
// @Param kind query string false "Filter by event kind"
// @Param limit query int false "Max events (default 50)"
// @Success 200 {object} map[string]any
// @Router /credits/history [get]
func (s *CreditService) GetHistory(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := uint64(50)
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 200 {
			limit = uint64(l)
		}
	}

	q := sq.Select("id", "account_id", "kind", "quantity", "counterpart_id", "amount_cents", "created_at").
		From("credit_events").
		Where(sq.Eq{"account_id": accountID}).
		OrderBy("created_at DESC").
		Limit(limit).
		PlaceholderFormat(sq.Dollar)

	if kind := r.URL.Query().Get("kind"); kind != "" {
		q = q.Where(sq.Eq{"kind": kind})
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		SendErrorResponse(w, "Failed to fetch history", http.StatusInternalServerError, nil)
		return
	}

	rows, err := s.db.QueryContext(r.Context(), sqlStr, args...)
	if err != nil {
		log.Printf("[CREDITS] History query failed for account %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to fetch history", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	events := []models.CreditEvent{}
	for rows.Next() {
		var ev models.CreditEvent
		var counterpart sql.NullString
		var amount sql.NullInt64
		if err := rows.Scan(&ev.ID, &ev.AccountID, &ev.Kind, &ev.Quantity, &counterpart, &amount, &ev.CreatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch history", http.StatusInternalServerError, nil)
			return
		}
		if counterpart.Valid {
			ev.CounterpartID = &counterpart.String
		}
		if amount.Valid {
			ev.AmountCents = &amount.Int64
		}
		events = append(events, ev)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (s *CreditService) decodeRequest(w http.ResponseWriter, r *http.Request, req any) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := s.validator.ValidateStruct(req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}

	return true
}

func (s *CreditService) sendResult(w http.ResponseWriter, success bool, message string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": success,
		"message": message,
	})
}
