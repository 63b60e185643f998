package services

import (
	cryptorand "crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"

	"github.com/prepwise/backend/internal/middleware"
	"github.com/prepwise/backend/internal/models"
)

// AuthService handles account registration, login and organization member
// management.
type AuthService struct {
	db        *sql.DB
	redis     *redis.Client
	credits   *CreditService
	validator *ValidationHelper
}

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	Name     string `json:"name" validate:"required,min=2"`
	Role     string `json:"role" validate:"required,oneof=INDIVIDUAL ORGANIZATION"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type CreateMemberRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	Name     string `json:"name" validate:"required,min=2"`
}

type AuthResponse struct {
	Token   string         `json:"token"`
	Account models.Account `json:"account"`
}

func NewAuthService(db *sql.DB, redisClient *redis.Client, credits *CreditService) *AuthService {
	return &AuthService{
		db:        db,
		redis:     redisClient,
		credits:   credits,
		validator: NewValidationHelper(),
	}
}

// Register creates a new top-level account.
// @Summary Register a new account
// @Tags auth
// @Accept json
// @Produce json
// @Param request body RegisterRequest true "Registration request"
// @Success 201 {object} AuthResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /auth/register [post]
func (s *AuthService) Register(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Registration attempt from IP: %s", r.RemoteAddr)

	var req RegisterRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	hashedPassword, err := hashPassword(req.Password)
	if err != nil {
		log.Printf("[AUTH] Password hashing failed for %s: %v", req.Email, err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	account := models.Account{
		ID:        uuid.NewString(),
		Email:     strings.ToLower(req.Email),
		Name:      req.Name,
		Role:      req.Role,
		CreatedAt: time.Now(),
	}

	_, err = s.db.Exec(`
		INSERT INTO accounts (id, email, password_hash, name, role, organization_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NULL, $6)`,
		account.ID, account.Email, hashedPassword, account.Name, account.Role, account.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate") || strings.Contains(err.Error(), "unique") {
			SendErrorResponse(w, "Email already registered", http.StatusConflict, nil)
			return
		}
		log.Printf("[AUTH] Registration failed for %s: %v", req.Email, err)
		SendErrorResponse(w, "Failed to create account", http.StatusInternalServerError, nil)
		return
	}

	token, err := s.issueSession(r, account.ID, account.Role)
	if err != nil {
		log.Printf("[AUTH] Session issue failed for %s: %v", account.ID, err)
		SendErrorResponse(w, "Failed to create session", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] Account %s registered as %s", account.ID, account.Role)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(AuthResponse{Token: token, Account: account})
}

// Login authenticates an account and issues a session token.
// @Summary Log in
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Login request"
// @Success 200 {object} AuthResponse
// @Failure 401 {object} ErrorResponse
// @Router /auth/login [post]
func (s *AuthService) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	var account models.Account
	var passwordHash string
	var orgID sql.NullString
	err := s.db.QueryRow(`
		SELECT id, email, password_hash, name, role, organization_id, created_at
		FROM accounts WHERE email = $1`,
		strings.ToLower(req.Email)).Scan(
		&account.ID, &account.Email, &passwordHash, &account.Name, &account.Role, &orgID, &account.CreatedAt)
	if err != nil {
		// identical response for unknown email and bad password
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}
	if orgID.Valid {
		account.OrganizationID = &orgID.String
	}

	ok, err := verifyPassword(req.Password, passwordHash)
	if err != nil || !ok {
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	if _, err := s.db.Exec(`UPDATE accounts SET last_login = $1 WHERE id = $2`, time.Now(), account.ID); err != nil {
		log.Printf("[AUTH] Failed to record last login for %s: %v", account.ID, err)
	}

	token, err := s.issueSession(r, account.ID, account.Role)
	if err != nil {
		log.Printf("[AUTH] Session issue failed for %s: %v", account.ID, err)
		SendErrorResponse(w, "Failed to create session", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(AuthResponse{Token: token, Account: account})
}

// Logout revokes the redis-backed session.
// @Summary Log out
// @Tags auth
// @Produce json
// @Success 200 {object} map[string]any
// @Router /auth/logout [post]
func (s *AuthService) Logout(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if ok && s.redis != nil {
		if err := s.redis.Del(r.Context(), "session:"+accountID).Err(); err != nil {
			log.Printf("[AUTH] Session revoke failed for %s: %v", accountID, err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}

// GetAccount returns the authenticated account.
// @Summary Get current account
// @Tags auth
// @Produce json
// @Success 200 {object} models.Account
// @Failure 401 {object} ErrorResponse
// @Router /auth/account [get]
func (s *AuthService) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var account models.Account
	var orgID sql.NullString
	var lastLogin sql.NullTime
	err := s.db.QueryRow(`
		SELECT id, email, name, role, organization_id, created_at, last_login
		FROM accounts WHERE id = $1`,
		accountID).Scan(&account.ID, &account.Email, &account.Name, &account.Role, &orgID, &account.CreatedAt, &lastLogin)
	if err != nil {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}
	if orgID.Valid {
		account.OrganizationID = &orgID.String
	}
	if lastLogin.Valid {
		account.LastLogin = &lastLogin.Time
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(account)
}

// CreateMember lets an organization create a dependent member account.
// The ledger gates this: an organization with no spendable credits cannot
// add members.
// @Summary Create a member account
// @Tags members
// @Accept json
// @Produce json
// @Param request body CreateMemberRequest true "Member request"
// @Success 201 {object} models.Account
// @Failure 402 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /members [post]
func (s *AuthService) CreateMember(w http.ResponseWriter, r *http.Request) {
	orgID, ok := middleware.AccountID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req CreateMemberRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}

	balance, err := s.credits.Balance(r.Context(), orgID)
	if err != nil {
		log.Printf("[AUTH] Balance check failed for organization %s: %v", orgID, err)
		SendErrorResponse(w, "Failed to create member", http.StatusInternalServerError, nil)
		return
	}
	if balance <= 0 {
		SendErrorResponse(w, "Organization has no spendable credits", http.StatusPaymentRequired, nil)
		return
	}

	hashedPassword, err := hashPassword(req.Password)
	if err != nil {
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	member := models.Account{
		ID:             uuid.NewString(),
		Email:          strings.ToLower(req.Email),
		Name:           req.Name,
		Role:           models.RoleIndividual,
		OrganizationID: &orgID,
		CreatedAt:      time.Now(),
	}

	_, err = s.db.Exec(`
		INSERT INTO accounts (id, email, password_hash, name, role, organization_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		member.ID, member.Email, hashedPassword, member.Name, member.Role, orgID, member.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate") || strings.Contains(err.Error(), "unique") {
			SendErrorResponse(w, "Email already registered", http.StatusConflict, nil)
			return
		}
		log.Printf("[AUTH] Member creation failed for organization %s: %v", orgID, err)
		SendErrorResponse(w, "Failed to create member", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] Organization %s created member %s", orgID, member.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(member)
}

func (s *AuthService) issueSession(r *http.Request, accountID, role string) (string, error) {
	expiryHours := viper.GetInt("jwt.expiry_hours")
	if expiryHours == 0 {
		expiryHours = 24
	}

	claims := jwt.MapClaims{
		"account_id": accountID,
		"role":       role,
		"exp":        time.Now().Add(time.Duration(expiryHours) * time.Hour).Unix(),
		"iat":        time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(viper.GetString("jwt.secret_key")))
	if err != nil {
		return "", err
	}

	if s.redis != nil {
		ttl := time.Duration(expiryHours) * time.Hour
		if err := s.redis.Set(r.Context(), "session:"+accountID, signed, ttl).Err(); err != nil {
			return "", err
		}
	}

	return signed, nil
}

func (s *AuthService) decodeRequest(w http.ResponseWriter, r *http.Request, req any) bool {
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

func hashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt,
		uint32(viperIntDefault("argon2.time", 1)),
		uint32(viperIntDefault("argon2.memory", 64*1024)),
		uint8(viperIntDefault("argon2.threads", 4)),
		uint32(viperIntDefault("argon2.key_length", 32)))

	return fmt.Sprintf("%s$%s",
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

func verifyPassword(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 2 {
		return false, errors.New("malformed password hash")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return false, err
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, err
	}

	hash := argon2.IDKey([]byte(password), salt,
		uint32(viperIntDefault("argon2.time", 1)),
		uint32(viperIntDefault("argon2.memory", 64*1024)),
		uint8(viperIntDefault("argon2.threads", 4)),
		uint32(len(expected)))

	return subtle.ConstantTimeCompare(hash, expected) == 1, nil
}

func viperIntDefault(key string, def int) int {
	if v := viper.GetInt(key); v != 0 {
		return v
	}
	return def
}
