package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/jung-kurt/gofpdf/v2"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/viper"

	"github.com/prepwise/backend/internal/ai"
	"github.com/prepwise/backend/internal/middleware"
	"github.com/prepwise/backend/internal/models"
)

const shareTTL = 72 * time.Hour

// ReportService renders completed sessions as PDF feedback reports and
// mints short-lived share links with QR codes.
type ReportService struct {
	interviews *InterviewService
	redis      *redis.Client
}

type ShareResponse struct {
	ShareURL  string `json:"shareUrl"`
	QRImage   string `json:"qrImage"` // base64-encoded PNG
	ExpiresAt int64  `json:"expiresAt"`
}

func NewReportService(interviews *InterviewService, redisClient *redis.Client) *ReportService {
	return &ReportService{interviews: interviews, redis: redisClient}
}

// GetReport streams the session's feedback report as a PDF. Only
// completed sessions have a report.
// @Summary Download the PDF feedback report
// @Tags reports
// @Produce application/pdf
// @Param id path string true "Session ID"
// @Success 200
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /interviews/{id}/report [get]
func (s *ReportService) GetReport(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	sessionID := chi.URLParam(r, "id")
	detail, err := s.interviews.fetchSession(r.Context(), sessionID, accountID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			SendErrorResponse(w, "Session not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[REPORTS] Session fetch failed for %s: %v", sessionID, err)
		SendErrorResponse(w, "Failed to build report", http.StatusInternalServerError, nil)
		return
	}
	if detail.Status != models.StatusCompleted {
		SendErrorResponse(w, "Session has no report yet", http.StatusConflict, nil)
		return
	}

	var buf bytes.Buffer
	if err := renderReport(&buf, detail); err != nil {
		log.Printf("[REPORTS] PDF render failed for %s: %v", sessionID, err)
		SendErrorResponse(w, "Failed to build report", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="interview-report-%s.pdf"`, sessionID))
	w.Write(buf.Bytes())
}

// CreateShare mints an HMAC-signed share token for a completed session,
// stores it in redis with a TTL, and returns the public URL plus a QR
// code image for it.
// @Summary Create a share link for a session
// @Tags reports
// @Produce json
// @Param id path string true "Session ID"
// @Success 201 {object} ShareResponse
// @Failure 404 {object} ErrorResponse
// @Router /interviews/{id}/share [post]
func (s *ReportService) CreateShare(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	sessionID := chi.URLParam(r, "id")
	detail, err := s.interviews.fetchSession(r.Context(), sessionID, accountID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			SendErrorResponse(w, "Session not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[REPORTS] Session fetch failed for %s: %v", sessionID, err)
		SendErrorResponse(w, "Failed to create share link", http.StatusInternalServerError, nil)
		return
	}
	if detail.Status != models.StatusCompleted {
		SendErrorResponse(w, "Session has no report yet", http.StatusConflict, nil)
		return
	}

	token, err := s.mintShareToken(r.Context(), sessionID)
	if err != nil {
		log.Printf("[REPORTS] Share token mint failed for %s: %v", sessionID, err)
		SendErrorResponse(w, "Failed to create share link", http.StatusInternalServerError, nil)
		return
	}

	shareURL := strings.TrimRight(viper.GetString("server.public_url"), "/") + "/shared/" + token

	qr, err := qrcode.New(shareURL, qrcode.Medium)
	if err != nil {
		SendErrorResponse(w, "Failed to create share link", http.StatusInternalServerError, nil)
		return
	}
	var imgBuf bytes.Buffer
	if err := png.Encode(&imgBuf, qr.Image(256)); err != nil {
		SendErrorResponse(w, "Failed to create share link", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(ShareResponse{
		ShareURL:  shareURL,
		QRImage:   base64.StdEncoding.EncodeToString(imgBuf.Bytes()),
		ExpiresAt: time.Now().Add(shareTTL).Unix(),
	})
}

// GetShared resolves a share token to the session's PDF report. No
// authentication: the token is the capability.
// @Summary Fetch a shared report
// @Tags reports
// @Produce application/pdf
// @Param token path string true "Share token"
// @Success 200
// @Failure 404 {object} ErrorResponse
// @Router /shared/{token} [get]
func (s *ReportService) GetShared(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	sessionID, accountID, err := s.resolveShareToken(r.Context(), token)
	if err != nil {
		SendErrorResponse(w, "Invalid or expired share link", http.StatusNotFound, nil)
		return
	}

	detail, err := s.interviews.fetchSession(r.Context(), sessionID, accountID)
	if err != nil {
		SendErrorResponse(w, "Invalid or expired share link", http.StatusNotFound, nil)
		return
	}

	var buf bytes.Buffer
	if err := renderReport(&buf, detail); err != nil {
		log.Printf("[REPORTS] PDF render failed for shared session %s: %v", sessionID, err)
		SendErrorResponse(w, "Failed to build report", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Write(buf.Bytes())
}

// mintShareToken produces "<nonce>.<hmac(nonce|sessionID)>" and records
// the token -> session mapping in redis for the share TTL.
func (s *ReportService) mintShareToken(ctx context.Context, sessionID string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(nonce)

	mac := hmac.New(sha256.New, []byte(viper.GetString("share.secret")))
	mac.Write([]byte(encoded))
	mac.Write([]byte(sessionID))
	token := encoded + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	key := fmt.Sprintf("share:%s", token)
	if err := s.redis.Set(ctx, key, sessionID, shareTTL).Err(); err != nil {
		return "", err
	}

	return token, nil
}

func (s *ReportService) resolveShareToken(ctx context.Context, token string) (sessionID, accountID string, err error) {
	key := fmt.Sprintf("share:%s", token)
	sessionID, err = s.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", "", fmt.Errorf("invalid or expired share token")
	}
	if err != nil {
		return "", "", err
	}

	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed share token")
	}
	mac := hmac.New(sha256.New, []byte(viper.GetString("share.secret")))
	mac.Write([]byte(parts[0]))
	mac.Write([]byte(sessionID))
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(parts[1]), []byte(expected)) {
		return "", "", fmt.Errorf("share token signature mismatch")
	}

	// shared reports are rendered on behalf of the owner
	return sessionID, "", nil
}

func renderReport(buf *bytes.Buffer, detail *SessionDetail) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(fmt.Sprintf("Interview Report %s", detail.ID), false)
	pdf.SetAuthor("PrepWise", false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, "Interview Feedback Report")
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 12)
	pdf.Cell(0, 6, fmt.Sprintf("Session: %s", detail.ID))
	pdf.Ln(6)
	pdf.Cell(0, 6, fmt.Sprintf("Taken: %s", detail.CreatedAt.Local().Format("02 Jan 2006 15:04")))
	pdf.Ln(6)
	if detail.OverallScore != nil {
		pdf.SetFont("Helvetica", "B", 12)
		pdf.Cell(0, 6, fmt.Sprintf("Overall score: %d / 100", *detail.OverallScore))
		pdf.Ln(10)
	}

	if detail.Summary != nil {
		var summary ai.SessionSummary
		if err := json.Unmarshal([]byte(*detail.Summary), &summary); err == nil {
			writeReportSection(pdf, "Strengths", summary.OverallStrengths)
			writeReportSection(pdf, "Areas to improve", summary.OverallWeaknesses)
			writeReportSection(pdf, "Final tips", summary.FinalTips)
		}
	}

	for _, answer := range detail.Answers {
		pdf.Ln(4)
		pdf.SetFont("Helvetica", "B", 14)
		pdf.Cell(0, 8, fmt.Sprintf("Question %d", answer.Position+1))
		pdf.Ln(10)

		pdf.SetFont("Helvetica", "", 12)
		if answer.Score != nil {
			pdf.Cell(0, 6, fmt.Sprintf("Score: %d / 100", *answer.Score))
			pdf.Ln(8)
		}

		if answer.Feedback != nil {
			var fb ai.AnswerScore
			if err := json.Unmarshal([]byte(*answer.Feedback), &fb); err == nil {
				writeReportSection(pdf, "What went well", fb.Strengths)
				writeReportSection(pdf, "What to work on", fb.Weaknesses)
				if fb.GrammarFeedback != "" {
					writeReportSection(pdf, "Delivery", fb.GrammarFeedback)
				}
			}
		}
	}

	return pdf.Output(buf)
}

func writeReportSection(pdf *gofpdf.Fpdf, title, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}

	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 6, title)
	pdf.Ln(7)

	pdf.SetFont("Helvetica", "", 11)
	pdf.MultiCell(0, 5, content, "", "L", false)
	pdf.Ln(2)
}
