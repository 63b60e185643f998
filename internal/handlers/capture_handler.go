package handlers

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/prepwise/backend/internal/capture"
	"github.com/prepwise/backend/internal/config"
	"github.com/prepwise/backend/internal/middleware"
	"github.com/prepwise/backend/internal/services"
)

// CaptureHandler exposes the per-question record workflow over HTTP. The
// machine itself lives in redis between calls, keyed by account, so the
// subject can only run one capture session at a time.
type CaptureHandler struct {
	db          *sql.DB
	redis       *redis.Client
	transcriber *services.TranscriptionService
	submissions *services.SubmissionService
	cfg         *config.CaptureConfig
	validator   *services.ValidationHelper
}

func NewCaptureHandler(db *sql.DB, redisClient *redis.Client, transcriber *services.TranscriptionService, submissions *services.SubmissionService, cfg *config.CaptureConfig) *CaptureHandler {
	return &CaptureHandler{
		db:          db,
		redis:       redisClient,
		transcriber: transcriber,
		submissions: submissions,
		cfg:         cfg,
		validator:   services.NewValidationHelper(),
	}
}

// StateResponse is the machine view returned by every capture endpoint.
type StateResponse struct {
	Phase             capture.Phase   `json:"phase"`
	QuestionIndex     int             `json:"questionIndex"`
	QuestionCount     int             `json:"questionCount"`
	Question          *questionView   `json:"question,omitempty"`
	RemainingSeconds  float64         `json:"remainingSeconds"`
	SnapshotsExpected int             `json:"snapshotsExpected"`
	SnapshotsTaken    int             `json:"snapshotsTaken"`
	EnvironmentErrors []string        `json:"environmentErrors,omitempty"`
	SnapshotOffsets   []time.Duration `json:"snapshotOffsets,omitempty"`
}

type questionView struct {
	ID            string `json:"id"`
	Text          string `json:"text"`
	IdentityCheck bool   `json:"identityCheck"`
}

// Start loads the question queue and creates a fresh capture machine,
// replacing any abandoned one.
// @Summary Start a capture session
// @Tags capture
// @Produce json
// @Success 201 {object} StateResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /capture/start [post]
func (h *CaptureHandler) Start(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	questions, err := h.loadQuestions(r.Context())
	if err != nil {
		log.Printf("[CAPTURE] Question load failed for account %s: %v", accountID, err)
		services.SendErrorResponse(w, "Failed to start capture session", http.StatusInternalServerError, nil)
		return
	}

	machine, err := capture.NewMachine(questions, h.cfg.ReadDuration, h.cfg.RecordDuration, h.cfg.SnapshotOffsets)
	if err != nil {
		services.SendErrorResponse(w, "No questions available", http.StatusServiceUnavailable, nil)
		return
	}

	if err := h.saveMachine(r.Context(), accountID, machine); err != nil {
		log.Printf("[CAPTURE] Machine save failed for account %s: %v", accountID, err)
		services.SendErrorResponse(w, "Failed to start capture session", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[CAPTURE] Session started for account %s with %d questions", accountID, len(questions))
	h.sendState(w, http.StatusCreated, machine)
}

// GetState applies any due time-driven transition and reports the phase.
// @Summary Get capture session state
// @Tags capture
// @Produce json
// @Success 200 {object} StateResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /capture/state [get]
func (h *CaptureHandler) GetState(w http.ResponseWriter, r *http.Request) {
	h.withMachine(w, r, func(m *capture.Machine) error {
		m.Tick()
		return nil
	})
}

// ReportEnvironment records a setup check. A failed check stays
// retriable: the response names the failing capabilities and the machine
// stays put.
// @Summary Report environment check results
// @Tags capture
// @Accept json
// @Produce json
// @Param request body capture.EnvironmentCheck true "Check results"
// @Success 200 {object} StateResponse
// @Failure 422 {object} StateResponse
// @Router /capture/environment [post]
func (h *CaptureHandler) ReportEnvironment(w http.ResponseWriter, r *http.Request) {
	var check capture.EnvironmentCheck
	if !h.decodeRequest(w, r, &check) {
		return
	}

	h.withMachine(w, r, func(m *capture.Machine) error {
		return m.ReportEnvironment(check)
	})
}

// BeginReading starts the reading countdown for the current question.
// @Summary Begin the reading countdown
// @Tags capture
// @Produce json
// @Success 200 {object} StateResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /capture/read [post]
func (h *CaptureHandler) BeginReading(w http.ResponseWriter, r *http.Request) {
	h.withMachine(w, r, func(m *capture.Machine) error {
		return m.BeginReading()
	})
}

// AddSnapshot stores one identity-check snapshot and records its
// reference on the machine.
// @Summary Upload an evidence snapshot
// @Tags capture
// @Accept json
// @Produce json
// @Success 200 {object} StateResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /capture/snapshot [post]
func (h *CaptureHandler) AddSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ImageData string `json:"imageData" validate:"required"` // base64-encoded JPEG
	}
	if !h.decodeRequest(w, r, &req) {
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.ImageData)
	if err != nil {
		services.SendErrorResponse(w, "Invalid image data", http.StatusBadRequest, nil)
		return
	}

	h.withMachine(w, r, func(m *capture.Machine) error {
		ref := uuid.NewString() + ".jpg"
		if err := m.AddEvidence(ref); err != nil {
			return err
		}
		if err := h.writeEvidence(ref, data); err != nil {
			log.Printf("[CAPTURE] Evidence write failed: %v", err)
			return err
		}
		return nil
	})
}

// StopRecording ends the recording window with the uploaded clip
// reference.
// @Summary Stop recording the current answer
// @Tags capture
// @Accept json
// @Produce json
// @Success 200 {object} StateResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /capture/stop [post]
func (h *CaptureHandler) StopRecording(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MediaRef string `json:"mediaRef" validate:"required"`
	}
	if !h.decodeRequest(w, r, &req) {
		return
	}

	h.withMachine(w, r, func(m *capture.Machine) error {
		return m.StopRecording(req.MediaRef)
	})
}

// Rerecord discards the clip under review and restarts the question.
// @Summary Re-record the current answer
// @Tags capture
// @Produce json
// @Success 200 {object} StateResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /capture/rerecord [post]
func (h *CaptureHandler) Rerecord(w http.ResponseWriter, r *http.Request) {
	h.withMachine(w, r, func(m *capture.Machine) error {
		return m.Rerecord()
	})
}

// Advance transcribes the reviewed clip and finalizes the answer. On
// transcription failure the clip stays reviewable and the subject can
// retry or re-record.
// @Summary Accept the current answer and move on
// @Tags capture
// @Accept json
// @Produce json
// @Success 200 {object} StateResponse
// @Failure 409 {object} services.ErrorResponse
// @Failure 502 {object} services.ErrorResponse
// @Router /capture/advance [post]
func (h *CaptureHandler) Advance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AudioData string `json:"audioData" validate:"required"` // base64-encoded clip audio
		Encoding  string `json:"encoding"`
	}
	if !h.decodeRequest(w, r, &req) {
		return
	}

	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	// check the phase before calling the transcriber: a wrong-phase
	// request must not spend a transcription call
	machine, err := h.loadMachine(r.Context(), accountID)
	if err != nil {
		services.SendErrorResponse(w, "No active capture session", http.StatusNotFound, nil)
		return
	}
	if machine.Phase != capture.PhaseQuestionReview || machine.Clip == nil {
		services.SendErrorResponse(w, "No recorded answer under review", http.StatusConflict, nil)
		return
	}

	transcript, _, err := h.transcriber.Transcribe(r.Context(), services.TranscribeRequest{
		Audio:    req.AudioData,
		Encoding: req.Encoding,
	})
	if err != nil {
		// clip stays on the machine; the subject retries or re-records
		log.Printf("[CAPTURE] Transcription failed: %v", err)
		services.SendErrorResponse(w, "Transcription failed, try again or re-record", http.StatusBadGateway, nil)
		return
	}

	if err := machine.Advance(transcript); err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
		return
	}

	if err := h.saveMachine(r.Context(), accountID, machine); err != nil {
		log.Printf("[CAPTURE] Machine save failed for account %s: %v", accountID, err)
		services.SendErrorResponse(w, "Failed to persist capture state", http.StatusInternalServerError, nil)
		return
	}

	h.sendState(w, http.StatusOK, machine)
}

// Finalize turns a fully answered machine into one pending interview
// session and clears the capture state.
// @Summary Submit the captured interview
// @Tags capture
// @Produce json
// @Success 201 {object} map[string]any
// @Failure 409 {object} services.ErrorResponse
// @Router /capture/finalize [post]
func (h *CaptureHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	machine, err := h.loadMachine(r.Context(), accountID)
	if err != nil {
		services.SendErrorResponse(w, "No active capture session", http.StatusNotFound, nil)
		return
	}

	if !machine.Done() {
		services.SendErrorResponse(w, "Not all questions are answered", http.StatusConflict, nil)
		return
	}

	answers := make([]services.AnswerTuple, 0, len(machine.Answers))
	for _, a := range machine.Answers {
		answers = append(answers, services.AnswerTuple{
			QuestionID:   a.QuestionID,
			Transcript:   a.Transcript,
			EvidenceRefs: a.EvidenceRefs,
		})
	}

	sessionID, err := h.submissions.CreateSession(r.Context(), accountID, answers)
	if err != nil {
		log.Printf("[CAPTURE] Finalize failed for account %s: %v", accountID, err)
		services.SendErrorResponse(w, "Failed to submit interview", http.StatusInternalServerError, nil)
		return
	}

	if err := h.redis.Del(r.Context(), captureKey(accountID)).Err(); err != nil {
		log.Printf("[CAPTURE] State cleanup failed for account %s: %v", accountID, err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"unitId":  sessionID,
	})
}

// withMachine loads the caller's machine, applies op, persists the result
// and replies with the machine state. Phase violations map to 409;
// retriable environment failures to 422 with the failing capabilities.
func (h *CaptureHandler) withMachine(w http.ResponseWriter, r *http.Request, op func(*capture.Machine) error) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	machine, err := h.loadMachine(r.Context(), accountID)
	if err != nil {
		services.SendErrorResponse(w, "No active capture session", http.StatusNotFound, nil)
		return
	}

	opErr := op(machine)
	if opErr != nil && !errors.Is(opErr, capture.ErrEnvironmentFailed) {
		status := http.StatusConflict
		if !errors.Is(opErr, capture.ErrWrongPhase) {
			status = http.StatusBadRequest
		}
		services.SendErrorResponse(w, opErr.Error(), status, nil)
		return
	}

	if err := h.saveMachine(r.Context(), accountID, machine); err != nil {
		log.Printf("[CAPTURE] Machine save failed for account %s: %v", accountID, err)
		services.SendErrorResponse(w, "Failed to persist capture state", http.StatusInternalServerError, nil)
		return
	}

	status := http.StatusOK
	if opErr != nil {
		status = http.StatusUnprocessableEntity
	}
	h.sendState(w, status, machine)
}

func (h *CaptureHandler) sendState(w http.ResponseWriter, status int, m *capture.Machine) {
	resp := StateResponse{
		Phase:             m.Phase,
		QuestionIndex:     m.Index,
		QuestionCount:     len(m.Questions),
		RemainingSeconds:  m.Remaining().Seconds(),
		SnapshotsExpected: m.SnapshotsExpected(),
		SnapshotsTaken:    len(m.PendingEvidence),
	}
	if q, err := m.CurrentQuestion(); err == nil && m.Phase != capture.PhaseEnvironmentCheck {
		resp.Question = &questionView{ID: q.ID, Text: q.Text, IdentityCheck: q.IdentityCheck}
	}
	if m.Phase == capture.PhaseEnvironmentCheck {
		resp.EnvironmentErrors = m.Environment.Failures()
	}
	if resp.SnapshotsExpected > 0 {
		resp.SnapshotOffsets = m.SnapshotOffsets
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// loadQuestions returns the active question queue in position order. The
// identity-check question is part of the queue like any other.
func (h *CaptureHandler) loadQuestions(ctx context.Context) ([]capture.QuestionPrompt, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, text, identity_check FROM questions
		ORDER BY position ASC LIMIT $1`,
		h.cfg.MaxQuestions)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []capture.QuestionPrompt
	for rows.Next() {
		var q capture.QuestionPrompt
		if err := rows.Scan(&q.ID, &q.Text, &q.IdentityCheck); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

func (h *CaptureHandler) loadMachine(ctx context.Context, accountID string) (*capture.Machine, error) {
	data, err := h.redis.Get(ctx, captureKey(accountID)).Bytes()
	if err != nil {
		return nil, err
	}

	var machine capture.Machine
	if err := json.Unmarshal(data, &machine); err != nil {
		return nil, fmt.Errorf("decode capture state: %w", err)
	}
	machine.SetClock(capture.SystemClock)
	return &machine, nil
}

func (h *CaptureHandler) saveMachine(ctx context.Context, accountID string, m *capture.Machine) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode capture state: %w", err)
	}
	return h.redis.Set(ctx, captureKey(accountID), data, h.cfg.SessionTTL).Err()
}

func (h *CaptureHandler) writeEvidence(ref string, data []byte) error {
	if err := os.MkdirAll(h.cfg.EvidenceDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(h.cfg.EvidenceDir, ref), data, 0o644)
}

func captureKey(accountID string) string {
	return fmt.Sprintf("capture:%s", accountID)
}

func (h *CaptureHandler) decodeRequest(w http.ResponseWriter, r *http.Request, req any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 10*1024*1024)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := h.validator.ValidateStruct(req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}

	return true
}
