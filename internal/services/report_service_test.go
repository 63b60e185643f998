package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redismock/v8"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prepwise/backend/internal/models"
)

func completedSessionRows(sessionID, accountID string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "account_id", "status", "overall_score", "summary", "created_at", "updated_at"}).
		AddRow(sessionID, accountID, models.StatusCompleted, 74,
			`{"overallStrengths":"clear structure","overallWeaknesses":"pacing","finalTips":"practice aloud"}`, now, now)
}

func emptyAnswerRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "session_id", "question_id", "position", "transcript", "evidence_refs", "feedback", "score"})
}

func reportRequest(method, target, param, value, accountID string) *http.Request {
	var r *http.Request
	if accountID != "" {
		r = authedRequest(method, target, nil, accountID, models.RoleIndividual)
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(param, value)
	return r.WithContext(contextWithChiRoute(r.Context(), rctx))
}

func TestReportService_GetReport(t *testing.T) {
	t.Run("streams a pdf for a completed session", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(`SELECT id, account_id, status`).
			WithArgs("sess1", "acct1").
			WillReturnRows(completedSessionRows("sess1", "acct1"))
		mock.ExpectQuery(`SELECT id, session_id, question_id`).
			WithArgs("sess1").
			WillReturnRows(emptyAnswerRows().
				AddRow("ans1", "sess1", "q1", 0, "my answer", []byte(`[]`),
					`{"score":74,"strengths":"good detail","weaknesses":"rambled","grammarFeedback":"minor slips"}`, 74))

		svc := NewReportService(NewInterviewService(db), nil)
		w := httptest.NewRecorder()

		svc.GetReport(w, reportRequest("GET", "/interviews/sess1/report", "id", "sess1", "acct1"))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
		assert.True(t, w.Body.Len() > 0)
	})

	t.Run("refuses a report for an unprocessed session", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		now := time.Now()
		mock.ExpectQuery(`SELECT id, account_id, status`).
			WithArgs("sess1", "acct1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "status", "overall_score", "summary", "created_at", "updated_at"}).
				AddRow("sess1", "acct1", models.StatusPending, nil, nil, now, now))
		mock.ExpectQuery(`SELECT id, session_id, question_id`).
			WithArgs("sess1").
			WillReturnRows(emptyAnswerRows())

		svc := NewReportService(NewInterviewService(db), nil)
		w := httptest.NewRecorder()

		svc.GetReport(w, reportRequest("GET", "/interviews/sess1/report", "id", "sess1", "acct1"))

		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestReportService_Share(t *testing.T) {
	viper.Set("share.secret", "share-test-secret")
	viper.Set("server.public_url", "https://prepwise.example")

	t.Run("mints a share link with a QR image", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(`SELECT id, account_id, status`).
			WithArgs("sess1", "acct1").
			WillReturnRows(completedSessionRows("sess1", "acct1"))
		mock.ExpectQuery(`SELECT id, session_id, question_id`).
			WithArgs("sess1").
			WillReturnRows(emptyAnswerRows())

		rdb, rmock := redismock.NewClientMock()
		rmock.Regexp().ExpectSet(`share:.+`, "sess1", shareTTL).SetVal("OK")

		svc := NewReportService(NewInterviewService(db), rdb)
		w := httptest.NewRecorder()

		svc.CreateShare(w, reportRequest("POST", "/interviews/sess1/share", "id", "sess1", "acct1"))

		assert.Equal(t, http.StatusCreated, w.Code)

		var resp ShareResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Contains(t, resp.ShareURL, "https://prepwise.example/shared/")
		assert.NotEmpty(t, resp.QRImage)
		assert.NoError(t, rmock.ExpectationsWereMet())
	})

	t.Run("resolves a valid share token to the pdf", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		token := signedShareToken("sess1")

		mock.ExpectQuery(`SELECT id, account_id, status`).
			WithArgs("sess1").
			WillReturnRows(completedSessionRows("sess1", "acct1"))
		mock.ExpectQuery(`SELECT id, session_id, question_id`).
			WithArgs("sess1").
			WillReturnRows(emptyAnswerRows())

		rdb, rmock := redismock.NewClientMock()
		rmock.ExpectGet("share:" + token).SetVal("sess1")

		svc := NewReportService(NewInterviewService(db), rdb)
		w := httptest.NewRecorder()

		svc.GetShared(w, reportRequest("GET", "/shared/"+token, "token", token, ""))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	})

	t.Run("rejects a tampered token even if redis has it", func(t *testing.T) {
		db, _, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		token := signedShareToken("sess1") + "x"

		rdb, rmock := redismock.NewClientMock()
		rmock.ExpectGet("share:" + token).SetVal("sess1")

		svc := NewReportService(NewInterviewService(db), rdb)
		w := httptest.NewRecorder()

		svc.GetShared(w, reportRequest("GET", "/shared/"+token, "token", token, ""))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("rejects an expired token", func(t *testing.T) {
		db, _, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		rdb, rmock := redismock.NewClientMock()
		rmock.ExpectGet("share:gone").RedisNil()

		svc := NewReportService(NewInterviewService(db), rdb)
		w := httptest.NewRecorder()

		svc.GetShared(w, reportRequest("GET", "/shared/gone", "token", "gone", ""))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

// signedShareToken builds a token the resolver will accept for sessionID.
func signedShareToken(sessionID string) string {
	nonce := base64.RawURLEncoding.EncodeToString([]byte("fixed-test-nonce"))
	mac := hmac.New(sha256.New, []byte(viper.GetString("share.secret")))
	mac.Write([]byte(nonce))
	mac.Write([]byte(sessionID))
	return nonce + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
