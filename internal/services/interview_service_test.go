package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prepwise/backend/internal/models"
)

func contextWithChiRoute(ctx context.Context, rctx *chi.Context) context.Context {
	return context.WithValue(ctx, chi.RouteCtxKey, rctx)
}

func TestInterviewService_ListSessions(t *testing.T) {
	t.Run("lists own sessions newest first", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		now := time.Now()
		rows := sqlmock.NewRows([]string{"id", "account_id", "status", "overall_score", "summary", "created_at", "updated_at"}).
			AddRow("sess2", "acct1", models.StatusCompleted, 74, `{"final_tips":[]}`, now, now).
			AddRow("sess1", "acct1", models.StatusFailed, nil, nil, now.Add(-time.Hour), now.Add(-time.Hour))
		mock.ExpectQuery(`SELECT id, account_id, status`).
			WithArgs("acct1").
			WillReturnRows(rows)

		svc := NewInterviewService(db)
		r := authedRequest("GET", "/interviews", nil, "acct1", models.RoleIndividual)
		w := httptest.NewRecorder()

		svc.ListSessions(w, r)

		assert.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Sessions []models.InterviewSession `json:"sessions"`
			Count    int                       `json:"count"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, 2, resp.Count)
		assert.Equal(t, "sess2", resp.Sessions[0].ID)
		require.NotNil(t, resp.Sessions[0].OverallScore)
		assert.Equal(t, 74, *resp.Sessions[0].OverallScore)
		assert.Nil(t, resp.Sessions[1].OverallScore)
	})

	t.Run("applies a status filter", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(`SELECT id, account_id, status`).
			WithArgs("acct1", models.StatusCompleted).
			WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "status", "overall_score", "summary", "created_at", "updated_at"}))

		svc := NewInterviewService(db)
		r := authedRequest("GET", "/interviews?status=COMPLETED", nil, "acct1", models.RoleIndividual)
		w := httptest.NewRecorder()

		svc.ListSessions(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestInterviewService_GetSession(t *testing.T) {
	sessionRequest := func(sessionID, accountID string) *http.Request {
		r := authedRequest("GET", "/interviews/"+sessionID, nil, accountID, models.RoleIndividual)
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("id", sessionID)
		return r.WithContext(contextWithChiRoute(r.Context(), rctx))
	}

	t.Run("returns the session with ordered answers", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		now := time.Now()
		mock.ExpectQuery(`SELECT id, account_id, status`).
			WithArgs("sess1", "acct1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "status", "overall_score", "summary", "created_at", "updated_at"}).
				AddRow("sess1", "acct1", models.StatusCompleted, 80, `{"final_tips":["slow down"]}`, now, now))
		mock.ExpectQuery(`SELECT id, session_id, question_id`).
			WithArgs("sess1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "session_id", "question_id", "position", "transcript", "evidence_refs", "feedback", "score"}).
				AddRow("ans1", "sess1", "q1", 0, "first answer", []byte(`["snap-1.jpg"]`), `{"score":85}`, 85).
				AddRow("ans2", "sess1", "q2", 1, "second answer", []byte(`[]`), `{"score":75}`, 75))

		svc := NewInterviewService(db)
		w := httptest.NewRecorder()

		svc.GetSession(w, sessionRequest("sess1", "acct1"))

		assert.Equal(t, http.StatusOK, w.Code)

		var detail SessionDetail
		require.NoError(t, json.NewDecoder(w.Body).Decode(&detail))
		require.Len(t, detail.Answers, 2)
		assert.Equal(t, []string{"snap-1.jpg"}, detail.Answers[0].EvidenceRefs)
		require.NotNil(t, detail.Answers[0].Score)
		assert.Equal(t, 85, *detail.Answers[0].Score)
	})

	t.Run("hides sessions belonging to another account", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(`SELECT id, account_id, status`).
			WithArgs("sess1", "intruder").
			WillReturnError(sql.ErrNoRows)

		svc := NewInterviewService(db)
		w := httptest.NewRecorder()

		svc.GetSession(w, sessionRequest("sess1", "intruder"))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
