package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/prepwise/backend/internal/models"
)

func TestSubmissionService_SubmitInterview(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewSubmissionService(db, NewCreditService(db))

	t.Run("creates pending session with answers", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO interview_sessions`).
			WithArgs(sqlmock.AnyArg(), "acct1", models.StatusPending, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(`INSERT INTO answers`).
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "q1", 0, "first transcript", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(`INSERT INTO answers`).
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "q2", 1, "second transcript", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		body, _ := json.Marshal(SubmitRequest{Answers: []AnswerTuple{
			{QuestionID: "q1", Transcript: "first transcript", EvidenceRefs: []string{"evidence/a.png"}},
			{QuestionID: "q2", Transcript: "second transcript"},
		}})
		r := authedRequest("POST", "/interviews", body, "acct1", models.RoleIndividual)
		w := httptest.NewRecorder()

		service.SubmitInterview(w, r)

		assert.Equal(t, http.StatusCreated, w.Code)
		var resp map[string]any
		json.Unmarshal(w.Body.Bytes(), &resp)
		assert.Equal(t, true, resp["success"])
		assert.NotEmpty(t, resp["unitId"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty submission never becomes a unit", func(t *testing.T) {
		body, _ := json.Marshal(SubmitRequest{Answers: []AnswerTuple{}})
		r := authedRequest("POST", "/interviews", body, "acct1", models.RoleIndividual)
		w := httptest.NewRecorder()

		service.SubmitInterview(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("answer persistence failure leaves no partial state", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO interview_sessions`).
			WithArgs(sqlmock.AnyArg(), "acct1", models.StatusPending, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(`INSERT INTO answers`).
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "q1", 0, "only transcript", sqlmock.AnyArg()).
			WillReturnError(assert.AnError)
		mock.ExpectRollback()

		body, _ := json.Marshal(SubmitRequest{Answers: []AnswerTuple{
			{QuestionID: "q1", Transcript: "only transcript"},
		}})
		r := authedRequest("POST", "/interviews", body, "acct1", models.RoleIndividual)
		w := httptest.NewRecorder()

		service.SubmitInterview(w, r)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unauthenticated caller rejected", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/interviews", nil)
		w := httptest.NewRecorder()

		service.SubmitInterview(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestSubmissionService_CheckEligibility(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewSubmissionService(db, NewCreditService(db))

	t.Run("positive balance is eligible", func(t *testing.T) {
		mock.ExpectQuery(`SELECT COALESCE\(SUM\(quantity\), 0\) FROM credit_events WHERE account_id = \$1`).
			WithArgs("acct1").
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(3))

		r := authedRequest("GET", "/interviews/eligibility", nil, "acct1", models.RoleIndividual)
		w := httptest.NewRecorder()

		service.CheckEligibility(w, r)

		var resp map[string]any
		json.Unmarshal(w.Body.Bytes(), &resp)
		assert.Equal(t, true, resp["eligible"])
	})

	t.Run("zero balance is not eligible", func(t *testing.T) {
		mock.ExpectQuery(`SELECT COALESCE\(SUM\(quantity\), 0\) FROM credit_events WHERE account_id = \$1`).
			WithArgs("acct1").
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(0))

		r := authedRequest("GET", "/interviews/eligibility", nil, "acct1", models.RoleIndividual)
		w := httptest.NewRecorder()

		service.CheckEligibility(w, r)

		var resp map[string]any
		json.Unmarshal(w.Body.Bytes(), &resp)
		assert.Equal(t, false, resp["eligible"])
	})
}
