package capture

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock is a settable clock for deterministic phase transitions.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestMachine(t *testing.T, questions []QuestionPrompt) (*Machine, *fakeClock) {
	t.Helper()
	m, err := NewMachine(questions, 15*time.Second, 60*time.Second, []time.Duration{1 * time.Second, 4 * time.Second})
	assert.NoError(t, err)
	clock := &fakeClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	m.SetClock(clock)
	return m, clock
}

func twoQuestions() []QuestionPrompt {
	return []QuestionPrompt{
		{ID: "q1", Text: "Tell me about yourself", IdentityCheck: true},
		{ID: "q2", Text: "Describe a conflict you resolved"},
	}
}

func TestNewMachine_EmptyQueue(t *testing.T) {
	_, err := NewMachine(nil, 15*time.Second, 60*time.Second, nil)
	assert.ErrorIs(t, err, ErrNoQuestions)
}

func TestMachine_EnvironmentCheck(t *testing.T) {
	m, _ := newTestMachine(t, twoQuestions())

	t.Run("recording phases blocked before check passes", func(t *testing.T) {
		err := m.BeginReading()
		assert.ErrorIs(t, err, ErrWrongPhase)
	})

	t.Run("partial failure is retriable and reported per capability", func(t *testing.T) {
		err := m.ReportEnvironment(EnvironmentCheck{Camera: true, Microphone: false, Network: true})
		assert.ErrorIs(t, err, ErrEnvironmentFailed)
		assert.Contains(t, err.Error(), "microphone")
		assert.Equal(t, PhaseEnvironmentCheck, m.Phase)
	})

	t.Run("all capabilities pass", func(t *testing.T) {
		err := m.ReportEnvironment(EnvironmentCheck{Camera: true, Microphone: true, Network: true})
		assert.NoError(t, err)
		assert.Equal(t, PhaseQuestionReady, m.Phase)
	})
}

func TestMachine_ReadingExpiryStartsRecording(t *testing.T) {
	m, clock := newTestMachine(t, twoQuestions())
	assert.NoError(t, m.ReportEnvironment(EnvironmentCheck{Camera: true, Microphone: true, Network: true}))
	assert.NoError(t, m.BeginReading())

	clock.Advance(10 * time.Second)
	assert.Equal(t, PhaseQuestionReading, m.Tick())
	assert.Equal(t, 5*time.Second, m.Remaining())

	// no user action required at expiry
	clock.Advance(5 * time.Second)
	assert.Equal(t, PhaseQuestionRecording, m.Tick())
	assert.Equal(t, 60*time.Second, m.Remaining())
}

func TestMachine_EvidenceSnapshots(t *testing.T) {
	m, clock := newTestMachine(t, twoQuestions())
	assert.NoError(t, m.ReportEnvironment(EnvironmentCheck{Camera: true, Microphone: true, Network: true}))
	assert.NoError(t, m.BeginReading())
	clock.Advance(15 * time.Second)
	m.Tick()

	// q1 is the identity-check question
	assert.Equal(t, 2, m.SnapshotsExpected())

	clock.Advance(1 * time.Second)
	assert.NoError(t, m.AddEvidence("evidence/s1.png"))
	clock.Advance(3 * time.Second)
	assert.NoError(t, m.AddEvidence("evidence/s2.png"))

	err := m.AddEvidence("evidence/s3.png")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already captured")
}

func TestMachine_ReviewRerecordAdvance(t *testing.T) {
	m, clock := newTestMachine(t, twoQuestions())
	assert.NoError(t, m.ReportEnvironment(EnvironmentCheck{Camera: true, Microphone: true, Network: true}))
	assert.NoError(t, m.BeginReading())
	clock.Advance(15 * time.Second)
	m.Tick()
	clock.Advance(2 * time.Second)
	assert.NoError(t, m.AddEvidence("evidence/s1.png"))

	assert.NoError(t, m.StopRecording("media/take1.webm"))
	assert.Equal(t, PhaseQuestionReview, m.Phase)

	t.Run("rerecord discards clip and evidence", func(t *testing.T) {
		assert.NoError(t, m.Rerecord())
		assert.Equal(t, PhaseQuestionReady, m.Phase)
		assert.Nil(t, m.Clip)
		assert.Empty(t, m.PendingEvidence)
	})

	// second take
	assert.NoError(t, m.BeginReading())
	clock.Advance(15 * time.Second)
	m.Tick()
	clock.Advance(1 * time.Second)
	assert.NoError(t, m.AddEvidence("evidence/s1b.png"))
	clock.Advance(3 * time.Second)
	assert.NoError(t, m.AddEvidence("evidence/s2b.png"))
	assert.NoError(t, m.StopRecording("media/take2.webm"))

	t.Run("transcription failure keeps the clip reviewable", func(t *testing.T) {
		err := m.Advance("")
		assert.Error(t, err)
		assert.Equal(t, PhaseQuestionReview, m.Phase)
		assert.NotNil(t, m.Clip)
	})

	t.Run("advance finalizes exactly one answer with evidence", func(t *testing.T) {
		assert.NoError(t, m.Advance("I am a backend engineer with five years of experience."))
		assert.Len(t, m.Answers, 1)
		assert.Equal(t, "q1", m.Answers[0].QuestionID)
		assert.Equal(t, []string{"evidence/s1b.png", "evidence/s2b.png"}, m.Answers[0].EvidenceRefs)
		assert.Equal(t, PhaseQuestionReady, m.Phase)
	})

	// answer the remaining question
	assert.NoError(t, m.BeginReading())
	clock.Advance(15 * time.Second)
	m.Tick()
	assert.Equal(t, 0, m.SnapshotsExpected())
	clock.Advance(30 * time.Second)
	assert.NoError(t, m.StopRecording("media/take3.webm"))
	assert.NoError(t, m.Advance("I resolved a disagreement over API design by prototyping both options."))

	assert.True(t, m.Done())
	assert.Len(t, m.Answers, 2)
	assert.Empty(t, m.Answers[1].EvidenceRefs)
}

func TestMachine_ManualStopBeforeDeadline(t *testing.T) {
	m, clock := newTestMachine(t, twoQuestions())
	assert.NoError(t, m.ReportEnvironment(EnvironmentCheck{Camera: true, Microphone: true, Network: true}))
	assert.NoError(t, m.BeginReading())
	clock.Advance(15 * time.Second)
	m.Tick()

	clock.Advance(20 * time.Second)
	assert.NoError(t, m.StopRecording("media/short.webm"))
	assert.Equal(t, PhaseQuestionReview, m.Phase)
	assert.Zero(t, m.Remaining())
}

func TestMachine_SurvivesSerialization(t *testing.T) {
	m, clock := newTestMachine(t, twoQuestions())
	assert.NoError(t, m.ReportEnvironment(EnvironmentCheck{Camera: true, Microphone: true, Network: true}))
	assert.NoError(t, m.BeginReading())

	data, err := json.Marshal(m)
	assert.NoError(t, err)

	var restored Machine
	assert.NoError(t, json.Unmarshal(data, &restored))
	restored.SetClock(clock)

	assert.Equal(t, PhaseQuestionReading, restored.Phase)
	clock.Advance(15 * time.Second)
	assert.Equal(t, PhaseQuestionRecording, restored.Tick())
}
