package capture

import (
	"errors"
	"fmt"
	"time"
)

// Phase is one stage of the per-question capture workflow.
type Phase string

const (
	PhaseEnvironmentCheck  Phase = "ENVIRONMENT_CHECK"
	PhaseQuestionReady     Phase = "QUESTION_READY"
	PhaseQuestionReading   Phase = "QUESTION_READING"
	PhaseQuestionRecording Phase = "QUESTION_RECORDING"
	PhaseQuestionReview    Phase = "QUESTION_REVIEW"
	PhaseAllAnswered       Phase = "ALL_ANSWERED"
)

var (
	ErrWrongPhase        = errors.New("operation not valid in current phase")
	ErrEnvironmentFailed = errors.New("environment check has not passed")
	ErrNoQuestions       = errors.New("question queue is empty")
)

// Clock abstracts time so phase transitions are testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock used outside tests.
var SystemClock Clock = systemClock{}

// QuestionPrompt is one queued question.
type QuestionPrompt struct {
	ID            string `json:"id"`
	Text          string `json:"text"`
	IdentityCheck bool   `json:"identity_check"`
}

// EnvironmentCheck reports per-capability setup results. All three must
// pass before any question phase is reachable.
type EnvironmentCheck struct {
	Camera     bool `json:"camera"`
	Microphone bool `json:"microphone"`
	Network    bool `json:"network"`
}

func (e EnvironmentCheck) Passed() bool {
	return e.Camera && e.Microphone && e.Network
}

// Failures lists the capabilities that did not pass, for per-capability
// retry reporting.
func (e EnvironmentCheck) Failures() []string {
	var failed []string
	if !e.Camera {
		failed = append(failed, "camera")
	}
	if !e.Microphone {
		failed = append(failed, "microphone")
	}
	if !e.Network {
		failed = append(failed, "network")
	}
	return failed
}

// Clip references recorded media awaiting review. It is retained until the
// answer is finalized or discarded, so a failed transcription can be
// retried without losing the recording.
type Clip struct {
	MediaRef   string    `json:"media_ref"`
	RecordedAt time.Time `json:"recorded_at"`
}

// FinalAnswer is one finalized (transcript, evidence) pair.
type FinalAnswer struct {
	QuestionID   string   `json:"question_id"`
	Transcript   string   `json:"transcript"`
	EvidenceRefs []string `json:"evidence_refs"`
}

// Machine drives one subject through the question queue, producing exactly
// one FinalAnswer per question. All exported fields serialize to JSON so
// the machine can be persisted between HTTP calls; call SetClock after
// deserializing.
type Machine struct {
	Questions       []QuestionPrompt `json:"questions"`
	Index           int              `json:"index"`
	Phase           Phase            `json:"phase"`
	Deadline        time.Time        `json:"deadline"` // zero for untimed phases
	RecordingStart  time.Time        `json:"recording_start"`
	Environment     EnvironmentCheck `json:"environment"`
	Clip            *Clip            `json:"clip,omitempty"`
	PendingEvidence []string         `json:"pending_evidence,omitempty"`
	Answers         []FinalAnswer    `json:"answers"`
	ReadDuration    time.Duration    `json:"read_duration"`
	RecordDuration  time.Duration    `json:"record_duration"`
	SnapshotOffsets []time.Duration  `json:"snapshot_offsets"`

	clock Clock
}

func NewMachine(questions []QuestionPrompt, readDur, recordDur time.Duration, snapshotOffsets []time.Duration) (*Machine, error) {
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}
	return &Machine{
		Questions:       questions,
		Phase:           PhaseEnvironmentCheck,
		ReadDuration:    readDur,
		RecordDuration:  recordDur,
		SnapshotOffsets: snapshotOffsets,
		Answers:         []FinalAnswer{},
		clock:           SystemClock,
	}, nil
}

func (m *Machine) SetClock(c Clock) {
	m.clock = c
}

func (m *Machine) now() time.Time {
	if m.clock == nil {
		return SystemClock.Now()
	}
	return m.clock.Now()
}

// CurrentQuestion returns the question being worked on.
func (m *Machine) CurrentQuestion() (QuestionPrompt, error) {
	if m.Index >= len(m.Questions) {
		return QuestionPrompt{}, ErrNoQuestions
	}
	return m.Questions[m.Index], nil
}

// ReportEnvironment records a setup check. Failures are retriable: the
// machine stays in ENVIRONMENT_CHECK until all capabilities pass.
func (m *Machine) ReportEnvironment(check EnvironmentCheck) error {
	if m.Phase != PhaseEnvironmentCheck {
		return fmt.Errorf("%w: environment already verified", ErrWrongPhase)
	}
	m.Environment = check
	if !check.Passed() {
		return fmt.Errorf("%w: %v", ErrEnvironmentFailed, check.Failures())
	}
	m.Phase = PhaseQuestionReady
	return nil
}

// BeginReading starts the fixed reading countdown for the current
// question. On expiry Tick moves to recording with no user action.
func (m *Machine) BeginReading() error {
	if m.Phase != PhaseQuestionReady {
		return fmt.Errorf("%w: expected %s, in %s", ErrWrongPhase, PhaseQuestionReady, m.Phase)
	}
	m.Phase = PhaseQuestionReading
	m.Deadline = m.now().Add(m.ReadDuration)
	return nil
}

// Tick applies time-driven transitions and reports the current phase.
// Reading expiry starts recording automatically; the recording countdown
// itself ends client-side with StopRecording (the client auto-stops at
// zero and uploads the clip).
func (m *Machine) Tick() Phase {
	now := m.now()
	if m.Phase == PhaseQuestionReading && !now.Before(m.Deadline) {
		m.Phase = PhaseQuestionRecording
		m.RecordingStart = m.Deadline
		m.Deadline = m.RecordingStart.Add(m.RecordDuration)
		m.PendingEvidence = nil
	}
	return m.Phase
}

// Remaining returns time left in the current timed phase.
func (m *Machine) Remaining() time.Duration {
	if m.Deadline.IsZero() {
		return 0
	}
	if left := m.Deadline.Sub(m.now()); left > 0 {
		return left
	}
	return 0
}

// SnapshotsExpected reports how many evidence snapshots the current
// question requires. Only the designated identity-check question captures
// evidence, at the configured offsets into the recording window.
func (m *Machine) SnapshotsExpected() int {
	q, err := m.CurrentQuestion()
	if err != nil || !q.IdentityCheck {
		return 0
	}
	return len(m.SnapshotOffsets)
}

// AddEvidence records one snapshot reference captured during recording.
func (m *Machine) AddEvidence(ref string) error {
	if m.Tick() != PhaseQuestionRecording {
		return fmt.Errorf("%w: snapshots only captured while recording", ErrWrongPhase)
	}
	expected := m.SnapshotsExpected()
	if expected == 0 {
		return errors.New("current question does not capture evidence")
	}
	if len(m.PendingEvidence) >= expected {
		return fmt.Errorf("all %d snapshots already captured", expected)
	}
	m.PendingEvidence = append(m.PendingEvidence, ref)
	return nil
}

// StopRecording ends the recording window with the uploaded clip, either
// on manual stop or when the countdown reached zero.
func (m *Machine) StopRecording(mediaRef string) error {
	if m.Tick() != PhaseQuestionRecording {
		return fmt.Errorf("%w: expected %s, in %s", ErrWrongPhase, PhaseQuestionRecording, m.Phase)
	}
	if mediaRef == "" {
		return errors.New("media reference is required")
	}
	m.Clip = &Clip{MediaRef: mediaRef, RecordedAt: m.RecordingStart}
	m.Phase = PhaseQuestionReview
	m.Deadline = time.Time{}
	return nil
}

// Rerecord discards the clip under review and returns to QUESTION_READY
// for the same question.
func (m *Machine) Rerecord() error {
	if m.Phase != PhaseQuestionReview {
		return fmt.Errorf("%w: expected %s, in %s", ErrWrongPhase, PhaseQuestionReview, m.Phase)
	}
	m.Clip = nil
	m.PendingEvidence = nil
	m.Phase = PhaseQuestionReady
	return nil
}

// Advance finalizes the reviewed answer with its resolved transcript and
// moves to the next question, or to ALL_ANSWERED after the last one.
// Transcription happens outside the machine; on transcription failure the
// caller simply does not call Advance, so the clip stays reviewable.
func (m *Machine) Advance(transcript string) error {
	if m.Phase != PhaseQuestionReview {
		return fmt.Errorf("%w: expected %s, in %s", ErrWrongPhase, PhaseQuestionReview, m.Phase)
	}
	if m.Clip == nil {
		return errors.New("no recorded clip to finalize")
	}
	if transcript == "" {
		return errors.New("transcript is required to finalize an answer")
	}

	q := m.Questions[m.Index]
	m.Answers = append(m.Answers, FinalAnswer{
		QuestionID:   q.ID,
		Transcript:   transcript,
		EvidenceRefs: m.PendingEvidence,
	})

	m.Clip = nil
	m.PendingEvidence = nil
	m.Index++
	if m.Index >= len(m.Questions) {
		m.Phase = PhaseAllAnswered
	} else {
		m.Phase = PhaseQuestionReady
	}
	return nil
}

// Done reports whether every question has a finalized answer.
func (m *Machine) Done() bool {
	return m.Phase == PhaseAllAnswered
}
