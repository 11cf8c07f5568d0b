package session

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/flashtest/internal/grading"
	"github.com/pavelanni/flashtest/internal/metrics"
	"github.com/pavelanni/flashtest/internal/model"
	"github.com/pavelanni/flashtest/internal/store"
)

// Exporter turns a finished session into an export document.
type Exporter interface {
	ToExportDocument(ctx context.Context, sess *model.Session) (*model.ExportDocument, error)
}

// Service drives the session lifecycle over the store. Mutations are
// serialized; each one runs in its own store transaction.
type Service struct {
	store    *store.Store
	exporter Exporter

	mu   sync.Mutex
	now  func() time.Time
	pick func(n int) int
}

// New creates a session service. exporter may be nil, in which case Finish
// returns no export document.
func New(st *store.Store, exporter Exporter) *Service {
	return &Service{
		store:    st,
		exporter: exporter,
		now:      model.Now,
		pick:     rand.IntN,
	}
}

// Progress describes where a student stands in a running session.
type Progress struct {
	Session  *model.Session
	Run      *model.StudentRun
	Test     *model.Test
	Variant  *model.Variant
	Question *model.Question // nil once every question has an answer
	Index    int
}

// Done reports whether every question of the variant has an answer.
func (p *Progress) Done() bool {
	return p.Question == nil
}

// Start opens a session of the test for the given students. Each student
// draws a variant independently and uniformly.
func (s *Service) Start(ctx context.Context, testID string, studentIDs []int64) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	test, err := s.store.GetTest(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("get test: %w", err)
	}
	if test == nil {
		return nil, fmt.Errorf("%w: test %s", model.ErrNotFound, testID)
	}
	if len(studentIDs) == 0 {
		return nil, fmt.Errorf("%w: no students to test", model.ErrInvalidInput)
	}

	sess := &model.Session{
		ID:        uuid.NewString(),
		TestID:    test.ID,
		StartTime: s.now(),
	}
	seen := make(map[int64]bool, len(studentIDs))
	for _, id := range studentIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		v := test.Variants[s.pick(len(test.Variants))]
		sess.Runs = append(sess.Runs, model.StudentRun{
			ID:        uuid.NewString(),
			SessionID: sess.ID,
			StudentID: id,
			VariantID: v.ID,
		})
	}

	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	metrics.SessionsStarted.Inc()
	slog.Info("session started", "session_id", sess.ID, "test", test.Name, "students", len(sess.Runs))
	return sess, nil
}

// Get returns a session with its runs, or ErrNotFound.
func (s *Service) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: session %s", model.ErrNotFound, sessionID)
	}
	return sess, nil
}

// Active returns the running session, or nil when none is running.
func (s *Service) Active(ctx context.Context) (*model.Session, error) {
	return s.store.ActiveSession(ctx)
}

// Progress loads the student's position in the session.
func (s *Service) Progress(ctx context.Context, sessionID string, studentID int64) (*Progress, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	run := sess.Run(studentID)
	if run == nil {
		return nil, fmt.Errorf("%w: student %d has no run in session %s", model.ErrNotFound, studentID, sessionID)
	}
	test, err := s.store.GetTest(ctx, sess.TestID)
	if err != nil {
		return nil, fmt.Errorf("get test: %w", err)
	}
	if test == nil {
		return nil, fmt.Errorf("%w: test %s", model.ErrNotFound, sess.TestID)
	}
	variant := test.Variant(run.VariantID)
	if variant == nil {
		return nil, fmt.Errorf("%w: variant %s of test %s", model.ErrNotFound, run.VariantID, test.ID)
	}

	p := &Progress{Session: sess, Run: run, Test: test, Variant: variant, Index: len(run.Answers)}
	if p.Index < len(variant.Questions) {
		p.Question = &variant.Questions[p.Index]
	}
	return p, nil
}

// RecordAnswer grades and stores the student's answer to the next question
// of their variant.
func (s *Service) RecordAnswer(ctx context.Context, studentID int64, sessionID, questionID string, value model.AnswerValue) (*model.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.Progress(ctx, sessionID, studentID)
	if err != nil {
		return nil, err
	}
	if p.Session.Finished() {
		return nil, fmt.Errorf("%w: session %s is finished", model.ErrStateConflict, sessionID)
	}
	if p.Run.Finished() {
		return nil, fmt.Errorf("%w: run of student %d is finished", model.ErrStateConflict, studentID)
	}
	if p.Done() {
		return nil, fmt.Errorf("%w: student %d answered every question", model.ErrStateConflict, studentID)
	}
	if p.Question.ID != questionID {
		if !hasQuestion(p.Variant, questionID) {
			return nil, fmt.Errorf("%w: question %s", model.ErrNotFound, questionID)
		}
		return nil, fmt.Errorf("%w: expected answer to question %s, got %s", model.ErrInvalidInput, p.Question.ID, questionID)
	}

	mark, err := grading.Score(*p.Question, value)
	if err != nil {
		return nil, fmt.Errorf("grade question %s: %w", questionID, err)
	}
	a := &model.Answer{
		ID:         uuid.NewString(),
		QuestionID: questionID,
		Position:   p.Index,
		Value:      value,
		Mark:       mark,
		CreatedAt:  s.now(),
	}
	if err := s.store.InsertAnswer(ctx, p.Run.ID, a); err != nil {
		return nil, err
	}
	metrics.AnswersRecorded.WithLabelValues(string(p.Question.Type)).Inc()
	slog.Debug("answer recorded", "session_id", sessionID, "student_id", studentID, "question_id", questionID, "position", a.Position)
	return a, nil
}

func hasQuestion(v *model.Variant, id string) bool {
	for _, q := range v.Questions {
		if q.ID == id {
			return true
		}
	}
	return false
}

// FinishStudent marks the student's run as done and reports whether every
// run of the session is now finished.
func (s *Service) FinishStudent(ctx context.Context, sessionID string, studentID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	run := sess.Run(studentID)
	if run == nil {
		return false, fmt.Errorf("%w: student %d has no run in session %s", model.ErrNotFound, studentID, sessionID)
	}
	allDone, err := s.store.FinishRun(ctx, run.ID, s.now())
	if err != nil {
		return false, err
	}
	slog.Info("student finished", "session_id", sessionID, "student_id", studentID, "all_done", allDone)
	return allDone, nil
}

// Finish closes the session, force-finishing every open run at the same
// instant, and builds the export document.
func (s *Service) Finish(ctx context.Context, sessionID string) (*model.Session, *model.ExportDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.FinishSession(ctx, sessionID, s.now()); err != nil {
		return nil, nil, err
	}
	metrics.SessionsFinished.Inc()

	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if s.exporter == nil {
		return sess, nil, nil
	}
	doc, err := s.exporter.ToExportDocument(ctx, sess)
	if err != nil {
		return sess, nil, fmt.Errorf("build export document: %w", err)
	}
	return sess, doc, nil
}
