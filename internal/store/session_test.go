package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/flashtest/internal/model"
)

func answerAt(pos int, questionID string, mark *float64) *model.Answer {
	return &model.Answer{
		ID:         uuid.NewString(),
		QuestionID: questionID,
		Position:   pos,
		Value:      model.AnswerValue{Choice: 2},
		Mark:       mark,
		CreatedAt:  time.Date(2024, 3, 5, 10, 1, 0, 0, time.UTC),
	}
}

func ptr(f float64) *float64 { return &f }

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	test := insertTestTest(t, s, "T")

	active, err := s.ActiveSession(ctx)
	if err != nil || active != nil {
		t.Fatalf("expected no active session, got %v, %v", active, err)
	}

	sess := newSession(test.ID, 10, 11)
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.CreateSession(ctx, newSession(test.ID, 12)); !errors.Is(err, model.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict for second running session, got %v", err)
	}

	active, err = s.ActiveSession(ctx)
	if err != nil || active == nil || active.ID != sess.ID {
		t.Fatalf("ActiveSession = %v, %v", active, err)
	}
	if len(active.Runs) != 2 || active.Runs[0].StudentID != 10 {
		t.Fatalf("expected runs in creation order, got %+v", active.Runs)
	}

	run := sess.Runs[0]
	if err := s.InsertAnswer(ctx, run.ID, answerAt(0, "q1", ptr(1))); err != nil {
		t.Fatalf("InsertAnswer: %v", err)
	}
	// Out-of-order and duplicate positions are rejected.
	if err := s.InsertAnswer(ctx, run.ID, answerAt(0, "q1", nil)); !errors.Is(err, model.ErrStateConflict) {
		t.Errorf("expected ErrStateConflict for duplicate position, got %v", err)
	}
	if err := s.InsertAnswer(ctx, run.ID, answerAt(2, "q3", nil)); !errors.Is(err, model.ErrStateConflict) {
		t.Errorf("expected ErrStateConflict for skipped position, got %v", err)
	}
	if err := s.InsertAnswer(ctx, run.ID, answerAt(1, "q2", nil)); err != nil {
		t.Fatalf("InsertAnswer: %v", err)
	}
	if err := s.InsertAnswer(ctx, "missing", answerAt(0, "q1", nil)); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown run, got %v", err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	answers := got.Runs[0].Answers
	if len(answers) != 2 {
		t.Fatalf("expected 2 answers, got %d", len(answers))
	}
	if answers[0].Mark == nil || *answers[0].Mark != 1 || answers[1].Mark != nil {
		t.Errorf("marks not persisted: %+v", answers)
	}
	if answers[0].Value.Choice != 2 {
		t.Errorf("value not persisted: %+v", answers[0].Value)
	}

	finishedAt := time.Date(2024, 3, 5, 10, 5, 0, 0, time.UTC)
	allDone, err := s.FinishRun(ctx, run.ID, finishedAt)
	if err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if allDone {
		t.Error("second run is still open")
	}
	if err := s.InsertAnswer(ctx, run.ID, answerAt(2, "q3", nil)); !errors.Is(err, model.ErrStateConflict) {
		t.Errorf("expected ErrStateConflict for finished run, got %v", err)
	}

	stop := time.Date(2024, 3, 5, 10, 10, 0, 0, time.UTC)
	if err := s.FinishSession(ctx, sess.ID, stop); err != nil {
		t.Fatalf("FinishSession: %v", err)
	}
	if err := s.FinishSession(ctx, sess.ID, stop); !errors.Is(err, model.ErrStateConflict) {
		t.Errorf("expected ErrStateConflict for finished session, got %v", err)
	}
	if err := s.FinishSession(ctx, "missing", stop); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown session, got %v", err)
	}
	if err := s.InsertAnswer(ctx, sess.Runs[1].ID, answerAt(0, "q1", nil)); !errors.Is(err, model.ErrStateConflict) {
		t.Errorf("expected ErrStateConflict after session finish, got %v", err)
	}

	got, _ = s.GetSession(ctx, sess.ID)
	if got.FinishTime == nil || !got.FinishTime.Equal(stop) {
		t.Errorf("session finish time = %v, want %v", got.FinishTime, stop)
	}
	if !got.Runs[0].FinishTime.Equal(finishedAt) {
		t.Errorf("explicitly finished run must keep its own time, got %v", got.Runs[0].FinishTime)
	}
	if got.Runs[1].FinishTime == nil || !got.Runs[1].FinishTime.Equal(stop) {
		t.Errorf("open run must be force-finished at stop time, got %v", got.Runs[1].FinishTime)
	}

	found, err := s.FindSessionByFinishTime(ctx, stop)
	if err != nil || found == nil || found.ID != sess.ID {
		t.Fatalf("FindSessionByFinishTime = %v, %v", found, err)
	}
	none, err := s.FindSessionByFinishTime(ctx, stop.Add(time.Second))
	if err != nil || none != nil {
		t.Errorf("expected no session, got %v, %v", none, err)
	}

	// A new session may start once the previous one is finished.
	if err := s.CreateSession(ctx, newSession(test.ID, 12)); err != nil {
		t.Fatalf("CreateSession after finish: %v", err)
	}
	list, _ := s.ListSessions(ctx)
	if len(list) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(list))
	}
}

func TestFinishRunAllDone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	test := insertTestTest(t, s, "T")
	sess := newSession(test.ID, 1, 2)
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	at := time.Date(2024, 3, 5, 10, 5, 0, 0, time.UTC)
	if done, err := s.FinishRun(ctx, sess.Runs[0].ID, at); err != nil || done {
		t.Fatalf("FinishRun first = %v, %v", done, err)
	}
	done, err := s.FinishRun(ctx, sess.Runs[1].ID, at)
	if err != nil || !done {
		t.Fatalf("FinishRun last = %v, %v", done, err)
	}
	if _, err := s.FinishRun(ctx, "missing", at); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyMarks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	test := insertTestTest(t, s, "T")
	sess := newSession(test.ID, 1)
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	a0 := answerAt(0, "q1", ptr(1))
	a1 := answerAt(1, "q2", nil)
	for _, a := range []*model.Answer{a0, a1} {
		if err := s.InsertAnswer(ctx, sess.Runs[0].ID, a); err != nil {
			t.Fatalf("InsertAnswer: %v", err)
		}
	}

	err := s.ApplyMarks(ctx, []model.RunMarks{{
		RunID:   sess.Runs[0].ID,
		Marks:   map[string]float64{a1.ID: 0.5},
		SumMark: 6.5,
	}})
	if err != nil {
		t.Fatalf("ApplyMarks: %v", err)
	}

	got, _ := s.GetSession(ctx, sess.ID)
	run := got.Runs[0]
	if run.SumMark == nil || *run.SumMark != 6.5 {
		t.Errorf("sum mark = %v, want 6.5", run.SumMark)
	}
	if run.Answers[0].Mark == nil || *run.Answers[0].Mark != 1 {
		t.Errorf("untouched mark changed: %v", run.Answers[0].Mark)
	}
	if run.Answers[1].Mark == nil || *run.Answers[1].Mark != 0.5 {
		t.Errorf("reconciled mark = %v, want 0.5", run.Answers[1].Mark)
	}
}
