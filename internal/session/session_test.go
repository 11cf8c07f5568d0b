package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pavelanni/flashtest/internal/model"
	"github.com/pavelanni/flashtest/internal/store"
)

type stubExporter struct {
	calls int
}

func (e *stubExporter) ToExportDocument(_ context.Context, sess *model.Session) (*model.ExportDocument, error) {
	e.calls++
	return &model.ExportDocument{FinishKey: model.FinishKey(*sess.FinishTime)}, nil
}

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.New(store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	svc := New(st, &stubExporter{})
	clock := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return svc, st
}

func singleChoice(id string, canonical int) model.Question {
	return model.Question{
		ID:              id,
		Type:            model.QuestionSingleChoice,
		Text:            "Question " + id,
		AnswerVariants:  []string{"first", "second"},
		CanonicalAnswer: &model.AnswerValue{Choice: canonical},
		MaxMark:         5,
	}
}

func createTest(t *testing.T, st *store.Store, variants ...model.Variant) *model.Test {
	t.Helper()
	test := &model.Test{Name: "Quiz", SourceFile: "Quiz.xlsx", Variants: variants}
	if err := st.CreateTest(context.Background(), test); err != nil {
		t.Fatalf("CreateTest: %v", err)
	}
	return test
}

func TestStartValidation(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	test := createTest(t, st, model.NewVariant("v1", "A", []model.Question{singleChoice("q1", 1)}))

	if _, err := svc.Start(ctx, "missing", []int64{1}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown test, got %v", err)
	}
	if _, err := svc.Start(ctx, test.ID, nil); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for no students, got %v", err)
	}

	sess, err := svc.Start(ctx, test.ID, []int64{1, 2, 1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(sess.Runs) != 2 {
		t.Errorf("expected duplicate student IDs to collapse, got %d runs", len(sess.Runs))
	}
	if _, err := svc.Start(ctx, test.ID, []int64{3}); !errors.Is(err, model.ErrStateConflict) {
		t.Errorf("expected ErrStateConflict while a session runs, got %v", err)
	}

	active, err := svc.Active(ctx)
	if err != nil || active == nil || active.ID != sess.ID {
		t.Errorf("Active = %v, %v", active, err)
	}
}

func TestVariantMembership(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	test := createTest(t, st,
		model.NewVariant("v1", "A", []model.Question{singleChoice("a1", 1)}),
		model.NewVariant("v2", "B", []model.Question{singleChoice("b1", 2)}),
		model.NewVariant("v3", "C", []model.Question{singleChoice("c1", 1)}),
	)

	students := make([]int64, 30)
	for i := range students {
		students[i] = int64(i + 1)
	}
	sess, err := svc.Start(ctx, test.ID, students)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(sess.Runs) != len(students) {
		t.Fatalf("expected %d runs, got %d", len(students), len(sess.Runs))
	}
	for _, r := range sess.Runs {
		if test.Variant(r.VariantID) == nil {
			t.Errorf("run of student %d has unknown variant %q", r.StudentID, r.VariantID)
		}
	}
}

func TestVariantPickIsInjected(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	test := createTest(t, st,
		model.NewVariant("v1", "A", []model.Question{singleChoice("a1", 1)}),
		model.NewVariant("v2", "B", []model.Question{singleChoice("b1", 2)}),
	)
	svc.pick = func(n int) int { return n - 1 }

	sess, err := svc.Start(ctx, test.ID, []int64{1, 2})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, r := range sess.Runs {
		if r.VariantID != "v2" {
			t.Errorf("student %d got %s, want v2", r.StudentID, r.VariantID)
		}
	}
}

func TestScenarioSingleChoice(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	test := createTest(t, st, model.NewVariant("v1", "A", []model.Question{
		singleChoice("q1", 2),
		singleChoice("q2", 1),
	}))

	sess, err := svc.Start(ctx, test.ID, []int64{7})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	p, err := svc.Progress(ctx, sess.ID, 7)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if p.Question == nil || p.Question.ID != "q1" || p.Index != 0 {
		t.Fatalf("unexpected progress %+v", p)
	}

	// Out-of-order answers are rejected without mutating the run.
	if _, err := svc.RecordAnswer(ctx, 7, sess.ID, "q2", model.AnswerValue{Choice: 1}); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for out-of-order answer, got %v", err)
	}
	if _, err := svc.RecordAnswer(ctx, 7, sess.ID, "q9", model.AnswerValue{Choice: 1}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown question, got %v", err)
	}
	if _, err := svc.RecordAnswer(ctx, 8, sess.ID, "q1", model.AnswerValue{Choice: 1}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound for student without a run, got %v", err)
	}

	for _, qid := range []string{"q1", "q2"} {
		if _, err := svc.RecordAnswer(ctx, 7, sess.ID, qid, model.AnswerValue{Choice: 2}); err != nil {
			t.Fatalf("RecordAnswer %s: %v", qid, err)
		}
	}
	if _, err := svc.RecordAnswer(ctx, 7, sess.ID, "q2", model.AnswerValue{Choice: 2}); !errors.Is(err, model.ErrStateConflict) {
		t.Errorf("expected ErrStateConflict for complete run, got %v", err)
	}

	p, _ = svc.Progress(ctx, sess.ID, 7)
	if !p.Done() {
		t.Fatal("expected run to be complete")
	}
	marks := []float64{1, 0}
	for i, a := range p.Run.Answers {
		if a.Mark == nil || *a.Mark != marks[i] {
			t.Errorf("answer %d mark = %v, want %v", i, a.Mark, marks[i])
		}
	}

	allDone, err := svc.FinishStudent(ctx, sess.ID, 7)
	if err != nil {
		t.Fatalf("FinishStudent: %v", err)
	}
	if !allDone {
		t.Error("expected the only run to complete the session")
	}

	finished, doc, err := svc.Finish(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if !finished.Finished() || doc == nil || doc.FinishKey != model.FinishKey(*finished.FinishTime) {
		t.Errorf("unexpected finish result %+v %+v", finished, doc)
	}
	if finished.Runs[0].SumMark != nil {
		t.Error("Finish must not compute the sum mark")
	}
}

func TestStopMidFlight(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	test := createTest(t, st, model.NewVariant("v1", "A", []model.Question{
		singleChoice("q1", 1),
		singleChoice("q2", 1),
	}))

	sess, err := svc.Start(ctx, test.ID, []int64{1, 2})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := svc.RecordAnswer(ctx, 1, sess.ID, "q1", model.AnswerValue{Choice: 1}); err != nil {
		t.Fatalf("RecordAnswer: %v", err)
	}

	finished, _, err := svc.Finish(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	for _, r := range finished.Runs {
		if r.FinishTime == nil || !r.FinishTime.Equal(*finished.FinishTime) {
			t.Errorf("run of student %d finish = %v, want %v", r.StudentID, r.FinishTime, finished.FinishTime)
		}
	}

	if _, err := svc.RecordAnswer(ctx, 1, sess.ID, "q2", model.AnswerValue{Choice: 1}); !errors.Is(err, model.ErrStateConflict) {
		t.Errorf("expected ErrStateConflict after stop, got %v", err)
	}
	if _, _, err := svc.Finish(ctx, sess.ID); !errors.Is(err, model.ErrStateConflict) {
		t.Errorf("expected ErrStateConflict for second Finish, got %v", err)
	}
	if _, _, err := svc.Finish(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown session, got %v", err)
	}

	// The slot is free again.
	if _, err := svc.Start(ctx, test.ID, []int64{1}); err != nil {
		t.Errorf("Start after finish: %v", err)
	}
}
