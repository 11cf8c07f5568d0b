package model

import (
	"testing"
	"time"
)

func TestNewVariantSumMaxMark(t *testing.T) {
	v := NewVariant("v1", "A", []Question{
		{ID: "q1", MaxMark: 2},
		{ID: "q2", MaxMark: 3.5},
	})
	if v.SumMaxMark != 5.5 {
		t.Errorf("SumMaxMark = %v, want 5.5", v.SumMaxMark)
	}
}

func TestFinishKeyRoundTrip(t *testing.T) {
	finish := time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)
	name := ExportFileName("Kinematics", finish)
	if name != "Kinematics_2024-03-05_14-07-09.xlsx" {
		t.Fatalf("ExportFileName = %q", name)
	}

	key, ok := FinishKeyFromFileName(name)
	if !ok {
		t.Fatalf("FinishKeyFromFileName(%q) failed", name)
	}
	got, err := ParseFinishKey(key)
	if err != nil {
		t.Fatalf("ParseFinishKey: %v", err)
	}
	if !got.Equal(finish) {
		t.Errorf("round trip = %v, want %v", got, finish)
	}
}

func TestFinishKeyFromFileNameRejects(t *testing.T) {
	tests := []string{
		"results.xlsx",
		"Kinematics_2024-03-05_14-07-09.csv",
		"Kinematics-2024-03-05_14-07-09.xlsx",
		"Kinematics_2024-13-05_14-07-09.xlsx",
	}
	for _, name := range tests {
		t.Run(name, func(t *testing.T) {
			if key, ok := FinishKeyFromFileName(name); ok {
				t.Errorf("expected rejection, got key %q", key)
			}
		})
	}
}

func TestAnswerValueFormat(t *testing.T) {
	tests := []struct {
		name string
		typ  QuestionType
		v    AnswerValue
		want string
	}{
		{"text", QuestionLecture, AnswerValue{Text: "inertia"}, "inertia"},
		{"single", QuestionSingleChoice, AnswerValue{Choice: 2}, "2"},
		{"single empty", QuestionSingleChoice, AnswerValue{}, ""},
		{"multiple", QuestionMultipleChoice, AnswerValue{Choices: []int{1, 3}}, "1, 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.v.Format(tt.typ); got != tt.want {
				t.Errorf("Format() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCursorWith(t *testing.T) {
	c := Cursor{UserID: 1, Branch: BranchInstructor, Step: StepMenu, Data: map[string]string{"a": "1"}}
	next := c.With(StepSelectGroup, "test_id", "t1")
	if next.Step != StepSelectGroup || next.Data["a"] != "1" || next.Data["test_id"] != "t1" {
		t.Errorf("unexpected cursor %+v", next)
	}
	if _, ok := c.Data["test_id"]; ok {
		t.Error("With must not mutate the original cursor data")
	}
}
