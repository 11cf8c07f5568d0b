// Package grading scores a single answer against a question definition.
// Marks are always fractions of the question's max mark in [0,1].
package grading

import (
	"fmt"

	"github.com/pavelanni/flashtest/internal/model"
)

// Strategy grades one question type. A nil mark means the answer cannot be
// graded automatically.
type Strategy interface {
	Score(q model.Question, v model.AnswerValue) (*float64, error)
}

var strategies = map[model.QuestionType]Strategy{
	model.QuestionFree:           freeStrategy{},
	model.QuestionLecture:        lectureStrategy{},
	model.QuestionSingleChoice:   singleChoiceStrategy{},
	model.QuestionMultipleChoice: multipleChoiceStrategy{},
}

// Score routes by question type to the matching strategy.
func Score(q model.Question, v model.AnswerValue) (*float64, error) {
	s, ok := strategies[q.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown question type %q", model.ErrInvalidInput, q.Type)
	}
	return s.Score(q, v)
}

type freeStrategy struct{}

func (freeStrategy) Score(model.Question, model.AnswerValue) (*float64, error) {
	return nil, nil
}

type lectureStrategy struct{}

func (lectureStrategy) Score(q model.Question, v model.AnswerValue) (*float64, error) {
	if q.CanonicalAnswer == nil {
		return nil, fmt.Errorf("%w: question %s has no canonical answer", model.ErrInvalidInput, q.ID)
	}
	return mark(Similarity(q.CanonicalAnswer.Text, v.Text)), nil
}

type singleChoiceStrategy struct{}

func (singleChoiceStrategy) Score(q model.Question, v model.AnswerValue) (*float64, error) {
	if q.CanonicalAnswer == nil {
		return nil, fmt.Errorf("%w: question %s has no canonical answer", model.ErrInvalidInput, q.ID)
	}
	if v.Choice == q.CanonicalAnswer.Choice {
		return mark(1), nil
	}
	return mark(0), nil
}

// multipleChoiceStrategy awards the share of options on which the student
// agrees with the key, counting correctly skipped wrong options as well as
// correctly picked right ones.
type multipleChoiceStrategy struct{}

func (multipleChoiceStrategy) Score(q model.Question, v model.AnswerValue) (*float64, error) {
	n := len(q.AnswerVariants)
	if n == 0 {
		return nil, fmt.Errorf("%w: question %s has no answer variants", model.ErrInvalidInput, q.ID)
	}
	if q.CanonicalAnswer == nil {
		return nil, fmt.Errorf("%w: question %s has no canonical answer", model.ErrInvalidInput, q.ID)
	}
	correct := toSet(q.CanonicalAnswer.Choices)
	chosen := toSet(v.Choices)

	agree := 0
	for i := 1; i <= n; i++ {
		_, inCorrect := correct[i]
		_, inChosen := chosen[i]
		if inCorrect == inChosen {
			agree++
		}
	}
	return mark(float64(agree) / float64(n)), nil
}

func toSet(arr []int) map[int]struct{} {
	m := make(map[int]struct{}, len(arr))
	for _, i := range arr {
		m[i] = struct{}{}
	}
	return m
}

func mark(f float64) *float64 {
	return &f
}
