package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleInstructor is the single deployment-wide instructor.
	UserRoleInstructor UserRole = "instructor"
	// UserRoleStudent is a registered student.
	UserRoleStudent UserRole = "student"
)

// User represents a chat participant. Students carry a name and a group.
type User struct {
	ID        int64
	Role      UserRole
	Name      string
	GroupID   string
	CreatedAt time.Time
}

// IsInstructor reports whether the user is the instructor.
func (u *User) IsInstructor() bool {
	return u != nil && u.Role == UserRoleInstructor
}

// Group is a student group, e.g. an academic group of one semester.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// QuestionType selects how an answer is captured and graded.
type QuestionType string

const (
	QuestionLecture        QuestionType = "lecture"
	QuestionFree           QuestionType = "free"
	QuestionSingleChoice   QuestionType = "single_choice"
	QuestionMultipleChoice QuestionType = "multiple_choice"
)

// AnswerValue holds a submitted or canonical answer. Which field is
// meaningful depends on the question type: Text for lecture and free,
// Choice for single choice, Choices for multiple choice. Choices are 1-based.
type AnswerValue struct {
	Text    string `json:"text,omitempty"`
	Choice  int    `json:"choice,omitempty"`
	Choices []int  `json:"choices,omitempty"`
}

// Format renders the value for the given question type.
func (v AnswerValue) Format(t QuestionType) string {
	switch t {
	case QuestionSingleChoice:
		if v.Choice == 0 {
			return ""
		}
		return strconv.Itoa(v.Choice)
	case QuestionMultipleChoice:
		parts := make([]string, len(v.Choices))
		for i, c := range v.Choices {
			parts[i] = strconv.Itoa(c)
		}
		return strings.Join(parts, ", ")
	default:
		return v.Text
	}
}

// Question is one question of a test variant.
type Question struct {
	ID              string       `json:"id"`
	Type            QuestionType `json:"type"`
	Text            string       `json:"text"`
	AnswerVariants  []string     `json:"answer_variants,omitempty"`
	CanonicalAnswer *AnswerValue `json:"canonical_answer,omitempty"`
	MaxMark         float64      `json:"max_mark"`
}

// Variant is one concrete question set of a test.
type Variant struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Questions  []Question `json:"questions"`
	SumMaxMark float64    `json:"sum_max_mark"`
}

// NewVariant builds a variant and computes SumMaxMark from its questions.
func NewVariant(id, name string, questions []Question) Variant {
	var sum float64
	for _, q := range questions {
		sum += q.MaxMark
	}
	return Variant{ID: id, Name: name, Questions: questions, SumMaxMark: sum}
}

// Test is an uploaded flash test definition. Immutable once created.
type Test struct {
	ID         string    `json:"id"`
	SourceFile string    `json:"source_file"`
	Name       string    `json:"name"`
	Variants   []Variant `json:"variants"`
}

// Variant returns the variant with the given ID, or nil.
func (t *Test) Variant(id string) *Variant {
	for i := range t.Variants {
		if t.Variants[i].ID == id {
			return &t.Variants[i]
		}
	}
	return nil
}

// Answer is one recorded reply. Mark is a fraction of the question's max
// mark in [0,1], or nil when the answer cannot be graded automatically.
type Answer struct {
	ID         string      `json:"id"`
	QuestionID string      `json:"question_id"`
	Position   int         `json:"position"`
	Value      AnswerValue `json:"value"`
	Mark       *float64    `json:"mark,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// StudentRun is one student's participation in a session.
type StudentRun struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	StudentID  int64      `json:"student_id"`
	VariantID  string     `json:"variant_id"`
	FinishTime *time.Time `json:"finish_time,omitempty"`
	Answers    []Answer   `json:"answers"`
	SumMark    *float64   `json:"sum_mark,omitempty"`
}

// Finished reports whether the run has been completed or cut off.
func (r *StudentRun) Finished() bool {
	return r.FinishTime != nil
}

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	StatusRunning  SessionStatus = "running"
	StatusFinished SessionStatus = "finished"
)

// Session is one administration of a test to a group.
type Session struct {
	ID         string       `json:"id"`
	TestID     string       `json:"test_id"`
	StartTime  time.Time    `json:"start_time"`
	FinishTime *time.Time   `json:"finish_time,omitempty"`
	Runs       []StudentRun `json:"runs,omitempty"`
}

// Status derives the lifecycle state from the finish time.
func (s *Session) Status() SessionStatus {
	if s.FinishTime != nil {
		return StatusFinished
	}
	return StatusRunning
}

// Finished reports whether the session is terminal.
func (s *Session) Finished() bool {
	return s.FinishTime != nil
}

// Run returns the student's run, or nil.
func (s *Session) Run(studentID int64) *StudentRun {
	for i := range s.Runs {
		if s.Runs[i].StudentID == studentID {
			return &s.Runs[i]
		}
	}
	return nil
}

// AllFinished reports whether every run has a finish time.
func (s *Session) AllFinished() bool {
	for _, r := range s.Runs {
		if !r.Finished() {
			return false
		}
	}
	return true
}

// RunMarks is a batch of reconciled marks for one run.
type RunMarks struct {
	RunID   string
	Marks   map[string]float64 // answer ID -> normalized mark
	SumMark float64
}

// Now returns the current UTC time truncated to whole seconds. Session
// timestamps use this so that they survive the export filename round trip.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// Describe is a short human-readable label for logs.
func (s *Session) Describe() string {
	return fmt.Sprintf("session %s (test %s, %d runs)", s.ID, s.TestID, len(s.Runs))
}
