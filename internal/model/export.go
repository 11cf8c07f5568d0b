package model

import (
	"fmt"
	"strings"
	"time"
)

// finishKeyLayout is the timestamp format embedded in export filenames and
// used to locate the session again on re-import. Changing it breaks the
// round trip for every file already handed out.
const finishKeyLayout = "2006-01-02_15-04-05"

// FinishKey formats a session finish time as the export correlation key.
func FinishKey(t time.Time) string {
	return t.UTC().Format(finishKeyLayout)
}

// ParseFinishKey parses a key produced by FinishKey.
func ParseFinishKey(key string) (time.Time, error) {
	t, err := time.ParseInLocation(finishKeyLayout, strings.TrimSpace(key), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad finish key %q", ErrInvalidInput, key)
	}
	return t, nil
}

// ExportFileName returns "<testName>_<finishKey>.xlsx".
func ExportFileName(testName string, finish time.Time) string {
	return fmt.Sprintf("%s_%s.xlsx", testName, FinishKey(finish))
}

// FinishKeyFromFileName extracts the finish key from an export filename.
func FinishKeyFromFileName(name string) (string, bool) {
	base := strings.TrimSuffix(name, ".xlsx")
	if len(base) < len(finishKeyLayout)+1 || base == name || base[len(base)-len(finishKeyLayout)-1] != '_' {
		return "", false
	}
	key := base[len(base)-len(finishKeyLayout):]
	if _, err := ParseFinishKey(key); err != nil {
		return "", false
	}
	return key, true
}

// ExportDocument is the structured result of a finished session, handed to
// the spreadsheet codec for rendering.
type ExportDocument struct {
	TestName  string         `json:"test_name"`
	FinishKey string         `json:"finish_key"`
	Variants  []VariantSheet `json:"variants"`
	Summary   []GroupSummary `json:"summary"`
}

// VariantSheet holds the questions of one variant and the students who got it.
type VariantSheet struct {
	Name      string           `json:"name"`
	Questions []ExportQuestion `json:"questions"`
	Rows      []StudentRow     `json:"rows"`
}

// ExportQuestion is a question header of a variant sheet.
type ExportQuestion struct {
	Text            string  `json:"text"`
	CanonicalAnswer string  `json:"canonical_answer"`
	MaxMark         float64 `json:"max_mark"`
}

// StudentRow is one student's answers within a variant sheet.
type StudentRow struct {
	StudentID   int64          `json:"student_id"`
	StudentName string         `json:"student_name"`
	GroupName   string         `json:"group_name"`
	Answers     []ExportAnswer `json:"answers"`
	Total       float64        `json:"total"`
}

// ExportAnswer is one answer cell pair. Mark is absolute (fraction times
// max mark) and nil when the answer has not been graded.
type ExportAnswer struct {
	QuestionText string   `json:"question_text"`
	Submitted    string   `json:"submitted"`
	Mark         *float64 `json:"mark,omitempty"`
	Hint         string   `json:"hint,omitempty"`
}

// GroupSummary lists the totals of one group's students.
type GroupSummary struct {
	GroupName string       `json:"group_name"`
	Students  []SummaryRow `json:"students"`
}

// SummaryRow is one line of a group summary.
type SummaryRow struct {
	StudentName string  `json:"student_name"`
	Total       float64 `json:"total"`
}

// ImportDocument is what the codec reads back from a hand-edited export.
type ImportDocument struct {
	TestName  string      `json:"test_name"`
	FinishKey string      `json:"finish_key"`
	Rows      []ImportRow `json:"rows"`
}

// ImportRow carries the absolute marks of one student, one per question
// column of the student's variant sheet. Blank cells are nil.
type ImportRow struct {
	StudentName string     `json:"student_name"`
	Marks       []*float64 `json:"marks"`
}
