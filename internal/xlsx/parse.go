package xlsx

import (
	"bytes"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/pavelanni/flashtest/internal/model"
)

var questionTypes = map[string]model.QuestionType{
	"lecture":            model.QuestionLecture,
	"лекция":             model.QuestionLecture,
	"free":               model.QuestionFree,
	"свободный":          model.QuestionFree,
	"свободный ответ":    model.QuestionFree,
	"single":             model.QuestionSingleChoice,
	"single_choice":      model.QuestionSingleChoice,
	"один вариант":       model.QuestionSingleChoice,
	"multiple":           model.QuestionMultipleChoice,
	"multiple_choice":    model.QuestionMultipleChoice,
	"несколько вариантов": model.QuestionMultipleChoice,
}

// optionPrefix matches list numbering such as "1)", "2." or "3 -".
var optionPrefix = regexp.MustCompile(`^\s*\d+\s*[).:-]\s*`)

// ParseTest reads a test definition. Every visible worksheet is a variant;
// the test is named after the file stem.
func (c *Codec) ParseTest(filename string, data []byte) (*model.Test, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", model.ErrInvalidInput, filename, err)
	}
	defer f.Close()

	base := filepath.Base(filename)
	test := &model.Test{
		ID:         uuid.NewString(),
		SourceFile: base,
		Name:       strings.TrimSuffix(base, filepath.Ext(base)),
	}
	for _, sheet := range f.GetSheetList() {
		if visible, err := f.GetSheetVisible(sheet); err == nil && !visible {
			continue
		}
		rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		questions, err := parseQuestions(sheet, rows)
		if err != nil {
			return nil, err
		}
		if len(questions) == 0 {
			continue
		}
		test.Variants = append(test.Variants, model.NewVariant(uuid.NewString(), sheet, questions))
	}
	if len(test.Variants) == 0 {
		return nil, fmt.Errorf("%w: %s has no questions", model.ErrInvalidInput, filename)
	}
	return test, nil
}

type columns struct {
	question, kind, answer, maxMark int
}

func headerColumns(sheet string, header []string) (columns, error) {
	cols := columns{-1, -1, -1, -1}
	for i, h := range header {
		switch {
		case isAny(h, questionHeaders...):
			cols.question = i
		case isAny(h, typeHeaders...):
			cols.kind = i
		case isAny(h, answerHeaders...):
			cols.answer = i
		case isAny(h, maxMarkHeaders...):
			cols.maxMark = i
		}
	}
	if cols.question < 0 || cols.kind < 0 || cols.answer < 0 || cols.maxMark < 0 {
		return cols, fmt.Errorf("%w: sheet %q: header must name question, answer type, answer and max mark columns",
			model.ErrInvalidInput, sheet)
	}
	return cols, nil
}

func parseQuestions(sheet string, rows [][]string) ([]model.Question, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	cols, err := headerColumns(sheet, rows[0])
	if err != nil {
		return nil, err
	}
	var out []model.Question
	for i, row := range rows[1:] {
		if blank(row) {
			continue
		}
		q, err := parseQuestion(cols, row)
		if err != nil {
			return nil, fmt.Errorf("%w: sheet %q row %d: %v", model.ErrInvalidInput, sheet, i+2, err)
		}
		out = append(out, q)
	}
	return out, nil
}

func parseQuestion(cols columns, row []string) (model.Question, error) {
	q := model.Question{ID: uuid.NewString()}

	kind := strings.ToLower(strings.TrimSpace(cell(row, cols.kind)))
	t, ok := questionTypes[kind]
	if !ok {
		return q, fmt.Errorf("unknown answer type %q", cell(row, cols.kind))
	}
	q.Type = t

	lines := strings.Split(strings.ReplaceAll(cell(row, cols.question), "\r\n", "\n"), "\n")
	q.Text = strings.TrimSpace(lines[0])
	if q.Text == "" {
		return q, fmt.Errorf("empty question text")
	}
	if t == model.QuestionSingleChoice || t == model.QuestionMultipleChoice {
		for _, l := range lines[1:] {
			opt := strings.TrimSpace(optionPrefix.ReplaceAllString(l, ""))
			if opt != "" {
				q.AnswerVariants = append(q.AnswerVariants, opt)
			}
		}
		if len(q.AnswerVariants) == 0 {
			return q, fmt.Errorf("choice question %q lists no options", q.Text)
		}
	}

	mm, err := parseNumber(cell(row, cols.maxMark))
	if err != nil || mm <= 0 {
		return q, fmt.Errorf("max mark must be a positive number, got %q", cell(row, cols.maxMark))
	}
	q.MaxMark = mm

	answer := strings.TrimSpace(cell(row, cols.answer))
	switch t {
	case model.QuestionLecture:
		if answer == "" {
			return q, fmt.Errorf("lecture question %q needs a reference answer", q.Text)
		}
		q.CanonicalAnswer = &model.AnswerValue{Text: answer}
	case model.QuestionSingleChoice:
		n, err := ParseChoice(answer, len(q.AnswerVariants))
		if err != nil {
			return q, err
		}
		q.CanonicalAnswer = &model.AnswerValue{Choice: n}
	case model.QuestionMultipleChoice:
		ns, err := ParseChoices(answer, len(q.AnswerVariants))
		if err != nil {
			return q, err
		}
		q.CanonicalAnswer = &model.AnswerValue{Choices: ns}
	}
	return q, nil
}

// ParseChoice parses a 1-based option number in [1, n].
func ParseChoice(s string, n int) (int, error) {
	f, err := parseNumber(s)
	if err != nil || f != float64(int(f)) {
		return 0, fmt.Errorf("%q is not an option number", s)
	}
	v := int(f)
	if v < 1 || v > n {
		return 0, fmt.Errorf("option %d is out of range 1..%d", v, n)
	}
	return v, nil
}

// ParseChoices parses a comma, semicolon or space separated set of option
// numbers. Duplicates collapse.
func ParseChoices(s string, n int) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n'
	})
	if len(fields) == 0 {
		return nil, fmt.Errorf("no options given")
	}
	seen := make(map[int]bool)
	var out []int
	for _, fld := range fields {
		v, err := ParseChoice(fld, n)
		if err != nil {
			return nil, err
		}
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out, nil
}

// parseNumber accepts both "2.5" and "2,5".
func parseNumber(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(s), ",", "."), 64)
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
