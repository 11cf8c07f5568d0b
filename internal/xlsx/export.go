package xlsx

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/pavelanni/flashtest/internal/model"
)

// Codec reads test definitions and renders and reads back result workbooks.
type Codec struct {
	labels labels
}

// New creates a codec writing headers in the given language. Unknown
// languages fall back to English. Reading accepts both languages.
func New(lang string) *Codec {
	l, ok := labelSets[lang]
	if !ok {
		l = labelSets["en"]
	}
	return &Codec{labels: l}
}

// Variant sheet layout: row 1 holds question texts and mark headers, row 2
// canonical answers and max marks, row 3 column headers, students from row 4.
// Question j occupies columns 3+2j (answer) and 4+2j (mark).
const (
	firstStudentRow = 4
	firstAnswerCol  = 3
)

// RenderExport writes the export document as a workbook.
func (c *Codec) RenderExport(doc *model.ExportDocument) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}

	// Summary names of every language are skipped on import, so no variant
	// sheet may take one.
	used := map[string]bool{strings.ToLower(metaSheet): true}
	for _, s := range summaryLabels() {
		used[strings.ToLower(s)] = true
	}
	first := true
	addSheet := func(name string) error {
		if first {
			first = false
			return f.SetSheetName("Sheet1", name)
		}
		_, err := f.NewSheet(name)
		return err
	}

	for _, v := range doc.Variants {
		name := uniqueSheetName(v.Name, used)
		if err := addSheet(name); err != nil {
			return nil, fmt.Errorf("add sheet %q: %w", name, err)
		}
		if err := c.writeVariant(f, name, v, bold); err != nil {
			return nil, fmt.Errorf("write sheet %q: %w", name, err)
		}
	}

	if err := addSheet(c.labels.Summary); err != nil {
		return nil, err
	}
	if err := c.writeSummary(f, c.labels.Summary, doc.Summary, bold); err != nil {
		return nil, fmt.Errorf("write summary: %w", err)
	}

	if _, err := f.NewSheet(metaSheet); err != nil {
		return nil, err
	}
	if err := f.SetSheetRow(metaSheet, "A1", &[]any{"test", doc.TestName}); err != nil {
		return nil, err
	}
	if err := f.SetSheetRow(metaSheet, "A2", &[]any{"finish_key", doc.FinishKey}); err != nil {
		return nil, err
	}
	if err := f.SetSheetVisible(metaSheet, false); err != nil {
		return nil, err
	}
	f.SetActiveSheet(0)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Codec) writeVariant(f *excelize.File, sheet string, v model.VariantSheet, bold int) error {
	set := func(col, row int, value any) error {
		ref, err := excelize.CoordinatesToCellName(col, row)
		if err != nil {
			return err
		}
		return f.SetCellValue(sheet, ref, value)
	}

	if err := set(2, 1, c.labels.Question); err != nil {
		return err
	}
	if err := set(2, 2, c.labels.Answer); err != nil {
		return err
	}
	var sumMax float64
	for j, q := range v.Questions {
		col := firstAnswerCol + 2*j
		for _, cv := range []struct {
			col, row int
			value    any
		}{
			{col, 1, q.Text},
			{col + 1, 1, c.labels.Mark},
			{col, 2, q.CanonicalAnswer},
			{col + 1, 2, q.MaxMark},
		} {
			if err := set(cv.col, cv.row, cv.value); err != nil {
				return err
			}
		}
		sumMax += q.MaxMark
	}
	sumCol := firstAnswerCol + 2*len(v.Questions)
	if err := set(sumCol, 1, c.labels.Sum); err != nil {
		return err
	}
	if err := set(sumCol, 2, sumMax); err != nil {
		return err
	}
	if err := set(1, 3, c.labels.Student); err != nil {
		return err
	}
	if err := set(2, 3, c.labels.Group); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(sumCol, 3)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", last, bold); err != nil {
		return err
	}

	for i, r := range v.Rows {
		row := firstStudentRow + i
		if err := set(1, row, r.StudentName); err != nil {
			return err
		}
		if err := set(2, row, r.GroupName); err != nil {
			return err
		}
		var markRefs []string
		for j, a := range r.Answers {
			col := firstAnswerCol + 2*j
			if err := set(col, row, a.Submitted); err != nil {
				return err
			}
			ref, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return err
			}
			markRefs = append(markRefs, ref)
			if a.Mark != nil {
				if err := f.SetCellValue(sheet, ref, *a.Mark); err != nil {
					return err
				}
			}
			if a.Hint != "" {
				if err := f.AddComment(sheet, excelize.Comment{
					Cell:      ref,
					Author:    "flashtest",
					Paragraph: []excelize.RichTextRun{{Text: a.Hint}},
				}); err != nil {
					return err
				}
			}
		}
		totalRef, err := excelize.CoordinatesToCellName(sumCol, row)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, totalRef, r.Total); err != nil {
			return err
		}
		if len(markRefs) > 0 {
			if err := f.SetCellFormula(sheet, totalRef, "SUM("+strings.Join(markRefs, ",")+")"); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Codec) writeSummary(f *excelize.File, sheet string, groups []model.GroupSummary, bold int) error {
	row := 1
	for _, g := range groups {
		start := fmt.Sprintf("A%d", row)
		if err := f.SetSheetRow(sheet, start, &[]any{g.GroupName, c.labels.Student, c.labels.Mark}); err != nil {
			return err
		}
		if err := f.SetCellStyle(sheet, start, fmt.Sprintf("C%d", row), bold); err != nil {
			return err
		}
		row++
		for i, s := range g.Students {
			if err := f.SetSheetRow(sheet, fmt.Sprintf("A%d", row), &[]any{i + 1, s.StudentName, s.Total}); err != nil {
				return err
			}
			row++
		}
		row++
	}
	return nil
}

// ParseExport reads back an edited result workbook. The test name and finish
// key come from the hidden meta sheet, or from the filename when the sheet
// is missing.
func (c *Codec) ParseExport(filename string, data []byte) (*model.ImportDocument, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", model.ErrInvalidInput, filename, err)
	}
	defer f.Close()

	doc := &model.ImportDocument{}
	sheets := f.GetSheetList()
	for _, s := range sheets {
		if !strings.EqualFold(s, metaSheet) {
			continue
		}
		rows, err := f.GetRows(s)
		if err != nil {
			return nil, fmt.Errorf("read meta sheet: %w", err)
		}
		for _, r := range rows {
			switch cell(r, 0) {
			case "test":
				doc.TestName = cell(r, 1)
			case "finish_key":
				doc.FinishKey = cell(r, 1)
			}
		}
	}
	if doc.FinishKey == "" {
		key, ok := model.FinishKeyFromFileName(filepath.Base(filename))
		if !ok {
			return nil, fmt.Errorf("%w: %s carries no finish key", model.ErrInvalidInput, filename)
		}
		doc.FinishKey = key
		base := strings.TrimSuffix(filepath.Base(filename), ".xlsx")
		doc.TestName = strings.TrimSuffix(base, "_"+key)
	}

	for _, s := range sheets {
		if strings.EqualFold(s, metaSheet) || isAny(s, summaryLabels()...) {
			continue
		}
		rows, err := f.GetRows(s, excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, fmt.Errorf("read sheet %q: %w", s, err)
		}
		if len(rows) < firstStudentRow-1 || !isAny(cell(rows[2], 0), studentLabels()...) {
			continue
		}
		n := questionCount(rows[0])
		for i, r := range rows[firstStudentRow-1:] {
			name := strings.TrimSpace(cell(r, 0))
			if name == "" {
				continue
			}
			ir := model.ImportRow{StudentName: name, Marks: make([]*float64, n)}
			for j := range n {
				raw := strings.TrimSpace(cell(r, firstAnswerCol+2*j))
				if raw == "" {
					continue
				}
				m, err := parseNumber(raw)
				if err != nil {
					ref, _ := excelize.CoordinatesToCellName(firstAnswerCol+2*j+1, firstStudentRow+i)
					return nil, fmt.Errorf("%w: sheet %q cell %s: mark %q is not a number", model.ErrInvalidInput, s, ref, raw)
				}
				ir.Marks[j] = &m
			}
			doc.Rows = append(doc.Rows, ir)
		}
	}
	return doc, nil
}

// questionCount counts the (answer, mark) column pairs of a variant sheet's
// first row.
func questionCount(header []string) int {
	n := 0
	for col := firstAnswerCol - 1; col+1 < len(header); col += 2 {
		if !isAny(header[col+1], markLabels()...) {
			break
		}
		n++
	}
	return n
}

// uniqueSheetName makes a valid worksheet name that does not clash with the
// names in used, and records it.
func uniqueSheetName(name string, used map[string]bool) string {
	name = strings.Map(func(r rune) rune {
		if strings.ContainsRune(`[]:*?/\`, r) {
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	if name == "" {
		name = "variant"
	}
	name = truncateRunes(name, 31)
	candidate := name
	for i := 2; used[strings.ToLower(candidate)]; i++ {
		suffix := fmt.Sprintf(" (%d)", i)
		candidate = truncateRunes(name, 31-len([]rune(suffix))) + suffix
	}
	used[strings.ToLower(candidate)] = true
	return candidate
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
