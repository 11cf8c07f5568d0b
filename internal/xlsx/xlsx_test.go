package xlsx

import (
	"bytes"
	"errors"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/pavelanni/flashtest/internal/model"
)

// workbook builds an .xlsx file with the given sheets, in order.
func workbook(t *testing.T, sheets map[string][][]any, order ...string) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, name := range order {
		if i == 0 {
			if err := f.SetSheetName("Sheet1", name); err != nil {
				t.Fatalf("SetSheetName: %v", err)
			}
		} else if _, err := f.NewSheet(name); err != nil {
			t.Fatalf("NewSheet: %v", err)
		}
		for r, row := range sheets[name] {
			ref, _ := excelize.CoordinatesToCellName(1, r+1)
			if err := f.SetSheetRow(name, ref, &row); err != nil {
				t.Fatalf("SetSheetRow: %v", err)
			}
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer: %v", err)
	}
	return buf.Bytes()
}

func TestParseTest(t *testing.T) {
	data := workbook(t, map[string][][]any{
		"Вариант 1": {
			{"вопрос", "тип ответа", "ответ", "макс балл"},
			{"Что такое скорость?", "лекция", "путь за время", 2},
			{"Выберите вектор\n1) масса\n2) сила", "один вариант", 2, 1},
			{},
			{"Выберите скаляры\n1. масса\n2. сила\n3. время", "несколько вариантов", "1, 3", "1,5"},
			{"Ваше мнение", "свободный", "", 3},
		},
		"Variant 2": {
			{"question", "answer type", "answer", "max mark"},
			{"Speed unit?", "single", "1", 1},
		},
	}, "Вариант 1", "Variant 2")

	test, err := New("ru").ParseTest("uploads/Kinematics.xlsx", data)
	if err != nil {
		t.Fatalf("ParseTest: %v", err)
	}
	if test.Name != "Kinematics" || test.SourceFile != "Kinematics.xlsx" {
		t.Errorf("name = %q, source = %q", test.Name, test.SourceFile)
	}
	if len(test.Variants) != 2 {
		t.Fatalf("expected 2 variants, got %d", len(test.Variants))
	}

	v := test.Variants[0]
	if v.Name != "Вариант 1" || len(v.Questions) != 4 {
		t.Fatalf("variant = %q with %d questions", v.Name, len(v.Questions))
	}
	if v.SumMaxMark != 7.5 {
		t.Errorf("SumMaxMark = %v, want 7.5", v.SumMaxMark)
	}

	tests := []struct {
		name    string
		q       model.Question
		typ     model.QuestionType
		options int
		canon   string
	}{
		{"lecture", v.Questions[0], model.QuestionLecture, 0, "путь за время"},
		{"single", v.Questions[1], model.QuestionSingleChoice, 2, "2"},
		{"multiple", v.Questions[2], model.QuestionMultipleChoice, 3, "1, 3"},
		{"free", v.Questions[3], model.QuestionFree, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.q.Type != tt.typ {
				t.Errorf("type = %q, want %q", tt.q.Type, tt.typ)
			}
			if len(tt.q.AnswerVariants) != tt.options {
				t.Errorf("options = %v, want %d", tt.q.AnswerVariants, tt.options)
			}
			got := ""
			if tt.q.CanonicalAnswer != nil {
				got = tt.q.CanonicalAnswer.Format(tt.q.Type)
			}
			if got != tt.canon {
				t.Errorf("canonical = %q, want %q", got, tt.canon)
			}
		})
	}
	if v.Questions[1].Text != "Выберите вектор" || v.Questions[1].AnswerVariants[1] != "сила" {
		t.Errorf("options not split from text: %+v", v.Questions[1])
	}
}

func TestParseTestErrors(t *testing.T) {
	header := []any{"question", "answer type", "answer", "max mark"}
	tests := []struct {
		name string
		rows [][]any
	}{
		{"missing header", [][]any{{"question", "answer"}, {"Q", "free"}}},
		{"unknown type", [][]any{header, {"Q", "essay", "", 1}}},
		{"zero max mark", [][]any{header, {"Q", "free", "", 0}}},
		{"choice without options", [][]any{header, {"Q", "single", 1, 1}}},
		{"choice out of range", [][]any{header, {"Q\n1) a\n2) b", "single", 3, 1}}},
		{"lecture without answer", [][]any{header, {"Q", "lecture", "", 1}}},
		{"no questions", [][]any{header}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := workbook(t, map[string][][]any{"A": tt.rows}, "A")
			_, err := New("en").ParseTest("T.xlsx", data)
			if !errors.Is(err, model.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}

	if _, err := New("en").ParseTest("T.xlsx", []byte("not a workbook")); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for garbage, got %v", err)
	}
}

func TestParseChoices(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{"1, 3", []int{1, 3}, false},
		{"3 1 3", []int{3, 1}, false},
		{"2;4", []int{2, 4}, false},
		{"", nil, true},
		{"5", nil, true},
		{"x", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseChoices(tt.in, 4)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func exportDoc() *model.ExportDocument {
	five, zero, two := 5.0, 0.0, 2.0
	return &model.ExportDocument{
		TestName:  "Kinematics",
		FinishKey: "2024-03-05_10-15-00",
		Variants: []model.VariantSheet{
			{
				Name: "A",
				Questions: []model.ExportQuestion{
					{Text: "Q1", CanonicalAnswer: "2", MaxMark: 5},
					{Text: "Q2", CanonicalAnswer: "", MaxMark: 3},
				},
				Rows: []model.StudentRow{
					{StudentID: 1, StudentName: "Ivanov", GroupName: "G1", Total: 5, Answers: []model.ExportAnswer{
						{QuestionText: "Q1", Submitted: "2", Mark: &five},
						{QuestionText: "Q2", Submitted: "free text", Hint: "partially right"},
					}},
					{StudentID: 2, StudentName: "Petrov", GroupName: "G2", Total: 0, Answers: []model.ExportAnswer{
						{QuestionText: "Q1", Submitted: "1", Mark: &zero},
						{QuestionText: "Q2"},
					}},
				},
			},
			{
				Name:      "B/1",
				Questions: []model.ExportQuestion{{Text: "Q3", CanonicalAnswer: "1, 2", MaxMark: 2}},
				Rows: []model.StudentRow{
					{StudentID: 3, StudentName: "Sidorov", GroupName: "G1", Total: 2, Answers: []model.ExportAnswer{
						{QuestionText: "Q3", Submitted: "1, 2", Mark: &two},
					}},
				},
			},
		},
		Summary: []model.GroupSummary{
			{GroupName: "G1", Students: []model.SummaryRow{{StudentName: "Ivanov", Total: 5}, {StudentName: "Sidorov", Total: 2}}},
			{GroupName: "G2", Students: []model.SummaryRow{{StudentName: "Petrov", Total: 0}}},
		},
	}
}

func TestRenderAndParseExport(t *testing.T) {
	for _, lang := range []string{"en", "ru"} {
		t.Run(lang, func(t *testing.T) {
			c := New(lang)
			data, err := c.RenderExport(exportDoc())
			if err != nil {
				t.Fatalf("RenderExport: %v", err)
			}

			f, err := excelize.OpenReader(bytes.NewReader(data))
			if err != nil {
				t.Fatalf("OpenReader: %v", err)
			}
			defer f.Close()
			sheets := f.GetSheetList()
			want := []string{"A", "B_1", labelSets[lang].Summary, metaSheet}
			if len(sheets) != len(want) {
				t.Fatalf("sheets = %v, want %v", sheets, want)
			}
			for i := range want {
				if sheets[i] != want[i] {
					t.Errorf("sheet %d = %q, want %q", i, sheets[i], want[i])
				}
			}
			if visible, _ := f.GetSheetVisible(metaSheet); visible {
				t.Error("meta sheet must be hidden")
			}
			if v, _ := f.GetCellValue("A", "C1"); v != "Q1" {
				t.Errorf("C1 = %q, want Q1", v)
			}
			if v, _ := f.GetCellValue("A", "D2"); v != "5" {
				t.Errorf("D2 = %q, want 5", v)
			}
			if formula, _ := f.GetCellFormula("A", "G4"); formula != "SUM(D4,F4)" {
				t.Errorf("G4 formula = %q", formula)
			}

			doc, err := c.ParseExport("whatever.xlsx", data)
			if err != nil {
				t.Fatalf("ParseExport: %v", err)
			}
			if doc.TestName != "Kinematics" || doc.FinishKey != "2024-03-05_10-15-00" {
				t.Errorf("meta = %q %q", doc.TestName, doc.FinishKey)
			}
			if len(doc.Rows) != 3 {
				t.Fatalf("expected 3 rows, got %d", len(doc.Rows))
			}
			ivanov := doc.Rows[0]
			if ivanov.StudentName != "Ivanov" || len(ivanov.Marks) != 2 {
				t.Fatalf("row = %+v", ivanov)
			}
			if ivanov.Marks[0] == nil || *ivanov.Marks[0] != 5 || ivanov.Marks[1] != nil {
				t.Errorf("marks = %v, %v", ivanov.Marks[0], ivanov.Marks[1])
			}
			if doc.Rows[2].StudentName != "Sidorov" || *doc.Rows[2].Marks[0] != 2 {
				t.Errorf("second sheet row = %+v", doc.Rows[2])
			}
		})
	}
}

func TestParseExportEdited(t *testing.T) {
	c := New("en")
	data, err := c.RenderExport(exportDoc())
	if err != nil {
		t.Fatalf("RenderExport: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	// Hand edits: a decimal comma typed as text and a grade for the free answer.
	if err := f.SetCellValue("A", "F4", "1,5"); err != nil {
		t.Fatal(err)
	}
	if err := f.SetCellValue("A", "D5", ""); err != nil {
		t.Fatal(err)
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	doc, err := c.ParseExport("x.xlsx", buf.Bytes())
	if err != nil {
		t.Fatalf("ParseExport: %v", err)
	}
	if m := doc.Rows[0].Marks[1]; m == nil || *m != 1.5 {
		t.Errorf("edited mark = %v, want 1.5", m)
	}
	if m := doc.Rows[1].Marks[0]; m != nil {
		t.Errorf("cleared mark = %v, want nil", *m)
	}

	f, _ = excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	if err := f.SetCellValue("A", "D4", "five"); err != nil {
		t.Fatal(err)
	}
	bad, _ := f.WriteToBuffer()
	f.Close()
	if _, err := c.ParseExport("x.xlsx", bad.Bytes()); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for non-numeric mark, got %v", err)
	}
}

func TestParseExportFilenameFallback(t *testing.T) {
	data := workbook(t, map[string][][]any{
		"A": {
			{"", "question", "Q1", "mark", "total"},
			{"", "answer", "2", 5, 5},
			{"student", "group"},
			{"Ivanov", "G1", "2", 4},
		},
	}, "A")

	doc, err := New("en").ParseExport("Kinematics_2024-03-05_10-15-00.xlsx", data)
	if err != nil {
		t.Fatalf("ParseExport: %v", err)
	}
	if doc.TestName != "Kinematics" || doc.FinishKey != "2024-03-05_10-15-00" {
		t.Errorf("fallback meta = %q %q", doc.TestName, doc.FinishKey)
	}
	if len(doc.Rows) != 1 || *doc.Rows[0].Marks[0] != 4 {
		t.Errorf("rows = %+v", doc.Rows)
	}

	if _, err := New("en").ParseExport("results.xlsx", data); !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput without finish key, got %v", err)
	}
}

func TestUniqueSheetName(t *testing.T) {
	used := map[string]bool{"summary": true}
	tests := []struct{ in, want string }{
		{"Variant: 1", "Variant_ 1"},
		{"Summary", "Summary (2)"},
		{"", "variant"},
		{"Вариант номер один с очень длинным названием", "Вариант номер один с очень длин"},
	}
	for _, tt := range tests {
		if got := uniqueSheetName(tt.in, used); got != tt.want {
			t.Errorf("uniqueSheetName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRenderAvoidsSummaryNames(t *testing.T) {
	for lang, other := range map[string]string{"en": "группы", "ru": "summary"} {
		t.Run(lang, func(t *testing.T) {
			in := exportDoc()
			in.Variants[0].Name = other
			c := New(lang)
			data, err := c.RenderExport(in)
			if err != nil {
				t.Fatalf("RenderExport: %v", err)
			}
			f, err := excelize.OpenReader(bytes.NewReader(data))
			if err != nil {
				t.Fatalf("OpenReader: %v", err)
			}
			defer f.Close()
			if got, want := f.GetSheetList()[0], other+" (2)"; got != want {
				t.Errorf("first sheet = %q, want %q", got, want)
			}

			doc, err := c.ParseExport("x.xlsx", data)
			if err != nil {
				t.Fatalf("ParseExport: %v", err)
			}
			if len(doc.Rows) != 3 {
				t.Errorf("expected 3 rows, got %d", len(doc.Rows))
			}
		})
	}
}
