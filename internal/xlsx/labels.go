package xlsx

import "strings"

// labels are the fixed header texts written into rendered workbooks.
type labels struct {
	Question string
	Answer   string
	Mark     string
	Sum      string
	Student  string
	Group    string
	Summary  string
}

var labelSets = map[string]labels{
	"en": {
		Question: "question",
		Answer:   "answer",
		Mark:     "mark",
		Sum:      "total",
		Student:  "student",
		Group:    "group",
		Summary:  "summary",
	},
	"ru": {
		Question: "вопрос",
		Answer:   "ответ",
		Mark:     "балл",
		Sum:      "сумма",
		Student:  "студент",
		Group:    "группа",
		Summary:  "группы",
	},
}

const metaSheet = "meta"

// Column headers of a test definition sheet, in either language.
var (
	questionHeaders = []string{"question", "вопрос"}
	typeHeaders     = []string{"answer type", "type", "тип ответа", "тип"}
	answerHeaders   = []string{"answer", "ответ"}
	maxMarkHeaders  = []string{"max mark", "max", "макс балл", "максимальный балл"}
)

func isAny(cell string, set ...string) bool {
	cell = strings.ToLower(strings.TrimSpace(cell))
	for _, s := range set {
		if cell == s {
			return true
		}
	}
	return false
}

func studentLabels() []string {
	var out []string
	for _, l := range labelSets {
		out = append(out, l.Student)
	}
	return out
}

func markLabels() []string {
	var out []string
	for _, l := range labelSets {
		out = append(out, l.Mark)
	}
	return out
}

func summaryLabels() []string {
	var out []string
	for _, l := range labelSets {
		out = append(out, l.Summary)
	}
	return out
}
