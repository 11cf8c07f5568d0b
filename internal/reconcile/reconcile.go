package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/pavelanni/flashtest/internal/model"
	"github.com/pavelanni/flashtest/internal/store"
)

// Advisor suggests a grading hint for an answer the engine cannot score.
type Advisor interface {
	Advise(ctx context.Context, q model.Question, answer string) (string, error)
}

// Reconciler converts finished sessions to export documents and merges
// hand-edited marks back.
type Reconciler struct {
	store         *store.Store
	advisor       Advisor
	adviceTimeout time.Duration
}

// defaultAdviceTimeout bounds each hint request made while an export is built.
const defaultAdviceTimeout = 15 * time.Second

// New creates a reconciler. advisor may be nil.
func New(st *store.Store, advisor Advisor) *Reconciler {
	return &Reconciler{store: st, advisor: advisor, adviceTimeout: defaultAdviceTimeout}
}

// MergeResult is the outcome of a merge.
type MergeResult struct {
	Session *model.Session
	Test    *model.Test
	Updated []model.StudentRun
	Skipped []string // row names that matched no run
}

// ToExportDocument builds the export document of a finished session: one
// sheet per variant in test order and a per-group summary.
func (r *Reconciler) ToExportDocument(ctx context.Context, sess *model.Session) (*model.ExportDocument, error) {
	if !sess.Finished() {
		return nil, fmt.Errorf("%w: session %s is still running", model.ErrStateConflict, sess.ID)
	}
	test, err := r.test(ctx, sess.TestID)
	if err != nil {
		return nil, err
	}

	people := newDirectory(r.store)
	doc := &model.ExportDocument{
		TestName:  test.Name,
		FinishKey: model.FinishKey(*sess.FinishTime),
	}
	groups := make(map[string][]model.SummaryRow)

	for _, v := range test.Variants {
		sheet := model.VariantSheet{Name: v.Name}
		for _, q := range v.Questions {
			sheet.Questions = append(sheet.Questions, model.ExportQuestion{
				Text:            q.Text,
				CanonicalAnswer: canonicalText(q),
				MaxMark:         q.MaxMark,
			})
		}
		for _, run := range sess.Runs {
			if run.VariantID != v.ID {
				continue
			}
			name, group, err := people.lookup(ctx, run.StudentID)
			if err != nil {
				return nil, err
			}
			row := model.StudentRow{
				StudentID:   run.StudentID,
				StudentName: name,
				GroupName:   group,
				Answers:     r.exportAnswers(ctx, v, run),
				Total:       total(v, run),
			}
			sheet.Rows = append(sheet.Rows, row)
			groups[group] = append(groups[group], model.SummaryRow{StudentName: name, Total: row.Total})
		}
		doc.Variants = append(doc.Variants, sheet)
	}

	names := make([]string, 0, len(groups))
	for g := range groups {
		names = append(names, g)
	}
	sort.Strings(names)
	for _, g := range names {
		rows := groups[g]
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].StudentName < rows[j].StudentName })
		doc.Summary = append(doc.Summary, model.GroupSummary{GroupName: g, Students: rows})
	}
	return doc, nil
}

func (r *Reconciler) exportAnswers(ctx context.Context, v model.Variant, run model.StudentRun) []model.ExportAnswer {
	out := make([]model.ExportAnswer, len(v.Questions))
	for i, q := range v.Questions {
		out[i].QuestionText = q.Text
		if i >= len(run.Answers) {
			continue
		}
		a := run.Answers[i]
		out[i].Submitted = a.Value.Format(q.Type)
		if a.Mark != nil {
			abs := *a.Mark * q.MaxMark
			out[i].Mark = &abs
		} else if r.advisor != nil && q.Type == model.QuestionFree && strings.TrimSpace(a.Value.Text) != "" {
			hint, err := r.advise(ctx, q, a.Value.Text)
			if err != nil {
				slog.Warn("grading hint failed", "question_id", q.ID, "student_id", run.StudentID, "error", err)
			}
			out[i].Hint = hint
		}
	}
	return out
}

func (r *Reconciler) advise(ctx context.Context, q model.Question, answer string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.adviceTimeout)
	defer cancel()
	return r.advisor.Advise(ctx, q, answer)
}

// Merge applies the absolute marks of an edited export to the session whose
// finish time equals the document's finish key. Rows are matched to runs by
// student name; the first run carrying a name owns it, and rows are applied
// in document order. All writes happen in one transaction.
func (r *Reconciler) Merge(ctx context.Context, doc *model.ImportDocument) (*MergeResult, error) {
	finish, err := model.ParseFinishKey(doc.FinishKey)
	if err != nil {
		return nil, err
	}
	sess, err := r.store.FindSessionByFinishTime(ctx, finish)
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: no session finished at %s", model.ErrNotFound, doc.FinishKey)
	}
	test, err := r.test(ctx, sess.TestID)
	if err != nil {
		return nil, err
	}
	if doc.TestName != "" && doc.TestName != test.Name {
		slog.Warn("imported file names another test", "file_test", doc.TestName, "session_test", test.Name)
	}

	people := newDirectory(r.store)
	owners := make(map[string]int)
	for i, run := range sess.Runs {
		name, _, err := people.lookup(ctx, run.StudentID)
		if err != nil {
			return nil, err
		}
		if _, taken := owners[name]; !taken {
			owners[name] = i
		}
	}

	res := &MergeResult{Test: test}
	pending := make(map[string]map[string]float64)
	for _, row := range doc.Rows {
		name := strings.TrimSpace(row.StudentName)
		idx, ok := owners[name]
		if !ok {
			slog.Warn("skipping row with unknown student", "name", row.StudentName, "finish_key", doc.FinishKey)
			res.Skipped = append(res.Skipped, row.StudentName)
			continue
		}
		run := &sess.Runs[idx]
		v := test.Variant(run.VariantID)
		if v == nil {
			return nil, fmt.Errorf("%w: variant %s of test %s", model.ErrNotFound, run.VariantID, test.ID)
		}
		marks := pending[run.ID]
		if marks == nil {
			marks = make(map[string]float64)
			pending[run.ID] = marks
		}
		for i, m := range row.Marks {
			if m == nil || i >= len(v.Questions) || i >= len(run.Answers) {
				continue
			}
			norm := normalize(*m, v.Questions[i].MaxMark)
			run.Answers[i].Mark = &norm
			marks[run.Answers[i].ID] = norm
		}
	}

	var updates []model.RunMarks
	for _, run := range sess.Runs {
		marks, ok := pending[run.ID]
		if !ok {
			continue
		}
		v := test.Variant(run.VariantID)
		updates = append(updates, model.RunMarks{RunID: run.ID, Marks: marks, SumMark: total(*v, run)})
	}
	if err := r.store.ApplyMarks(ctx, updates); err != nil {
		return nil, fmt.Errorf("apply marks: %w", err)
	}

	merged, err := r.store.GetSession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	res.Session = merged
	for _, run := range merged.Runs {
		if _, ok := pending[run.ID]; ok {
			res.Updated = append(res.Updated, run)
		}
	}
	slog.Info("merged marks", "session_id", sess.ID, "updated", len(res.Updated), "skipped", len(res.Skipped))
	return res, nil
}

func (r *Reconciler) test(ctx context.Context, id string) (*model.Test, error) {
	test, err := r.store.GetTest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get test: %w", err)
	}
	if test == nil {
		return nil, fmt.Errorf("%w: test %s", model.ErrNotFound, id)
	}
	return test, nil
}

// normalize converts an absolute mark to a fraction of maxMark in [0,1].
func normalize(abs, maxMark float64) float64 {
	if maxMark <= 0 {
		return 0
	}
	return min(max(abs/maxMark, 0), 1)
}

// total is the absolute score of a run. Ungraded answers count as zero.
func total(v model.Variant, run model.StudentRun) float64 {
	var sum float64
	for i, a := range run.Answers {
		if i >= len(v.Questions) || a.Mark == nil {
			continue
		}
		sum += *a.Mark * v.Questions[i].MaxMark
	}
	return sum
}

func canonicalText(q model.Question) string {
	if q.CanonicalAnswer == nil {
		return ""
	}
	return q.CanonicalAnswer.Format(q.Type)
}

// directory caches student names and group names for one export or merge.
type directory struct {
	store  *store.Store
	users  map[int64]*model.User
	groups map[string]string
}

func newDirectory(st *store.Store) *directory {
	return &directory{store: st, users: make(map[int64]*model.User), groups: make(map[string]string)}
}

func (d *directory) lookup(ctx context.Context, studentID int64) (name, group string, err error) {
	u, ok := d.users[studentID]
	if !ok {
		u, err = d.store.GetUser(ctx, studentID)
		if err != nil {
			return "", "", fmt.Errorf("get student %d: %w", studentID, err)
		}
		d.users[studentID] = u
	}
	if u == nil {
		return fmt.Sprintf("#%d", studentID), "", nil
	}
	g, ok := d.groups[u.GroupID]
	if !ok {
		grp, err := d.store.GetGroup(ctx, u.GroupID)
		if err != nil {
			return "", "", fmt.Errorf("get group %s: %w", u.GroupID, err)
		}
		if grp != nil {
			g = grp.Name
		}
		d.groups[u.GroupID] = g
	}
	return strings.TrimSpace(u.Name), g, nil
}
