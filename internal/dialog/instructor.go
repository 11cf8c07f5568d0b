package dialog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/pavelanni/flashtest/internal/i18n"
	"github.com/pavelanni/flashtest/internal/model"
	"github.com/pavelanni/flashtest/internal/storage"
)

func instructorCursor(step model.Step, kv ...string) *model.Cursor {
	return model.Cursor{Branch: model.BranchInstructor}.With(step, kv...)
}

func (e *Engine) enterMenu(ctx context.Context, userID int64) (*model.Cursor, error) {
	e.prompt(ctx, userID, []string{i18n.T(ctx, "MenuPrompt")}, []string{
		i18n.T(ctx, "BtnSettings"),
		i18n.T(ctx, "BtnStartTest"),
		i18n.T(ctx, "BtnCheckTests"),
	})
	return instructorCursor(model.StepMenu), nil
}

func (e *Engine) menu(ctx context.Context, cur *model.Cursor, msg Message) (*model.Cursor, error) {
	switch msg.Text {
	case i18n.T(ctx, "BtnSettings"):
		return e.enterSettings(ctx, msg.From)
	case i18n.T(ctx, "BtnStartTest"):
		return e.enterSelectTest(ctx, msg.From)
	case i18n.T(ctx, "BtnCheckTests"):
		return e.enterCheckResults(ctx, msg.From)
	}
	e.say(ctx, msg.From, i18n.T(ctx, "UnknownOption"))
	return e.enterMenu(ctx, msg.From)
}

func (e *Engine) enterSettings(ctx context.Context, userID int64) (*model.Cursor, error) {
	e.prompt(ctx, userID, []string{i18n.T(ctx, "SettingsPrompt")}, []string{
		i18n.T(ctx, "BtnEnterGroups"),
		i18n.T(ctx, "BtnUploadTests"),
		i18n.T(ctx, "BtnClearDatabase"),
		i18n.T(ctx, "BtnBack"),
	})
	return instructorCursor(model.StepSettings), nil
}

func (e *Engine) settings(ctx context.Context, cur *model.Cursor, msg Message) (*model.Cursor, error) {
	switch msg.Text {
	case i18n.T(ctx, "BtnEnterGroups"):
		e.prompt(ctx, msg.From, []string{i18n.T(ctx, "EnterGroupsPrompt")}, FreeText)
		return cur.With(model.StepEnterGroups), nil
	case i18n.T(ctx, "BtnUploadTests"):
		e.prompt(ctx, msg.From, []string{i18n.T(ctx, "UploadTestsPrompt")}, []string{i18n.T(ctx, "BtnDone")})
		return cur.With(model.StepEnterTests), nil
	case i18n.T(ctx, "BtnClearDatabase"):
		e.prompt(ctx, msg.From, []string{i18n.T(ctx, "ClearConfirm")}, []string{i18n.T(ctx, "BtnYes"), i18n.T(ctx, "BtnNo")})
		return cur.With(model.StepClearDatabase), nil
	case i18n.T(ctx, "BtnBack"):
		return e.enterMenu(ctx, msg.From)
	}
	e.say(ctx, msg.From, i18n.T(ctx, "UnknownOption"))
	return e.enterSettings(ctx, msg.From)
}

// enterGroups creates every listed group that does not exist yet.
func (e *Engine) enterGroups(ctx context.Context, cur *model.Cursor, msg Message) (*model.Cursor, error) {
	created := 0
	for _, line := range strings.Split(msg.Text, "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		g, err := e.store.GetGroupByName(ctx, name)
		if err != nil {
			return nil, err
		}
		if g != nil {
			continue
		}
		if _, err := e.store.CreateGroup(ctx, name); err != nil {
			return nil, err
		}
		created++
	}
	e.say(ctx, msg.From, i18n.Tp(ctx, "GroupsCreated", created, nil))
	return e.enterSettings(ctx, msg.From)
}

// enterTests accepts test uploads until the instructor presses Done.
func (e *Engine) enterTests(ctx context.Context, cur *model.Cursor, msg Message) (*model.Cursor, error) {
	if msg.File == nil && msg.Text == i18n.T(ctx, "BtnDone") {
		return e.enterSettings(ctx, msg.From)
	}
	if !isXlsx(msg.File) {
		e.say(ctx, msg.From, i18n.T(ctx, "NotXlsx"))
		return cur, nil
	}

	test, err := e.codec.ParseTest(msg.File.Name, msg.File.Data)
	if err != nil {
		slog.Info("rejected test upload", "file", msg.File.Name, "error", err)
		e.say(ctx, msg.From, i18n.Td(ctx, "TestRejected", map[string]any{"Error": err.Error()}))
		return cur, nil
	}
	existing, err := e.store.GetTestByName(ctx, test.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		e.say(ctx, msg.From, i18n.Td(ctx, "TestExists", map[string]any{"Name": test.Name}))
		return cur, nil
	}
	if err := e.store.CreateTest(ctx, test); err != nil {
		return nil, err
	}
	e.archiveFile(ctx, storage.PrefixTests+filepath.Base(msg.File.Name), msg.File.Data)
	e.say(ctx, msg.From, i18n.Tp(ctx, "TestUploaded", len(test.Variants), map[string]any{"Name": test.Name}))
	return cur, nil
}

func (e *Engine) clearDatabase(ctx context.Context, cur *model.Cursor, msg Message) (*model.Cursor, error) {
	switch msg.Text {
	case i18n.T(ctx, "BtnYes"):
		active, err := e.sessions.Active(ctx)
		if err != nil {
			return nil, err
		}
		if active != nil {
			e.say(ctx, msg.From, i18n.T(ctx, "ClearRefused"))
			return nil, nil
		}
		if err := e.store.ClearAll(ctx); err != nil {
			return nil, err
		}
		slog.Info("database cleared", "by", msg.From)
		e.prompt(ctx, msg.From, []string{i18n.T(ctx, "ClearDone")}, FreeText)
		return nil, nil
	case i18n.T(ctx, "BtnNo"):
		e.say(ctx, msg.From, i18n.T(ctx, "ClearCancelled"))
		return e.enterSettings(ctx, msg.From)
	}
	e.prompt(ctx, msg.From, []string{i18n.T(ctx, "ClearConfirm")}, []string{i18n.T(ctx, "BtnYes"), i18n.T(ctx, "BtnNo")})
	return cur, nil
}

func (e *Engine) enterSelectTest(ctx context.Context, userID int64) (*model.Cursor, error) {
	active, err := e.sessions.Active(ctx)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return e.enterRunning(ctx, userID, active.ID)
	}
	tests, err := e.store.ListTests(ctx)
	if err != nil {
		return nil, err
	}
	if len(tests) == 0 {
		e.say(ctx, userID, i18n.T(ctx, "NoTests"))
		return e.enterMenu(ctx, userID)
	}
	names := make([]string, len(tests))
	for i, t := range tests {
		names[i] = t.Name
	}
	e.prompt(ctx, userID, []string{i18n.T(ctx, "SelectTestPrompt")}, names)
	return instructorCursor(model.StepSelectTest), nil
}

func (e *Engine) selectTest(ctx context.Context, cur *model.Cursor, msg Message) (*model.Cursor, error) {
	test, err := e.store.GetTestByName(ctx, msg.Text)
	if err != nil {
		return nil, err
	}
	if test == nil {
		e.say(ctx, msg.From, i18n.T(ctx, "UnknownOption"))
		return e.enterSelectTest(ctx, msg.From)
	}
	return e.enterSelectGroup(ctx, msg.From, test.ID)
}

func (e *Engine) enterSelectGroup(ctx context.Context, userID int64, testID string) (*model.Cursor, error) {
	groups, err := e.store.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		e.say(ctx, userID, i18n.T(ctx, "NoGroups"))
		return e.enterMenu(ctx, userID)
	}
	e.prompt(ctx, userID, []string{i18n.T(ctx, "SelectGroupPrompt")}, groupNames(groups))
	return instructorCursor(model.StepSelectGroup, "test_id", testID), nil
}

// selectGroup starts the session and fans the first question out to every
// student of the group.
func (e *Engine) selectGroup(ctx context.Context, cur *model.Cursor, msg Message) (*model.Cursor, error) {
	g, err := e.store.GetGroupByName(ctx, msg.Text)
	if err != nil {
		return nil, err
	}
	if g == nil {
		e.say(ctx, msg.From, i18n.T(ctx, "UnknownOption"))
		return e.enterSelectGroup(ctx, msg.From, cur.Data["test_id"])
	}
	students, err := e.store.ListStudentsByGroup(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	if len(students) == 0 {
		e.say(ctx, msg.From, i18n.Td(ctx, "GroupEmpty", map[string]any{"Group": g.Name}))
		return e.enterSelectGroup(ctx, msg.From, cur.Data["test_id"])
	}
	ids := make([]int64, len(students))
	for i, s := range students {
		ids[i] = s.ID
	}

	sess, err := e.sessions.Start(ctx, cur.Data["test_id"], ids)
	if errors.Is(err, model.ErrStateConflict) {
		e.say(ctx, msg.From, i18n.T(ctx, "SessionAlreadyRunning"))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	for _, run := range sess.Runs {
		e.startStudent(ctx, sess.ID, run.StudentID)
	}
	e.prompt(ctx, msg.From, []string{i18n.Tp(ctx, "TestStarted", len(sess.Runs), nil)}, []string{i18n.T(ctx, "BtnStop")})
	return instructorCursor(model.StepRunning, "session_id", sess.ID), nil
}

func (e *Engine) enterRunning(ctx context.Context, userID int64, sessionID string) (*model.Cursor, error) {
	e.prompt(ctx, userID, []string{i18n.T(ctx, "StopPrompt")}, []string{i18n.T(ctx, "BtnStop")})
	return instructorCursor(model.StepRunning, "session_id", sessionID), nil
}

func (e *Engine) running(ctx context.Context, cur *model.Cursor, msg Message) (*model.Cursor, error) {
	if msg.Text != i18n.T(ctx, "BtnStop") {
		return e.enterRunning(ctx, msg.From, cur.Data["session_id"])
	}
	if err := e.finishSession(ctx, cur.Data["session_id"], msg.From, "TestFinished"); err != nil {
		return nil, err
	}
	return e.enterMenu(ctx, msg.From)
}

// finishSession finishes a running session, sends the export to the
// instructor, archives it and tells every cut-off student the test is over.
func (e *Engine) finishSession(ctx context.Context, sessionID string, instructorID int64, noticeID string) error {
	before, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	sess, doc, err := e.sessions.Finish(ctx, sessionID)
	if err != nil {
		return err
	}
	slog.Info("session finished", "session", sess.Describe())

	for _, run := range before.Runs {
		if run.Finished() {
			continue
		}
		if err := e.store.DeleteCursor(ctx, run.StudentID); err != nil {
			slog.Error("failed to reset student cursor", "student_id", run.StudentID, "error", err)
		}
		e.prompt(ctx, run.StudentID, []string{i18n.T(ctx, "TestAborted")}, FreeText)
	}

	if doc == nil {
		return nil
	}
	data, err := e.codec.RenderExport(doc)
	if err != nil {
		return fmt.Errorf("render export: %w", err)
	}
	name := model.ExportFileName(doc.TestName, *sess.FinishTime)
	e.archiveFile(ctx, storage.PrefixResults+name, data)
	e.say(ctx, instructorID, i18n.T(ctx, noticeID))
	e.sendFile(ctx, instructorID, name, data)
	return nil
}

func (e *Engine) enterCheckResults(ctx context.Context, userID int64) (*model.Cursor, error) {
	e.prompt(ctx, userID, []string{i18n.T(ctx, "SendResultsPrompt")}, []string{i18n.T(ctx, "BtnBack")})
	return instructorCursor(model.StepSendFile), nil
}

// checkResults merges a hand-edited result file, notifies the matched
// students and sends the reconciled file back.
func (e *Engine) checkResults(ctx context.Context, cur *model.Cursor, msg Message) (*model.Cursor, error) {
	if msg.File == nil && msg.Text == i18n.T(ctx, "BtnBack") {
		return e.enterMenu(ctx, msg.From)
	}
	if !isXlsx(msg.File) {
		e.say(ctx, msg.From, i18n.T(ctx, "NotXlsx"))
		return cur, nil
	}

	imp, err := e.codec.ParseExport(msg.File.Name, msg.File.Data)
	if err != nil {
		slog.Info("rejected result file", "file", msg.File.Name, "error", err)
		e.say(ctx, msg.From, i18n.Td(ctx, "ResultsRejected", map[string]any{"Error": err.Error()}))
		return cur, nil
	}
	res, err := e.reconciler.Merge(ctx, imp)
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrInvalidInput) {
		slog.Info("result file matches no session", "file", msg.File.Name, "error", err)
		e.say(ctx, msg.From, i18n.T(ctx, "ResultsNoSession"))
		return cur, nil
	}
	if err != nil {
		return nil, err
	}

	for _, run := range res.Updated {
		v := res.Test.Variant(run.VariantID)
		if v == nil || run.SumMark == nil {
			continue
		}
		e.prompt(ctx, run.StudentID, []string{i18n.Td(ctx, "ResultNotice", map[string]any{
			"Test":  res.Test.Name,
			"Total": formatMark(*run.SumMark),
			"Max":   formatMark(v.SumMaxMark),
		})}, nil)
	}
	if len(res.Skipped) > 0 {
		e.say(ctx, msg.From, i18n.Td(ctx, "ResultsSkipped", map[string]any{"Names": strings.Join(res.Skipped, ", ")}))
	}

	doc, err := e.reconciler.ToExportDocument(ctx, res.Session)
	if err != nil {
		return nil, err
	}
	data, err := e.codec.RenderExport(doc)
	if err != nil {
		return nil, fmt.Errorf("render export: %w", err)
	}
	name := model.ExportFileName(doc.TestName, *res.Session.FinishTime)
	e.archiveFile(ctx, storage.PrefixResults+name, data)
	e.say(ctx, msg.From, i18n.Tp(ctx, "ResultsMerged", len(res.Updated), nil))
	e.sendFile(ctx, msg.From, name, data)
	return e.enterMenu(ctx, msg.From)
}

// archiveFile archives a file when an archive is configured. Failures are logged.
func (e *Engine) archiveFile(ctx context.Context, key string, data []byte) {
	if e.archive == nil {
		return
	}
	if _, err := e.archive.Put(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
		slog.Error("failed to archive file", "key", key, "error", err)
		return
	}
	slog.Debug("archived file", "key", key)
}

func isXlsx(f *File) bool {
	return f != nil && strings.EqualFold(filepath.Ext(f.Name), ".xlsx")
}

func groupNames(groups []model.Group) []string {
	names := make([]string, len(groups))
	for i, g := range groups {
		names[i] = g.Name
	}
	return names
}
