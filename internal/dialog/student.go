package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/pavelanni/flashtest/internal/i18n"
	"github.com/pavelanni/flashtest/internal/metrics"
	"github.com/pavelanni/flashtest/internal/model"
	"github.com/pavelanni/flashtest/internal/session"
	"github.com/pavelanni/flashtest/internal/xlsx"
)

func studentCursor(sessionID string) *model.Cursor {
	return model.Cursor{Branch: model.BranchStudentTest}.With(model.StepAnswer, "session_id", sessionID)
}

// startStudent sends the banner and the first question to a student of a
// freshly started session and parks the student's dialog on it.
func (e *Engine) startStudent(ctx context.Context, sessionID string, studentID int64) {
	p, err := e.sessions.Progress(ctx, sessionID, studentID)
	if err != nil {
		slog.Error("failed to load student progress", "session_id", sessionID, "student_id", studentID, "error", err)
		metrics.DeliveryFailures.WithLabelValues("fanout").Inc()
		return
	}
	banner := i18n.Tp(ctx, "TestBanner", len(p.Variant.Questions), map[string]any{"Test": p.Test.Name})
	if !e.sendQuestion(ctx, studentID, p, banner) {
		metrics.DeliveryFailures.WithLabelValues("fanout").Inc()
	}
	cur := studentCursor(sessionID)
	cur.UserID = studentID
	if err := e.store.SaveCursor(ctx, cur); err != nil {
		slog.Error("failed to save student cursor", "student_id", studentID, "error", err)
	}
}

// resumeStudent brings a student without a cursor back to their current
// question, if any.
func (e *Engine) resumeStudent(ctx context.Context, u *model.User) (*model.Cursor, error) {
	active, err := e.sessions.Active(ctx)
	if err != nil {
		return nil, err
	}
	if active == nil || active.Run(u.ID) == nil || active.Run(u.ID).Finished() {
		e.say(ctx, u.ID, i18n.T(ctx, "NoActiveTest"))
		return nil, nil
	}
	p, err := e.sessions.Progress(ctx, active.ID, u.ID)
	if err != nil {
		return nil, err
	}
	if p.Done() {
		return e.completeRun(ctx, p)
	}
	e.sendQuestion(ctx, u.ID, p)
	return studentCursor(active.ID), nil
}

func (e *Engine) answer(ctx context.Context, cur *model.Cursor, msg Message) (*model.Cursor, error) {
	sessionID := cur.Data["session_id"]
	p, err := e.sessions.Progress(ctx, sessionID, msg.From)
	if errors.Is(err, model.ErrNotFound) {
		e.say(ctx, msg.From, i18n.T(ctx, "NoActiveTest"))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if e.stopped(ctx, msg.From, p) {
		return nil, nil
	}
	if p.Done() {
		return e.completeRun(ctx, p)
	}

	value, problem := parseAnswer(ctx, p.Question, msg)
	if problem != "" {
		e.say(ctx, msg.From, problem)
		return cur, nil
	}
	_, err = e.sessions.RecordAnswer(ctx, msg.From, sessionID, p.Question.ID, value)
	if errors.Is(err, model.ErrStateConflict) {
		e.prompt(ctx, msg.From, []string{i18n.T(ctx, "TestAborted")}, FreeText)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p, err = e.sessions.Progress(ctx, sessionID, msg.From)
	if err != nil {
		return nil, err
	}
	if e.stopped(ctx, msg.From, p) {
		return nil, nil
	}
	if !p.Done() {
		e.sendQuestion(ctx, msg.From, p)
		return cur, nil
	}
	return e.completeRun(ctx, p)
}

// stopped tells the student the test is over when the session or their run
// was closed behind their back.
func (e *Engine) stopped(ctx context.Context, studentID int64, p *session.Progress) bool {
	if !p.Session.Finished() && !p.Run.Finished() {
		return false
	}
	e.prompt(ctx, studentID, []string{i18n.T(ctx, "TestAborted")}, FreeText)
	return true
}

// completeRun finishes the student's run. The last student to finish closes
// the session on the instructor's behalf.
func (e *Engine) completeRun(ctx context.Context, p *session.Progress) (*model.Cursor, error) {
	studentID := p.Run.StudentID
	allDone, err := e.sessions.FinishStudent(ctx, p.Session.ID, studentID)
	if err != nil {
		return nil, err
	}
	e.prompt(ctx, studentID, []string{i18n.T(ctx, "TestComplete")}, FreeText)
	if !allDone {
		return nil, nil
	}

	instr, err := e.store.GetInstructor(ctx)
	if err != nil {
		return nil, err
	}
	if instr == nil {
		_, _, err := e.sessions.Finish(ctx, p.Session.ID)
		return nil, err
	}
	if err := e.finishSession(ctx, p.Session.ID, instr.ID, "AllStudentsFinished"); err != nil {
		return nil, err
	}
	next, err := e.enterMenu(ctx, instr.ID)
	if err != nil {
		return nil, err
	}
	next.UserID = instr.ID
	if err := e.store.SaveCursor(ctx, next); err != nil {
		return nil, err
	}
	return nil, nil
}

// sendQuestion sends the current question with any leading messages.
// Single-choice options are offered as buttons.
func (e *Engine) sendQuestion(ctx context.Context, userID int64, p *session.Progress, lead ...string) bool {
	q := p.Question
	var b strings.Builder
	b.WriteString(q.Text)
	for i, opt := range q.AnswerVariants {
		fmt.Fprintf(&b, "\n%d. %s", i+1, opt)
	}

	messages := append(lead,
		i18n.Td(ctx, "QuestionN", map[string]any{"N": p.Index + 1, "Total": len(p.Variant.Questions)}),
		b.String(),
	)
	options := FreeText
	switch q.Type {
	case model.QuestionSingleChoice:
		messages = append(messages, i18n.T(ctx, "ChooseOne"))
		options = q.AnswerVariants
	case model.QuestionMultipleChoice:
		messages = append(messages, i18n.T(ctx, "ChooseMany"))
	default:
		messages = append(messages, i18n.T(ctx, "EnterText"))
	}
	return e.prompt(ctx, userID, messages, options)
}

// parseAnswer converts a reply into an answer value. A non-empty problem is
// the localized message to send back instead.
func parseAnswer(ctx context.Context, q *model.Question, msg Message) (model.AnswerValue, string) {
	text := strings.TrimSpace(msg.Text)
	n := len(q.AnswerVariants)
	switch q.Type {
	case model.QuestionSingleChoice:
		for i, opt := range q.AnswerVariants {
			if strings.EqualFold(text, strings.TrimSpace(opt)) {
				return model.AnswerValue{Choice: i + 1}, ""
			}
		}
		c, err := xlsx.ParseChoice(text, n)
		if err != nil {
			return model.AnswerValue{}, i18n.Td(ctx, "InvalidChoice", map[string]any{"Max": n})
		}
		return model.AnswerValue{Choice: c}, ""
	case model.QuestionMultipleChoice:
		cs, err := xlsx.ParseChoices(text, n)
		if err != nil {
			return model.AnswerValue{}, i18n.Td(ctx, "InvalidChoices", map[string]any{"Max": n})
		}
		return model.AnswerValue{Choices: cs}, ""
	default:
		if text == "" {
			return model.AnswerValue{}, i18n.T(ctx, "EmptyAnswer")
		}
		return model.AnswerValue{Text: text}, ""
	}
}

func formatMark(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}
