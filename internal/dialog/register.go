package dialog

import (
	"context"
	"log/slog"
	"strings"

	"github.com/pavelanni/flashtest/internal/i18n"
	"github.com/pavelanni/flashtest/internal/model"
)

func (e *Engine) enterRegistration(ctx context.Context, userID int64) (*model.Cursor, error) {
	groups, err := e.store.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		e.say(ctx, userID, i18n.T(ctx, "NoGroupsToJoin"))
		return nil, nil
	}
	e.prompt(ctx, userID, []string{i18n.T(ctx, "ChooseGroupPrompt")}, groupNames(groups))
	return model.Cursor{Branch: model.BranchRegister}.With(model.StepSelectGroup), nil
}

func (e *Engine) registerGroup(ctx context.Context, cur *model.Cursor, msg Message) (*model.Cursor, error) {
	g, err := e.store.GetGroupByName(ctx, strings.TrimSpace(msg.Text))
	if err != nil {
		return nil, err
	}
	if g == nil {
		e.say(ctx, msg.From, i18n.T(ctx, "UnknownOption"))
		return e.enterRegistration(ctx, msg.From)
	}
	e.prompt(ctx, msg.From, []string{i18n.T(ctx, "EnterNamePrompt")}, FreeText)
	return cur.With(model.StepEnterName, "group_id", g.ID), nil
}

func (e *Engine) registerName(ctx context.Context, cur *model.Cursor, msg Message) (*model.Cursor, error) {
	name := strings.Join(strings.Fields(msg.Text), " ")
	if name == "" {
		e.say(ctx, msg.From, i18n.T(ctx, "EmptyName"))
		return cur, nil
	}
	u, err := e.store.CreateStudent(ctx, msg.From, name, cur.Data["group_id"])
	if err != nil {
		return nil, err
	}
	slog.Info("student registered", "user_id", u.ID, "name", u.Name, "group_id", u.GroupID)
	e.say(ctx, msg.From, i18n.Td(ctx, "RegistrationDone", map[string]any{"Name": u.Name}))
	return nil, nil
}
