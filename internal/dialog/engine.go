package dialog

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/pavelanni/flashtest/internal/i18n"
	"github.com/pavelanni/flashtest/internal/metrics"
	"github.com/pavelanni/flashtest/internal/model"
	"github.com/pavelanni/flashtest/internal/reconcile"
	"github.com/pavelanni/flashtest/internal/session"
	"github.com/pavelanni/flashtest/internal/storage"
	"github.com/pavelanni/flashtest/internal/store"
)

// File is an attachment of an inbound message.
type File struct {
	Name string
	Data []byte
}

// Message is one inbound chat message.
type Message struct {
	From int64
	Text string
	File *File
}

// Messenger delivers prompts and files to chat users. Non-empty options are
// shown as reply buttons; a nil slice leaves the user's keyboard alone and
// an empty non-nil slice (FreeText) removes it.
type Messenger interface {
	SendPrompt(ctx context.Context, userID int64, messages []string, options []string) error
	SendFile(ctx context.Context, userID int64, name string, data []byte) error
}

// Codec converts between workbooks and domain documents.
type Codec interface {
	ParseTest(filename string, data []byte) (*model.Test, error)
	RenderExport(doc *model.ExportDocument) ([]byte, error)
	ParseExport(filename string, data []byte) (*model.ImportDocument, error)
}

// FreeText asks the messenger to drop reply buttons.
var FreeText = []string{}

// stepFunc handles a message at one dialog step and returns the user's next
// cursor. A nil cursor ends the branch.
type stepFunc func(ctx context.Context, cur *model.Cursor, msg Message) (*model.Cursor, error)

type stepKey struct {
	branch model.Branch
	step   model.Step
}

// Engine runs the per-user dialog state machines. It handles one message at
// a time.
type Engine struct {
	store      *store.Store
	sessions   *session.Service
	reconciler *reconcile.Reconciler
	codec      Codec
	out        Messenger
	archive    storage.BlobStore
	lang       string

	mu    sync.Mutex
	steps map[stepKey]stepFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithArchive stores uploaded tests and produced results in b.
func WithArchive(b storage.BlobStore) Option {
	return func(e *Engine) { e.archive = b }
}

// WithLanguage sets the language of user-facing text.
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.lang = lang }
}

// New creates a dialog engine.
func New(st *store.Store, sessions *session.Service, rec *reconcile.Reconciler, codec Codec, out Messenger, opts ...Option) *Engine {
	e := &Engine{
		store:      st,
		sessions:   sessions,
		reconciler: rec,
		codec:      codec,
		out:        out,
		lang:       "en",
	}
	for _, o := range opts {
		o(e)
	}
	e.steps = map[stepKey]stepFunc{
		{model.BranchInstructor, model.StepMenu}:          e.menu,
		{model.BranchInstructor, model.StepSettings}:      e.settings,
		{model.BranchInstructor, model.StepEnterGroups}:   e.enterGroups,
		{model.BranchInstructor, model.StepEnterTests}:    e.enterTests,
		{model.BranchInstructor, model.StepClearDatabase}: e.clearDatabase,
		{model.BranchInstructor, model.StepSelectTest}:    e.selectTest,
		{model.BranchInstructor, model.StepSelectGroup}:   e.selectGroup,
		{model.BranchInstructor, model.StepRunning}:       e.running,
		{model.BranchInstructor, model.StepSendFile}:      e.checkResults,
		{model.BranchRegister, model.StepSelectGroup}:     e.registerGroup,
		{model.BranchRegister, model.StepEnterName}:       e.registerName,
		{model.BranchStudentTest, model.StepAnswer}:       e.answer,
	}
	return e
}

// Handle processes one inbound message: it resumes the sender's dialog from
// the persisted cursor, or resolves the sender's role when there is none.
func (e *Engine) Handle(ctx context.Context, msg Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx = i18n.WithLanguage(ctx, e.lang)
	cur, err := e.store.GetCursor(ctx, msg.From)
	if err != nil {
		return err
	}

	branch := "resolve"
	var next *model.Cursor
	if cur == nil {
		next, err = e.resolve(ctx, msg)
	} else {
		branch = string(cur.Branch)
		step, ok := e.steps[stepKey{cur.Branch, cur.Step}]
		if !ok {
			slog.Warn("unknown dialog step, restarting", "user_id", msg.From, "branch", cur.Branch, "step", cur.Step)
			next, err = e.resolve(ctx, msg)
		} else {
			next, err = step(ctx, cur, msg)
		}
	}
	metrics.MessagesHandled.WithLabelValues(branch).Inc()

	switch {
	case err == nil:
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrInvalidInput):
		slog.Info("rejected input", "user_id", msg.From, "error", err)
		e.say(ctx, msg.From, i18n.T(ctx, "UnknownOption"))
		next = cur
	case errors.Is(err, model.ErrStateConflict):
		slog.Info("state conflict", "user_id", msg.From, "error", err)
		e.say(ctx, msg.From, i18n.T(ctx, "ActionUnavailable"))
		next = nil
	default:
		slog.Error("dialog step failed", "user_id", msg.From, "error", err)
		e.say(ctx, msg.From, i18n.T(ctx, "GenericError"))
		next = nil
	}

	if next == nil {
		return e.store.DeleteCursor(ctx, msg.From)
	}
	next.UserID = msg.From
	return e.store.SaveCursor(ctx, next)
}

// resolve picks the branch of a user without a cursor.
func (e *Engine) resolve(ctx context.Context, msg Message) (*model.Cursor, error) {
	u, err := e.store.GetUser(ctx, msg.From)
	if err != nil {
		return nil, err
	}
	if u == nil {
		instr, err := e.store.GetInstructor(ctx)
		if err != nil {
			return nil, err
		}
		if instr != nil {
			return e.enterRegistration(ctx, msg.From)
		}
		if _, err := e.store.CreateInstructor(ctx, msg.From); err != nil {
			return nil, err
		}
		e.say(ctx, msg.From, i18n.T(ctx, "InstructorWelcome"))
		return e.enterMenu(ctx, msg.From)
	}
	if u.IsInstructor() {
		active, err := e.sessions.Active(ctx)
		if err != nil {
			return nil, err
		}
		if active != nil {
			return e.enterRunning(ctx, msg.From, active.ID)
		}
		return e.enterMenu(ctx, msg.From)
	}
	return e.resumeStudent(ctx, u)
}

// prompt sends messages with reply options. Delivery failures are logged and
// counted, never retried.
func (e *Engine) prompt(ctx context.Context, userID int64, messages []string, options []string) bool {
	if err := e.out.SendPrompt(ctx, userID, messages, options); err != nil {
		slog.Error("failed to deliver prompt", "user_id", userID, "error", err)
		metrics.DeliveryFailures.WithLabelValues("prompt").Inc()
		return false
	}
	return true
}

func (e *Engine) say(ctx context.Context, userID int64, messages ...string) bool {
	return e.prompt(ctx, userID, messages, nil)
}

func (e *Engine) sendFile(ctx context.Context, userID int64, name string, data []byte) bool {
	if err := e.out.SendFile(ctx, userID, name, data); err != nil {
		slog.Error("failed to deliver file", "user_id", userID, "file", name, "error", err)
		metrics.DeliveryFailures.WithLabelValues("file").Inc()
		return false
	}
	return true
}
