package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/flashtest/internal/model"
)

// CreateSession persists a new running session with its runs. It fails with
// ErrStateConflict when another session is still running.
func (s *Store) CreateSession(ctx context.Context, sess *model.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var running int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE finish_time IS NULL`).Scan(&running); err != nil {
		return err
	}
	if running > 0 {
		return fmt.Errorf("%w: a session is already running", model.ErrStateConflict)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, test_id, start_time, finish_time) VALUES ($1, $2, $3, NULL)`,
		sess.ID, sess.TestID, unix(sess.StartTime),
	); err != nil {
		return err
	}
	for i, r := range sess.Runs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO student_runs (id, session_id, student_id, variant_id, seq) VALUES ($1, $2, $3, $4, $5)`,
			r.ID, sess.ID, r.StudentID, r.VariantID, i,
		); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Info("created session", "id", sess.ID, "test_id", sess.TestID, "runs", len(sess.Runs))
	return nil
}

// GetSession returns a session with its runs and answers, or nil.
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	sess, err := s.sessionRow(ctx, `SELECT id, test_id, start_time, finish_time FROM sessions WHERE id = $1`, id)
	if err != nil || sess == nil {
		return sess, err
	}
	return sess, s.loadRuns(ctx, sess)
}

// ActiveSession returns the running session, or nil when none is running.
func (s *Store) ActiveSession(ctx context.Context) (*model.Session, error) {
	sess, err := s.sessionRow(ctx,
		`SELECT id, test_id, start_time, finish_time FROM sessions WHERE finish_time IS NULL ORDER BY start_time DESC LIMIT 1`)
	if err != nil || sess == nil {
		return sess, err
	}
	return sess, s.loadRuns(ctx, sess)
}

// FindSessionByFinishTime returns the most recently started session that
// finished at t, or nil.
func (s *Store) FindSessionByFinishTime(ctx context.Context, t time.Time) (*model.Session, error) {
	sess, err := s.sessionRow(ctx,
		`SELECT id, test_id, start_time, finish_time FROM sessions WHERE finish_time = $1 ORDER BY start_time DESC LIMIT 1`,
		unix(t))
	if err != nil || sess == nil {
		return sess, err
	}
	return sess, s.loadRuns(ctx, sess)
}

// ListSessions returns all sessions, newest first, without runs.
func (s *Store) ListSessions(ctx context.Context) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, test_id, start_time, finish_time FROM sessions ORDER BY start_time DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*model.Session, error) {
	var sess model.Session
	var start int64
	var finish sql.NullInt64
	if err := row.Scan(&sess.ID, &sess.TestID, &start, &finish); err != nil {
		return nil, err
	}
	sess.StartTime = fromUnix(start)
	sess.FinishTime = timePtr(finish)
	return &sess, nil
}

func (s *Store) sessionRow(ctx context.Context, query string, args ...any) (*model.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

func (s *Store) loadRuns(ctx context.Context, sess *model.Session) error {
	runs, err := s.runsForSession(ctx, sess.ID)
	if err != nil {
		return err
	}
	answers, err := s.answersForSession(ctx, sess.ID)
	if err != nil {
		return err
	}
	for i := range runs {
		runs[i].Answers = answers[runs[i].ID]
	}
	sess.Runs = runs
	return nil
}

func (s *Store) runsForSession(ctx context.Context, sessionID string) ([]model.StudentRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, student_id, variant_id, finish_time, sum_mark
		 FROM student_runs WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []model.StudentRun
	for rows.Next() {
		var r model.StudentRun
		var finish sql.NullInt64
		var sum sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.StudentID, &r.VariantID, &finish, &sum); err != nil {
			return nil, err
		}
		r.FinishTime = timePtr(finish)
		r.SumMark = floatPtr(sum)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) answersForSession(ctx context.Context, sessionID string) (map[string][]model.Answer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.run_id, a.id, a.position, a.question_id, a.value_json, a.mark, a.created_at
		 FROM answers a JOIN student_runs r ON r.id = a.run_id
		 WHERE r.session_id = $1 ORDER BY a.run_id, a.position`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]model.Answer)
	for rows.Next() {
		var runID, vj string
		var a model.Answer
		var mark sql.NullFloat64
		var created int64
		if err := rows.Scan(&runID, &a.ID, &a.Position, &a.QuestionID, &vj, &mark, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(vj), &a.Value); err != nil {
			return nil, fmt.Errorf("decode answer %s: %w", a.ID, err)
		}
		a.Mark = floatPtr(mark)
		a.CreatedAt = fromUnix(created)
		out[runID] = append(out[runID], a)
	}
	return out, rows.Err()
}

// InsertAnswer appends an answer to a run. The answer's Position must equal
// the number of answers already stored, and the session must still be
// running; otherwise ErrStateConflict is returned.
func (s *Store) InsertAnswer(ctx context.Context, runID string, a *model.Answer) error {
	vj, err := json.Marshal(a.Value)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var sessFinish, runFinish sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT s.finish_time, r.finish_time FROM student_runs r JOIN sessions s ON s.id = r.session_id WHERE r.id = $1`,
		runID).Scan(&sessFinish, &runFinish)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: run %s", model.ErrNotFound, runID)
	}
	if err != nil {
		return err
	}
	if sessFinish.Valid || runFinish.Valid {
		return fmt.Errorf("%w: run %s is finished", model.ErrStateConflict, runID)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM answers WHERE run_id = $1`, runID).Scan(&count); err != nil {
		return err
	}
	if count != a.Position {
		return fmt.Errorf("%w: run %s expects answer #%d, got #%d", model.ErrStateConflict, runID, count, a.Position)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO answers (id, run_id, position, question_id, value_json, mark, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, runID, a.Position, a.QuestionID, string(vj), nullFloat(a.Mark), unix(a.CreatedAt),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// FinishRun sets a run's finish time if unset and reports whether every run
// of the session is finished afterwards.
func (s *Store) FinishRun(ctx context.Context, runID string, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var sessionID string
	if err := tx.QueryRowContext(ctx, `SELECT session_id FROM student_runs WHERE id = $1`, runID).Scan(&sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("%w: run %s", model.ErrNotFound, runID)
		}
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE student_runs SET finish_time = $1 WHERE id = $2 AND finish_time IS NULL`,
		unix(at), runID,
	); err != nil {
		return false, err
	}
	var open int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM student_runs WHERE session_id = $1 AND finish_time IS NULL`, sessionID,
	).Scan(&open); err != nil {
		return false, err
	}
	return open == 0, tx.Commit()
}

// FinishSession marks a running session and all its unfinished runs as
// finished at the same instant.
func (s *Store) FinishSession(ctx context.Context, id string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET finish_time = $1 WHERE id = $2 AND finish_time IS NULL`, unix(at), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = $1`, id).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("%w: session %s", model.ErrNotFound, id)
		}
		return fmt.Errorf("%w: session %s already finished", model.ErrStateConflict, id)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE student_runs SET finish_time = $1 WHERE session_id = $2 AND finish_time IS NULL`, unix(at), id,
	); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Info("finished session", "id", id, "at", at)
	return nil
}

// ApplyMarks stores reconciled marks and totals for several runs atomically.
func (s *Store) ApplyMarks(ctx context.Context, updates []model.RunMarks) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, u := range updates {
		for answerID, mark := range u.Marks {
			if _, err := tx.ExecContext(ctx,
				`UPDATE answers SET mark = $1 WHERE id = $2 AND run_id = $3`, mark, answerID, u.RunID,
			); err != nil {
				return fmt.Errorf("update answer %s: %w", answerID, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE student_runs SET sum_mark = $1 WHERE id = $2`, u.SumMark, u.RunID,
		); err != nil {
			return fmt.Errorf("update run %s: %w", u.RunID, err)
		}
	}
	return tx.Commit()
}
