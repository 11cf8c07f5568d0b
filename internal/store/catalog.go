package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/flashtest/internal/model"
)

// CreateGroup inserts a group with a fresh ID.
func (s *Store) CreateGroup(ctx context.Context, name string) (*model.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty group name", model.ErrInvalidInput)
	}
	g := model.Group{ID: uuid.NewString(), Name: name}
	_, err := s.db.ExecContext(ctx, `INSERT INTO student_groups (id, name) VALUES ($1, $2)`, g.ID, g.Name)
	if err != nil {
		slog.Error("failed to create group", "name", name, "error", err)
		return nil, err
	}
	slog.Info("created group", "id", g.ID, "name", g.Name)
	return &g, nil
}

// GetGroup returns a group by ID, or nil if it does not exist.
func (s *Store) GetGroup(ctx context.Context, id string) (*model.Group, error) {
	return s.getGroup(ctx, `SELECT id, name FROM student_groups WHERE id = $1`, id)
}

// GetGroupByName returns a group by name, or nil if it does not exist.
func (s *Store) GetGroupByName(ctx context.Context, name string) (*model.Group, error) {
	return s.getGroup(ctx, `SELECT id, name FROM student_groups WHERE name = $1`, strings.TrimSpace(name))
}

func (s *Store) getGroup(ctx context.Context, query string, arg any) (*model.Group, error) {
	var g model.Group
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&g.ID, &g.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ListGroups returns all groups ordered by name.
func (s *Store) ListGroups(ctx context.Context) ([]model.Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM student_groups ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var groups []model.Group
	for rows.Next() {
		var g model.Group
		if err := rows.Scan(&g.ID, &g.Name); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// CreateTest stores a parsed test definition.
func (s *Store) CreateTest(ctx context.Context, t *model.Test) error {
	if len(t.Variants) == 0 {
		return fmt.Errorf("%w: test %q has no variants", model.ErrInvalidInput, t.Name)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	vj, err := json.Marshal(t.Variants)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tests (id, name, source_file, variants_json, created_at) VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.Name, t.SourceFile, string(vj), unix(time.Now()),
	)
	if err != nil {
		slog.Error("failed to create test", "name", t.Name, "error", err)
		return err
	}
	slog.Info("created test", "id", t.ID, "name", t.Name, "variants", len(t.Variants))
	return nil
}

// GetTest returns a test by ID, or nil if it does not exist.
func (s *Store) GetTest(ctx context.Context, id string) (*model.Test, error) {
	return s.getTest(ctx, `SELECT id, name, source_file, variants_json FROM tests WHERE id = $1`, id)
}

// GetTestByName returns a test by name, or nil if it does not exist.
func (s *Store) GetTestByName(ctx context.Context, name string) (*model.Test, error) {
	return s.getTest(ctx, `SELECT id, name, source_file, variants_json FROM tests WHERE name = $1`, strings.TrimSpace(name))
}

func (s *Store) getTest(ctx context.Context, query string, arg any) (*model.Test, error) {
	var t model.Test
	var vj string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&t.ID, &t.Name, &t.SourceFile, &vj)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(vj), &t.Variants); err != nil {
		return nil, fmt.Errorf("decode variants of test %s: %w", t.ID, err)
	}
	return &t, nil
}

// ListTests returns all tests ordered by name.
func (s *Store) ListTests(ctx context.Context) ([]model.Test, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, source_file, variants_json FROM tests ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tests []model.Test
	for rows.Next() {
		var t model.Test
		var vj string
		if err := rows.Scan(&t.ID, &t.Name, &t.SourceFile, &vj); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(vj), &t.Variants); err != nil {
			return nil, fmt.Errorf("decode variants of test %s: %w", t.ID, err)
		}
		tests = append(tests, t)
	}
	return tests, rows.Err()
}

// CreateInstructor registers the instructor. Fails with ErrStateConflict if
// one already exists.
func (s *Store) CreateInstructor(ctx context.Context, id int64) (*model.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE role = $1`, model.UserRoleInstructor).Scan(&n); err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, fmt.Errorf("%w: instructor already registered", model.ErrStateConflict)
	}
	u := model.User{ID: id, Role: model.UserRoleInstructor, CreatedAt: fromUnix(unix(time.Now()))}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, role, name, group_id, created_at) VALUES ($1, $2, '', '', $3)`,
		u.ID, u.Role, unix(u.CreatedAt),
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	slog.Info("registered instructor", "id", id)
	return &u, nil
}

// CreateStudent registers a student in a group.
func (s *Store) CreateStudent(ctx context.Context, id int64, name, groupID string) (*model.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty student name", model.ErrInvalidInput)
	}
	u := model.User{ID: id, Role: model.UserRoleStudent, Name: name, GroupID: groupID, CreatedAt: fromUnix(unix(time.Now()))}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, role, name, group_id, created_at) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Role, u.Name, u.GroupID, unix(u.CreatedAt),
	)
	if err != nil {
		slog.Error("failed to create student", "id", id, "error", err)
		return nil, err
	}
	slog.Info("registered student", "id", id, "name", name, "group_id", groupID)
	return &u, nil
}

// GetUser returns a user by chat ID, or nil if it does not exist.
func (s *Store) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return s.getUser(ctx, `SELECT id, role, name, group_id, created_at FROM users WHERE id = $1`, id)
}

// GetInstructor returns the instructor, or nil if nobody registered yet.
func (s *Store) GetInstructor(ctx context.Context) (*model.User, error) {
	return s.getUser(ctx, `SELECT id, role, name, group_id, created_at FROM users WHERE role = $1`, model.UserRoleInstructor)
}

func (s *Store) getUser(ctx context.Context, query string, arg any) (*model.User, error) {
	var u model.User
	var created int64
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Role, &u.Name, &u.GroupID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = fromUnix(created)
	return &u, nil
}

// ListStudentsByGroup returns the students of a group ordered by name.
func (s *Store) ListStudentsByGroup(ctx context.Context, groupID string) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, name, group_id, created_at FROM users WHERE role = $1 AND group_id = $2 ORDER BY name, id`,
		model.UserRoleStudent, groupID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []model.User
	for rows.Next() {
		var u model.User
		var created int64
		if err := rows.Scan(&u.ID, &u.Role, &u.Name, &u.GroupID, &created); err != nil {
			return nil, err
		}
		u.CreatedAt = fromUnix(created)
		users = append(users, u)
	}
	return users, rows.Err()
}
