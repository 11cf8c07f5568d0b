package model

import "time"

// Branch identifies a dialog branch.
type Branch string

const (
	BranchInstructor  Branch = "instructor"
	BranchRegister    Branch = "register"
	BranchStudentTest Branch = "student_test"
)

// Step identifies a position inside a branch.
type Step string

const (
	StepMenu          Step = "menu"
	StepSettings      Step = "settings"
	StepEnterGroups   Step = "enter_groups"
	StepEnterTests    Step = "enter_tests"
	StepClearDatabase Step = "clear_database"
	StepSelectTest    Step = "select_test"
	StepSelectGroup   Step = "select_group"
	StepRunning       Step = "running"
	StepSendFile      Step = "send_file"
	StepEnterName     Step = "enter_name"
	StepAnswer        Step = "answer"
)

// Cursor is the persisted dialog position of one user: the step whose
// prompt was sent last and is awaiting a reply.
type Cursor struct {
	UserID    int64
	Branch    Branch
	Step      Step
	Data      map[string]string
	UpdatedAt time.Time
}

// With returns a copy of the cursor moved to step with extra data merged in.
func (c Cursor) With(step Step, kv ...string) *Cursor {
	data := make(map[string]string, len(c.Data)+len(kv)/2)
	for k, v := range c.Data {
		data[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		data[kv[i]] = kv[i+1]
	}
	c.Step = step
	c.Data = data
	return &c
}
