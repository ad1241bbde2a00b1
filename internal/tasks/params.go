package tasks

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/taskflow/pkg/schema"
)

// CreateTaskParams describes a new task.
type CreateTaskParams struct {
	Title            string                 `json:"title" validate:"required"`
	Description      string                 `json:"description,omitempty"`
	Priority         schema.Priority        `json:"priority,omitempty" validate:"omitempty,oneof=LOW NORMAL HIGH URGENT CRITICAL"`
	Assignee         string                 `json:"assignee,omitempty"`
	CandidateGroup   string                 `json:"candidate_group,omitempty"`
	DueDate          *time.Time             `json:"due_date,omitempty"`
	EstimatedMinutes int                    `json:"estimated_minutes,omitempty" validate:"gte=0"`
	Checklist        []schema.ChecklistItem `json:"checklist,omitempty" validate:"omitempty,dive"`
	SLA              *schema.SLAConfig      `json:"sla,omitempty"`
	InstanceID       string                 `json:"instance_id,omitempty"`
	NodeID           string                 `json:"node_id,omitempty"`
	Metadata         map[string]any         `json:"metadata,omitempty"`
}

// TaskQuery narrows GetTasksByAssignee. An empty Statuses list means every status.
type TaskQuery struct {
	Statuses []schema.TaskStatus `json:"statuses,omitempty"`
}

// newValidator builds the struct validator used for task input.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError converts validator output into a VALIDATION_ERROR listing each field.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "invalid task: %s", strings.Join(fields, "; ")).
		WithDetails(map[string]any{"fields": fields}).
		WithCause(err)
}
