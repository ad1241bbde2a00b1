package tasks

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rendis/taskflow/pkg/schema"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(min int) *time.Time {
	t := base.Add(time.Duration(min) * time.Minute)
	return &t
}

func TestLess_Ordering(t *testing.T) {
	urgent := &schema.Task{ID: "a", Priority: schema.PriorityUrgent, CreatedAt: base}
	highLate := &schema.Task{ID: "b", Priority: schema.PriorityHigh, DueDate: at(120), CreatedAt: base}
	highSoon := &schema.Task{ID: "c", Priority: schema.PriorityHigh, DueDate: at(30), CreatedAt: base.Add(time.Hour)}
	highNoDue := &schema.Task{ID: "d", Priority: schema.PriorityHigh, CreatedAt: base}
	highNoDueNewer := &schema.Task{ID: "e", Priority: schema.PriorityHigh, CreatedAt: base.Add(time.Minute)}

	list := []*schema.Task{highNoDueNewer, highLate, highNoDue, urgent, highSoon}
	SortTasks(list)

	ids := make([]string, len(list))
	for i, task := range list {
		ids[i] = task.ID
	}
	assert.Equal(t, []string{"a", "c", "b", "d", "e"}, ids)
}

func TestQueue_UpsertReplacesAndResorts(t *testing.T) {
	q := &Queue{}
	q.Upsert(&schema.Task{ID: "a", Priority: schema.PriorityLow, CreatedAt: base})
	q.Upsert(&schema.Task{ID: "b", Priority: schema.PriorityNormal, CreatedAt: base})
	require.Equal(t, "b", q.Peek().ID)

	q.Upsert(&schema.Task{ID: "a", Priority: schema.PriorityCritical, CreatedAt: base})
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, "a", q.Peek().ID)

	assert.True(t, q.Remove("a"))
	assert.False(t, q.Remove("a"))
	assert.Equal(t, "b", q.Peek().ID)
}

func TestQueue_ItemsAreCopies(t *testing.T) {
	q := &Queue{}
	q.Upsert(&schema.Task{ID: "a", Priority: schema.PriorityLow, CreatedAt: base})
	q.Items()[0].Priority = schema.PriorityCritical
	assert.Equal(t, schema.PriorityLow, q.Peek().Priority)
}

func TestQueue_OrderProperty(t *testing.T) {
	priorities := []schema.Priority{
		schema.PriorityLow, schema.PriorityNormal, schema.PriorityHigh,
		schema.PriorityUrgent, schema.PriorityCritical,
	}
	rapid.Check(t, func(rt *rapid.T) {
		q := &Queue{}
		live := map[string]*schema.Task{}
		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			id := fmt.Sprintf("t%d", rapid.IntRange(0, 12).Draw(rt, "id"))
			if rapid.IntRange(0, 4).Draw(rt, "op") == 0 {
				q.Remove(id)
				delete(live, id)
				continue
			}
			task := &schema.Task{
				ID:        id,
				Priority:  rapid.SampledFrom(priorities).Draw(rt, "priority"),
				CreatedAt: base.Add(time.Duration(rapid.IntRange(0, 5).Draw(rt, "created")) * time.Minute),
			}
			if rapid.Bool().Draw(rt, "hasDue") {
				task.DueDate = at(rapid.IntRange(0, 5).Draw(rt, "due"))
			}
			q.Upsert(task)
			live[id] = task
		}

		items := q.Items()
		if len(items) != len(live) {
			rt.Fatalf("queue holds %d tasks, want %d", len(items), len(live))
		}
		for i := 1; i < len(items); i++ {
			if Less(items[i], items[i-1]) {
				rt.Fatalf("%s sorted after %s", items[i].ID, items[i-1].ID)
			}
		}
		for _, item := range items {
			if live[item.ID].Priority != item.Priority {
				rt.Fatalf("stale entry for %s", item.ID)
			}
		}
	})
}
