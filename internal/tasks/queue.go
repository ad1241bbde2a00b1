package tasks

import (
	"sort"

	"github.com/rendis/taskflow/pkg/schema"
)

// Less reports whether a sorts before b: higher priority weight first, then
// earlier due date (tasks without one last), then older creation time.
func Less(a, b *schema.Task) bool {
	if wa, wb := a.Priority.Weight(), b.Priority.Weight(); wa != wb {
		return wa > wb
	}
	switch {
	case a.DueDate != nil && b.DueDate == nil:
		return true
	case a.DueDate == nil && b.DueDate != nil:
		return false
	case a.DueDate != nil && !a.DueDate.Equal(*b.DueDate):
		return a.DueDate.Before(*b.DueDate)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortTasks orders tasks in place by Less.
func SortTasks(list []*schema.Task) {
	sort.SliceStable(list, func(i, j int) bool { return Less(list[i], list[j]) })
}

// Queue is one assignee's open tasks kept in Less order. Not safe for
// concurrent use; the manager guards it with its own lock.
type Queue struct {
	items []*schema.Task
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int { return len(q.items) }

// Upsert inserts t, replacing any entry with the same id, at its ordered position.
func (q *Queue) Upsert(t *schema.Task) {
	q.Remove(t.ID)
	c := t.Clone()
	i := sort.Search(len(q.items), func(i int) bool { return Less(c, q.items[i]) })
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = c
}

// Remove drops the task with the given id and reports whether it was queued.
func (q *Queue) Remove(id string) bool {
	for i, t := range q.items {
		if t.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Peek returns a copy of the head of the queue, or nil when empty.
func (q *Queue) Peek() *schema.Task {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0].Clone()
}

// Items returns copies of the queued tasks in order.
func (q *Queue) Items() []*schema.Task {
	out := make([]*schema.Task, len(q.items))
	for i, t := range q.items {
		out[i] = t.Clone()
	}
	return out
}
