package tools

import "sync"

// TodoStatus is the lifecycle state of one todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// Todo is one item of a project's agent-managed task list.
type Todo struct {
	Content    string     `json:"content"`
	ActiveForm string     `json:"activeForm"`
	Status     TodoStatus `json:"status"`
}

// TodoStore holds the per-project todo lists. todo_write replaces a project's
// list wholesale; the at-most-one-in-progress invariant is enforced on write
// by demoting later in_progress items to pending.
type TodoStore struct {
	mu    sync.RWMutex
	lists map[string][]Todo
}

// NewTodoStore creates an empty store.
func NewTodoStore() *TodoStore {
	return &TodoStore{lists: make(map[string][]Todo)}
}

// Set replaces the project's list and returns the normalized result.
func (s *TodoStore) Set(projectID string, todos []Todo) []Todo {
	normalized := make([]Todo, 0, len(todos))
	inProgressSeen := false
	for _, todo := range todos {
		switch todo.Status {
		case TodoPending, TodoInProgress, TodoCompleted:
		default:
			todo.Status = TodoPending
		}
		if todo.Status == TodoInProgress {
			if inProgressSeen {
				todo.Status = TodoPending
			}
			inProgressSeen = true
		}
		normalized = append(normalized, todo)
	}

	s.mu.Lock()
	s.lists[projectID] = normalized
	s.mu.Unlock()
	return normalized
}

// Get returns a copy of the project's list.
func (s *TodoStore) Get(projectID string) []Todo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.lists[projectID]
	out := make([]Todo, len(list))
	copy(out, list)
	return out
}

// Clear drops the project's list.
func (s *TodoStore) Clear(projectID string) {
	s.mu.Lock()
	delete(s.lists, projectID)
	s.mu.Unlock()
}
