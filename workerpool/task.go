package workerpool

import "fmt"

// Task is a unit of work executed by a Pool worker.
type Task interface {
	Run()
}

// TaskFunc adapts an ordinary function to a Task.
type TaskFunc func()

func (f TaskFunc) Run() { f() }

// Rejecter is implemented by tasks that must be told when they are
// discarded without running, e.g. by ClearQueue or a registry
// replacing their pool.
type Rejecter interface {
	Reject(err error)
}

// reject notifies every Rejecter in tasks.
func reject(tasks []Task, err error) {
	for _, t := range tasks {
		if r, ok := t.(Rejecter); ok {
			r.Reject(err)
		}
	}
}

// describe renders a task for diagnostics.
func describe(t Task) string {
	switch v := t.(type) {
	case nil:
		return "<nil>"
	case fmt.Stringer:
		return v.String()
	case TaskFunc:
		return "func"
	default:
		return fmt.Sprintf("%T", t)
	}
}
