package kernel

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/marmos91/cacheinspect/pkg/snapshot"
)

// ErrNoNamespace indicates no task matched a namespace selector.
var ErrNoNamespace = errors.New("no task with a mount namespace")

// Task is the part of a task_struct used to pick a mount namespace.
type Task struct {
	Addr    snapshot.Address
	Pid     int32
	Nsproxy snapshot.Address
}

// Namespace is a selected mount namespace and the task it was taken from.
type Namespace struct {
	Task Task
	Addr snapshot.Address
}

// Task reads the task_struct at addr.
func (r *Reader) Task(addr snapshot.Address) (Task, error) {
	l := r.layout.Task
	pid, err := snapshot.ReadUint32(r.acc, addr.Add(l.Pid))
	if err != nil {
		return Task{}, err
	}
	nsproxy, err := snapshot.ReadPointer(r.acc, addr.Add(l.Nsproxy))
	if err != nil {
		return Task{}, err
	}
	return Task{Addr: addr, Pid: int32(pid), Nsproxy: nsproxy}, nil
}

// Tasks lists init_task followed by every task on its tasks list. Tasks
// that cannot be read are skipped. A broken list still returns what was
// collected along with the *ListError.
func (r *Reader) Tasks() ([]Task, error) {
	l := r.layout
	first, err := r.Task(l.InitTask)
	if err != nil {
		return nil, fmt.Errorf("init_task: %w", err)
	}

	nodes, listErr := r.ListNodes(l.InitTask.Add(l.Task.Tasks), r.limits.MaxTasks)
	tasks := []Task{first}
	for _, node := range nodes {
		t, err := r.Task(node - snapshot.Address(l.Task.Tasks))
		if err != nil {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, listErr
}

// ResolveNamespace selects the mount namespace used for path resolution.
//
// An empty selector picks the task with the lowest pid that has an nsproxy.
// Otherwise the selector is tried as a decimal pid, then as a hexadecimal
// task_struct address; either must name a task on the task list.
func (r *Reader) ResolveNamespace(selector string) (Namespace, error) {
	tasks, err := r.Tasks()
	if len(tasks) == 0 {
		return Namespace{}, err
	}

	var task *Task
	switch {
	case selector == "":
		for i := range tasks {
			t := &tasks[i]
			if t.Nsproxy.IsNull() {
				continue
			}
			if task == nil || t.Pid < task.Pid {
				task = t
			}
		}
		if task == nil {
			return Namespace{}, ErrNoNamespace
		}
	default:
		task = findTask(tasks, selector)
		if task == nil {
			return Namespace{}, fmt.Errorf("invalid task or pid value: %s", selector)
		}
		if task.Nsproxy.IsNull() {
			return Namespace{}, fmt.Errorf("task %s (pid %d): %w", task.Addr, task.Pid, ErrNoNamespace)
		}
	}

	ns, err := snapshot.ReadPointer(r.acc, task.Nsproxy.Add(r.layout.Task.MntNs))
	if err != nil {
		return Namespace{}, fmt.Errorf("nsproxy of pid %d: %w", task.Pid, err)
	}
	if ns.IsNull() {
		return Namespace{}, fmt.Errorf("pid %d: %w", task.Pid, ErrNoNamespace)
	}
	return Namespace{Task: *task, Addr: ns}, nil
}

func findTask(tasks []Task, selector string) *Task {
	if pid, err := strconv.ParseInt(selector, 10, 32); err == nil {
		for i := range tasks {
			if int64(tasks[i].Pid) == pid {
				return &tasks[i]
			}
		}
	}
	if addr, err := snapshot.ParseAddress(selector); err == nil {
		for i := range tasks {
			if tasks[i].Addr == addr {
				return &tasks[i]
			}
		}
	}
	return nil
}
