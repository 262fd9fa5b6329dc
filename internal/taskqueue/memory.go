package taskqueue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// TaskBehavior scripts how the memory backend handles one task name.
// Used by tests to simulate slow, failing, and lost tasks.
type TaskBehavior struct {
	// PendingPolls is how many status queries return running before the
	// task settles.
	PendingPolls int

	// Fail marks the task as failed once it settles.
	Fail bool

	// FailMessage is the broker-reported error when Fail is set.
	FailMessage string

	// NeverSettle keeps the task pending forever (a lost unit).
	NeverSettle bool

	// SubmitErr, when non-nil, makes Submit itself fail.
	SubmitErr error
}

type memoryTask struct {
	name      string
	args      []byte
	behavior  TaskBehavior
	pollsLeft int
	settled   bool
	failed    bool
	failMsg   string
}

type memoryChord struct {
	trackingIDs  []string
	callbackTask string
	args         []byte
	fired        bool
}

// Memory is an in-process Queue used in tests and local development.
type Memory struct {
	mu        sync.Mutex
	tasks     map[string]*memoryTask
	behaviors map[string]TaskBehavior
	chords    []*memoryChord

	submits int
	polls   int
}

// NewMemory creates an empty in-memory queue. Tasks with no scripted
// behavior succeed on the first status query.
func NewMemory() *Memory {
	return &Memory{
		tasks:     make(map[string]*memoryTask),
		behaviors: make(map[string]TaskBehavior),
	}
}

// Script sets the behavior for a task name.
func (m *Memory) Script(taskName string, b TaskBehavior) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.behaviors[taskName] = b
}

func (m *Memory) Submit(ctx context.Context, taskName string, args []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.submits++
	behavior := m.behaviors[taskName]
	if behavior.SubmitErr != nil {
		return "", behavior.SubmitErr
	}

	id := uuid.NewString()
	m.tasks[id] = &memoryTask{
		name:      taskName,
		args:      args,
		behavior:  behavior,
		pollsLeft: behavior.PendingPolls,
		failMsg:   behavior.FailMessage,
	}
	return id, nil
}

func (m *Memory) Status(ctx context.Context, trackingID string) (StatusResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.polls++
	task, ok := m.tasks[trackingID]
	if !ok {
		return StatusResult{}, ErrUnknownTracking
	}

	if task.behavior.NeverSettle {
		return StatusResult{Status: StatusRunning}, nil
	}
	if task.pollsLeft > 0 {
		task.pollsLeft--
		return StatusResult{Status: StatusRunning}, nil
	}

	task.settled = true
	task.failed = task.behavior.Fail
	if task.failed {
		msg := task.failMsg
		if msg == "" {
			msg = fmt.Sprintf("task %s failed", task.name)
		}
		return StatusResult{Status: StatusFailed, ErrorMessage: msg}, nil
	}

	m.fireReadyChordsLocked()
	return StatusResult{Status: StatusSucceeded}, nil
}

func (m *Memory) Chord(ctx context.Context, trackingIDs []string, callbackTask string, args []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chord := &memoryChord{
		trackingIDs:  append([]string(nil), trackingIDs...),
		callbackTask: callbackTask,
		args:         args,
	}
	m.chords = append(m.chords, chord)
	m.fireReadyChordsLocked()
	return uuid.NewString(), nil
}

// fireReadyChordsLocked submits chord callbacks whose members have all
// settled successfully.
func (m *Memory) fireReadyChordsLocked() {
	for _, chord := range m.chords {
		if chord.fired {
			continue
		}
		ready := true
		for _, id := range chord.trackingIDs {
			task, ok := m.tasks[id]
			if !ok || !task.settled || task.failed {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		chord.fired = true
		id := uuid.NewString()
		m.tasks[id] = &memoryTask{name: chord.callbackTask, args: chord.args, settled: true}
	}
}

func (m *Memory) Close() error {
	return nil
}

// SubmitCount returns the number of Submit calls. Test helper.
func (m *Memory) SubmitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submits
}

// ChordFired reports whether any chord callback has been triggered.
func (m *Memory) ChordFired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, chord := range m.chords {
		if chord.fired {
			return true
		}
	}
	return false
}

// TasksNamed returns how many submitted tasks carry the given name.
func (m *Memory) TasksNamed(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, task := range m.tasks {
		if task.name == name {
			n++
		}
	}
	return n
}
