// Package trace accumulates the invocation record of one capability
// execution: every tool call in order, every branch decision, and the
// overall outcome. Finalized traces pass through a credential sanitizer
// before anything ships off the process.
package trace

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrFinalized is returned when a collector is used after Finalize.
var ErrFinalized = errors.New("trace: collector already finalized")

// Task is one recorded tool call.
type Task struct {
	TaskID     string         `json:"task_id"`
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args,omitempty"`
	Result     any            `json:"result,omitempty"`
	Success    bool           `json:"success"`
	DurationMs int64          `json:"duration_ms"`
}

// Branch is one recorded branch decision.
type Branch struct {
	NodeID    string `json:"node_id"`
	Outcome   string `json:"outcome"`
	Condition string `json:"condition,omitempty"`
}

// Trace is the finalized record of one execution.
type Trace struct {
	CapabilityID string    `json:"capability_id"`
	Tasks        []Task    `json:"tasks"`
	Branches     []Branch  `json:"branches,omitempty"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	DurationMs   int64     `json:"duration_ms"`
}

// Collector gathers one execution's records. Safe for concurrent use; task
// ids are t1, t2, ... in record order.
type Collector struct {
	mu        sync.Mutex
	tasks     []Task
	branches  []Branch
	startedAt time.Time
	finalized bool
	now       func() time.Time
}

// NewCollector starts an empty collector.
func NewCollector() *Collector {
	return &Collector{startedAt: time.Now(), now: time.Now}
}

// RecordCall appends one tool call. Fails hard after Finalize.
func (c *Collector) RecordCall(tool string, args map[string]any, result any, duration time.Duration, success bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return ErrFinalized
	}
	c.tasks = append(c.tasks, Task{
		TaskID:     fmt.Sprintf("t%d", len(c.tasks)+1),
		Tool:       tool,
		Args:       args,
		Result:     result,
		Success:    success,
		DurationMs: duration.Milliseconds(),
	})
	return nil
}

// RecordBranch appends one branch decision. Fails hard after Finalize.
func (c *Collector) RecordBranch(nodeID, outcome, condition string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return ErrFinalized
	}
	c.branches = append(c.branches, Branch{NodeID: nodeID, Outcome: outcome, Condition: condition})
	return nil
}

// Len returns how many tasks are recorded.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// Finalize closes the collector and returns the sanitized trace. Recording
// after Finalize returns ErrFinalized; so does a second Finalize.
func (c *Collector) Finalize(capabilityID string, success bool, execErr error, userID string) (*Trace, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return nil, ErrFinalized
	}
	c.finalized = true

	t := &Trace{
		CapabilityID: capabilityID,
		Tasks:        make([]Task, len(c.tasks)),
		Branches:     c.branches,
		Success:      success,
		UserID:       userID,
		StartedAt:    c.startedAt,
		DurationMs:   c.now().Sub(c.startedAt).Milliseconds(),
	}
	if execErr != nil {
		t.Error = SanitizeString(execErr.Error())
	}
	for i, task := range c.tasks {
		task.Args = sanitizeMap(task.Args)
		task.Result = sanitizeValue(task.Result)
		t.Tasks[i] = task
	}
	return t, nil
}
