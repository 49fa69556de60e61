// Package pool provides a fixed-capacity pool of interchangeable worker
// slots. One pool instance covers one role; the executor and validator pools
// are two instances of the same type. Pool capacity is the sole concurrency
// bound for its role.
package pool

import (
	"context"
	"fmt"
	"sync"
)

// Role identifies what a pool's workers do.
type Role string

const (
	RoleExecutor  Role = "executor"
	RoleValidator Role = "validator"
)

// SlotState is an observable snapshot of one worker slot.
type SlotState struct {
	ID     int    `json:"id"`
	Status string `json:"status"` // "idle" or "busy"
	TaskID string `json:"taskId,omitempty"`
}

// Stats summarizes pool occupancy.
type Stats struct {
	Role  Role `json:"role"`
	Total int  `json:"total"`
	Busy  int  `json:"busy"`
	Idle  int  `json:"idle"`
}

// Pool is a bounded pool of worker slots. Acquire blocks until a slot frees;
// Release returns one. Waiters are served in roughly FIFO order via the
// underlying channel.
type Pool struct {
	role     Role
	capacity int

	free chan int // free slot ids

	mu       sync.Mutex
	assigned map[int]string // slot id -> task id currently holding it
}

// New creates a pool with the given capacity. Panics on capacity < 1; pool
// sizes come from validated configuration.
func New(role Role, capacity int) *Pool {
	if capacity < 1 {
		panic(fmt.Sprintf("pool %s: capacity must be >= 1, got %d", role, capacity))
	}

	p := &Pool{
		role:     role,
		capacity: capacity,
		free:     make(chan int, capacity),
		assigned: make(map[int]string, capacity),
	}
	for i := 1; i <= capacity; i++ {
		p.free <- i
	}
	return p
}

// Acquire blocks until a slot is free and assigns it to taskID. Returns the
// slot id, or the context error if ctx is done first.
func (p *Pool) Acquire(ctx context.Context, taskID string) (int, error) {
	select {
	case slot := <-p.free:
		p.mu.Lock()
		p.assigned[slot] = taskID
		p.mu.Unlock()
		return slot, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// TryAcquire assigns a slot without blocking. Returns false if none is free.
func (p *Pool) TryAcquire(taskID string) (int, bool) {
	select {
	case slot := <-p.free:
		p.mu.Lock()
		p.assigned[slot] = taskID
		p.mu.Unlock()
		return slot, true
	default:
		return 0, false
	}
}

// Release returns a slot to the pool, unblocking one waiter if any. Releasing
// a slot that is not held is a no-op.
func (p *Pool) Release(slot int) {
	p.mu.Lock()
	_, held := p.assigned[slot]
	if held {
		delete(p.assigned, slot)
	}
	p.mu.Unlock()

	if held {
		p.free <- slot
	}
}

// Role returns the pool's role.
func (p *Pool) Role() Role {
	return p.role
}

// Capacity returns the fixed slot count.
func (p *Pool) Capacity() int {
	return p.capacity
}

// InUse returns the number of currently held slots.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.assigned)
}

// Snapshot returns the state of every slot, ordered by slot id.
func (p *Pool) Snapshot() []SlotState {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]SlotState, 0, p.capacity)
	for i := 1; i <= p.capacity; i++ {
		s := SlotState{ID: i, Status: "idle"}
		if taskID, ok := p.assigned[i]; ok {
			s.Status = "busy"
			s.TaskID = taskID
		}
		out = append(out, s)
	}
	return out
}

// Stats returns aggregate occupancy counts.
func (p *Pool) Stats() Stats {
	busy := p.InUse()
	return Stats{Role: p.role, Total: p.capacity, Busy: busy, Idle: p.capacity - busy}
}
