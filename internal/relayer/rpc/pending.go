// Package rpc tracks in-flight relayed requests awaiting an executor reply.
package rpc

import (
	"sync"

	"github.com/google/uuid"
)

// Result carries an executor's reply to a relayed request. Err is the
// executor's error message; empty means success.
type Result[T any] struct {
	Value T
	Err   string
}

// Table matches replies to waiting HTTP handlers by request id. Each entry
// is single-shot: the first Resolve wins and removes the entry, so a reply
// arriving after the waiter timed out is simply reported as unmatched.
type Table[T any] struct {
	mu      sync.Mutex
	waiters map[uuid.UUID]chan Result[T]
}

// NewTable creates an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{waiters: make(map[uuid.UUID]chan Result[T])}
}

// Register creates a waiter for the request id. The caller must either
// receive on the channel or call Remove.
func (t *Table[T]) Register(id uuid.UUID) <-chan Result[T] {
	ch := make(chan Result[T], 1)
	t.mu.Lock()
	t.waiters[id] = ch
	t.mu.Unlock()
	return ch
}

// Resolve delivers a reply to the waiter, if one is still registered.
// Returns false when the request id is unknown or already resolved.
func (t *Table[T]) Resolve(id uuid.UUID, value T, errMsg string) bool {
	t.mu.Lock()
	ch, ok := t.waiters[id]
	if ok {
		delete(t.waiters, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- Result[T]{Value: value, Err: errMsg}
	return true
}

// Remove discards a waiter without resolving it. Safe to call after Resolve.
func (t *Table[T]) Remove(id uuid.UUID) {
	t.mu.Lock()
	delete(t.waiters, id)
	t.mu.Unlock()
}
