// Package workerpool provides the managed worker pools behind the
// request pipeline.
//
// Architecture overview
//
// The package is composed of three loosely coupled pieces:
//
//  1. Pool
//     A set of worker goroutines draining a priority-ordered queue.
//     Core and max sizes, keep-alive and queue bound can be changed
//     while running. Pools are introspectable: queued and running
//     tasks can be listed, removed, run inline, or dumped together
//     with labelled goroutine stacks.
//
//  2. Escalator
//     A decorator that watches a pool's queue head and grows the core
//     size, one worker at a time and never beyond the max size, when
//     the head stops moving. It restores liveness when workers are
//     blocked on external calls rather than truly deadlocked.
//
//  3. Registry
//     Owns pools by name, replaces stale pools, and tells listeners
//     when pools start and terminate. A Collector exports registry
//     pools to prometheus.
//
// Queue order
//
// Options.Less defines the dequeue order. Tasks the ordering considers
// equal are dequeued in submission order; without an ordering the
// queue is FIFO. Every queued task gets a sequence number that
// identifies it for Remove and for the escalator's progress check.
//
// Error handling
//
// Submission never panics or blocks: a closed pool returns
// ErrPoolClosed and a full bounded queue returns ErrQueueFull. Panics
// inside tasks are recovered, reported through Options.OnTaskPanic and
// never stop the worker.
//
// CPU pinning
//
// On Linux, workers may optionally be pinned to specific CPUs, which
// suits the short, CPU-bound work of a triage stage.
package workerpool
