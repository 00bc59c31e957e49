package core

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Invoker is the goroutine-spawning seam the engine and the gossip
// scheduler use instead of calling `go` directly, carried over from
// the teacher's core.Invoker. Routing every background goroutine
// through one seam lets tests wait for a clean shutdown and run
// go.uber.org/goleak afterwards with no false positives.
type Invoker interface {
	// Spawn runs f on its own goroutine, tracked for Wait.
	Spawn(f func())

	// Wait blocks until every spawned goroutine has returned,
	// returning the first non-nil error any of them produced.
	Wait() error
}

// GroupInvoker backs Invoker with golang.org/x/sync/errgroup instead
// of a bare sync.WaitGroup, so a panic-free error returned by any
// spawned task cancels the shared context the whole engine watches.
type GroupInvoker struct {
	group *errgroup.Group
}

// NewGroupInvoker builds an Invoker bound to a child of parent; the
// returned context is cancelled as soon as any spawned task's wrapped
// function returns a non-nil error, or when Wait's caller cancels
// parent.
func NewGroupInvoker(parent context.Context) (*GroupInvoker, context.Context) {
	group, ctx := errgroup.WithContext(parent)
	return &GroupInvoker{group: group}, ctx
}

// Spawn implements Invoker. f is always run to completion; panics are
// not recovered here, matching the teacher's bare `go func(){ f() }()`.
func (g *GroupInvoker) Spawn(f func()) {
	g.group.Go(func() error {
		f()
		return nil
	})
}

// SpawnErr is like Spawn but propagates f's error through Wait,
// cancelling the group's context for every other spawned task.
func (g *GroupInvoker) SpawnErr(f func() error) {
	g.group.Go(f)
}

func (g *GroupInvoker) Wait() error {
	return g.group.Wait()
}
