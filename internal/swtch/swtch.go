// Package swtch is the single yield point of the system. Every CPU dispatch loop and every
// thread owns a Context; a handoff suspends the caller and resumes exactly one other
// Context, so at most one side of a handoff runs at a time.
package swtch

import (
	"runtime"
	"sync"

	"github.com/me/xvsched/pkg/model"
)

// Context is the saved execution state of a suspended goroutine.
type Context struct {
	wake chan struct{}
	dead chan struct{}
	once sync.Once
}

// New returns a suspended, never-run Context.
func New() *Context {
	return &Context{
		wake: make(chan struct{}, 1),
		dead: make(chan struct{}),
	}
}

func (c *Context) resume() {
	select {
	case c.wake <- struct{}{}:
	default:
		model.Fatal(model.FatalSchedState, "context resumed while already runnable")
	}
}

// wait parks the caller until c is resumed. It reports false if c was killed instead.
func (c *Context) wait() bool {
	select {
	case <-c.wake:
		return true
	case <-c.dead:
		return false
	}
}

// Switch saves the caller into from and resumes to. It returns when from is resumed again.
// If from is killed while suspended the calling goroutine unwinds via runtime.Goexit.
func Switch(from, to *Context) {
	to.resume()
	if !from.wait() {
		runtime.Goexit()
	}
}

// Exit resumes to and terminates the calling goroutine. It does not return.
func Exit(to *Context) {
	to.resume()
	runtime.Goexit()
}

// Start spawns the goroutine backing c. fn runs the first time c is resumed; a Context
// killed before it ever ran never calls fn.
func Start(c *Context, fn func()) {
	go func() {
		if !c.wait() {
			return
		}
		fn()
	}()
}

// Kill releases the goroutine parked in c, if any. It is safe to call more than once.
func (c *Context) Kill() {
	c.once.Do(func() { close(c.dead) })
}
