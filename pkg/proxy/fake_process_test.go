/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package proxy

import (
	"io"
	"sync"
	"syscall"

	"github.com/microsoft/dcpdbg/pkg/events"
	"github.com/microsoft/dcpdbg/pkg/process"
)

// fakeProcess is an in-memory process.Process whose lifecycle is driven by the test.
type fakeProcess struct {
	lock    *sync.Mutex
	pid     process.Pid_t
	killed  bool
	exited  bool
	status  process.ExitStatus
	sent    []any
	sendErr error
	kills   []syscall.Signal

	spawned  *events.Latch[struct{}]
	exit     *events.Latch[process.ExitStatus]
	closed   *events.Latch[process.ExitStatus]
	messages *events.Emitter[process.Message]
	errs     *events.Emitter[error]
}

func newFakeProcess(pid process.Pid_t) *fakeProcess {
	fp := &fakeProcess{
		lock:     &sync.Mutex{},
		pid:      pid,
		status:   process.ExitStatus{ExitCode: process.UnknownExitCode},
		spawned:  events.NewLatch[struct{}](),
		exit:     events.NewLatch[process.ExitStatus](),
		closed:   events.NewLatch[process.ExitStatus](),
		messages: events.NewEmitter[process.Message](),
		errs:     events.NewEmitter[error](),
	}
	fp.spawned.Fire(struct{}{})
	return fp
}

func (fp *fakeProcess) Pid() process.Pid_t {
	return fp.pid
}

func (fp *fakeProcess) Stdin() io.WriteCloser {
	return nil
}

func (fp *fakeProcess) Stdout() io.ReadCloser {
	return nil
}

func (fp *fakeProcess) Stderr() io.ReadCloser {
	return nil
}

func (fp *fakeProcess) Done() <-chan struct{} {
	return fp.exit.Done()
}

func (fp *fakeProcess) Signal(syscall.Signal) error {
	return nil
}

func (fp *fakeProcess) Killed() bool {
	fp.lock.Lock()
	defer fp.lock.Unlock()
	return fp.killed
}

func (fp *fakeProcess) Exited() bool {
	fp.lock.Lock()
	defer fp.lock.Unlock()
	return fp.exited
}

func (fp *fakeProcess) ExitCode() int32 {
	fp.lock.Lock()
	defer fp.lock.Unlock()
	return fp.status.ExitCode
}

func (fp *fakeProcess) SignalCode() string {
	fp.lock.Lock()
	defer fp.lock.Unlock()
	return fp.status.Signal
}

func (fp *fakeProcess) Send(msg any) error {
	fp.lock.Lock()
	defer fp.lock.Unlock()
	if fp.sendErr != nil {
		return fp.sendErr
	}
	fp.sent = append(fp.sent, msg)
	return nil
}

func (fp *fakeProcess) Kill(sig syscall.Signal) bool {
	fp.lock.Lock()
	defer fp.lock.Unlock()
	if fp.killed || fp.exited {
		return false
	}
	fp.killed = true
	fp.kills = append(fp.kills, sig)
	return true
}

func (fp *fakeProcess) OnSpawn(handler func()) events.Unsubscribe {
	return fp.spawned.On(func(struct{}) { handler() })
}

func (fp *fakeProcess) OnMessage(handler func(process.Message)) events.Unsubscribe {
	return fp.messages.On(handler)
}

func (fp *fakeProcess) OnExit(handler func(process.ExitStatus)) events.Unsubscribe {
	return fp.exit.On(handler)
}

func (fp *fakeProcess) OnClose(handler func(process.ExitStatus)) events.Unsubscribe {
	return fp.closed.On(handler)
}

func (fp *fakeProcess) OnError(handler func(error)) events.Unsubscribe {
	return fp.errs.On(handler)
}

func (fp *fakeProcess) emitMessage(raw string) {
	fp.messages.Emit(process.NewMessage([]byte(raw)))
}

// Simulates process exit followed by the close event.
func (fp *fakeProcess) exitWith(code int32) {
	status := process.ExitStatus{ExitCode: code}
	fp.lock.Lock()
	fp.exited = true
	fp.status = status
	fp.lock.Unlock()

	fp.exit.Fire(status)
	fp.closed.Fire(status)
	fp.messages.Clear()
	fp.errs.Clear()
}

var _ process.Process = (*fakeProcess)(nil)
