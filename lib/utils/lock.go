/*
Copyright 2020 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

import (
	"os"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// FileLock is a process-wide advisory lock backed by flock(2) on a single
// file path. It serializes mutating operations across fleetadm invocations
// on the same host.
type FileLock struct {
	logrus.FieldLogger
	// Path is the lock file path
	Path string
	// WaitNotice is how long Acquire stays silent before reporting that
	// it is blocked on another process
	WaitNotice time.Duration
	// Clock drives the wait notice timer
	Clock clockwork.Clock

	file *os.File
}

// NewFileLock returns an unacquired lock on the specified path
func NewFileLock(path string, waitNotice time.Duration) *FileLock {
	return &FileLock{
		FieldLogger: logrus.WithField(trace.Component, "fleetadm:lock"),
		Path:        path,
		WaitNotice:  waitNotice,
		Clock:       clockwork.NewRealClock(),
	}
}

// Acquire blocks until the lock is held, reporting to progress if another
// process holds it for longer than the wait notice
func (l *FileLock) Acquire(progress Progress) error {
	if l.file != nil {
		return trace.AlreadyExists("lock %v is already held", l.Path)
	}
	if err := os.MkdirAll(filepath.Dir(l.Path), 0755); err != nil {
		return trace.ConvertSystemError(err)
	}
	file, err := os.OpenFile(l.Path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return trace.ConvertSystemError(err)
	}

	// Try without blocking first so the common uncontended case does not
	// spawn the notice timer.
	err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		l.file = file
		return nil
	}
	if err != unix.EWOULDBLOCK {
		file.Close()
		return trace.ConvertSystemError(err)
	}

	acquired := make(chan error, 1)
	go func() {
		acquired <- unix.Flock(int(file.Fd()), unix.LOCK_EX)
	}()
	timer := l.Clock.After(l.WaitNotice)
	for {
		select {
		case err := <-acquired:
			if err != nil {
				file.Close()
				return trace.ConvertSystemError(err)
			}
			l.file = file
			return nil
		case <-timer:
			progress.Print("Waiting for another process to release the lock on %v.", l.Path)
			timer = nil
		}
	}
}

// Release drops the lock. It is safe to call on an unacquired lock so it
// can be deferred on every exit path.
func (l *FileLock) Release() error {
	if l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	if errClose := l.file.Close(); errClose != nil && err == nil {
		err = errClose
	}
	l.file = nil
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}
