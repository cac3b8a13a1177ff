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
	"path/filepath"
	"time"

	"gopkg.in/check.v1"
)

type LockSuite struct{}

var _ = check.Suite(&LockSuite{})

func (s *LockSuite) TestAcquireReleaseCycle(c *check.C) {
	path := filepath.Join(c.MkDir(), "fleetadm.lock")
	lock := NewFileLock(path, time.Second)

	c.Assert(lock.Acquire(NewNopProgress()), check.IsNil)
	// Double acquire on the same object is refused
	c.Assert(lock.Acquire(NewNopProgress()), check.NotNil)
	c.Assert(lock.Release(), check.IsNil)
	// Release is safe to repeat so it can be deferred unconditionally
	c.Assert(lock.Release(), check.IsNil)
	// The lock can be taken again after release
	c.Assert(lock.Acquire(NewNopProgress()), check.IsNil)
	c.Assert(lock.Release(), check.IsNil)
}

func (s *LockSuite) TestBlocksSecondHolder(c *check.C) {
	path := filepath.Join(c.MkDir(), "fleetadm.lock")
	first := NewFileLock(path, time.Second)
	c.Assert(first.Acquire(NewNopProgress()), check.IsNil)

	second := NewFileLock(path, 10*time.Millisecond)
	acquired := make(chan error, 1)
	go func() {
		acquired <- second.Acquire(NewNopProgress())
	}()

	select {
	case <-acquired:
		c.Fatal("second holder acquired a held lock")
	case <-time.After(100 * time.Millisecond):
	}

	c.Assert(first.Release(), check.IsNil)
	select {
	case err := <-acquired:
		c.Assert(err, check.IsNil)
	case <-time.After(5 * time.Second):
		c.Fatal("second holder never acquired the lock")
	}
	c.Assert(second.Release(), check.IsNil)
}
