// Copyright 2024 Freifunk Stuttgart e.V.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package launcher

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/freifunk-stuttgart/meshmon/pkg/private/serrors"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = serrors.New("already locked by another process")

// FileLock is an exclusive advisory lock on a file. Other mutators of the
// same persisted state (the key repository, the node database) take the
// same lock, so at most one of them runs at a time.
type FileLock struct {
	file *os.File
}

// AcquireFileLock takes the exclusive lock on path, creating the file if
// needed. It does not block: if another process holds the lock the call
// fails with ErrLocked.
func AcquireFileLock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, serrors.Wrap("opening lock file", err, "file", path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, serrors.JoinNoStack(ErrLocked, nil, "file", path)
		}
		return nil, serrors.Wrap("locking file", err, "file", path)
	}
	return &FileLock{file: f}, nil
}

// Release drops the lock. The lock file itself is left in place.
func (l *FileLock) Release() error {
	if l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return serrors.Wrap("unlocking file", err)
	}
	return closeErr
}
