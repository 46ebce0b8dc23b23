// Copyright 2021 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package linuxerr contains error codes exported as error interface pointers.
// This allows for fast comparison and return operations comparable to
// unix.Errno constants.
//
// The codes map onto the translation engine's failure classes: ENOMEM and
// EAGAIN are resource exhaustion, EINVAL, EPERM and EEXIST reject a request
// before any mutation, ENOENT reports a missing translation and EFAULT wraps
// hardware-reported faults.
package linuxerr

import (
	stderrors "errors"

	"golang.org/x/sys/unix"
	"xlat.dev/xlat/pkg/errors"
)

// The following errors are semantically identical to Errno of type
// unix.Errno. However, since the types are distinct (these are
// *errors.Error), they are not directly comparable. The Errno method returns
// an Errno number such that the error can be compared to unix.Errno (e.g.
// ENOMEM.Errno() == unix.ENOMEM is true).
var (
	noError *errors.Error = nil
	EPERM                 = errors.New(unix.EPERM, "operation not permitted")
	ENOENT                = errors.New(unix.ENOENT, "no such entry")
	EAGAIN                = errors.New(unix.EAGAIN, "try again")
	ENOMEM                = errors.New(unix.ENOMEM, "out of memory")
	EFAULT                = errors.New(unix.EFAULT, "bad address")
	EBUSY                 = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST                = errors.New(unix.EEXIST, "entry exists")
	EINVAL                = errors.New(unix.EINVAL, "invalid argument")
	ERANGE                = errors.New(unix.ERANGE, "result not representable")
)

var errorByErrno = map[unix.Errno]*errors.Error{
	unix.EPERM:  EPERM,
	unix.ENOENT: ENOENT,
	unix.EAGAIN: EAGAIN,
	unix.ENOMEM: ENOMEM,
	unix.EFAULT: EFAULT,
	unix.EBUSY:  EBUSY,
	unix.EEXIST: EEXIST,
	unix.EINVAL: EINVAL,
	unix.ERANGE: ERANGE,
}

// ErrorFromUnix returns a linuxerr from a unix.Errno. Errnos without a
// registered value are returned unchanged.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	if e, ok := errorByErrno[err]; ok {
		return e
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	return unixErr
}

// Equals compares a linuxerr to a given error. Wrapped errors are unwrapped
// until a match is found.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == noError
	}
	for err != nil {
		if err == error(e) {
			return true
		}
		if ue, ok := err.(unix.Errno); ok && e != noError && ue == e.Errno() {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}
