// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package txn

import (
	"errors"
	"fmt"
)

// Conflict is the error returned when a unit of work cannot acquire
// an object. Remote conflicts are those where the object is held on
// behalf of another host: resolving them requires network progress,
// not only progress by local units of work.
type Conflict struct {
	// Remote is true when the object is being recalled from, or
	// returned to, another host.
	Remote bool
	// Object describes the object that could not be acquired.
	Object interface{}
}

// Error implements error.
func (c *Conflict) Error() string {
	if c.Remote {
		return fmt.Sprintf("remote conflict on %v", c.Object)
	}
	return fmt.Sprintf("conflict on %v", c.Object)
}

// IsConflict tells whether err is, or wraps, a Conflict.
func IsConflict(err error) bool {
	var c *Conflict
	return errors.As(err, &c)
}

// IsRemote tells whether err is, or wraps, a remote Conflict.
func IsRemote(err error) bool {
	var c *Conflict
	return errors.As(err, &c) && c.Remote
}

// Outcome is the result of running a unit of work. Schedulers use
// it to decide whether to commit, retry, or fail.
type Outcome int

const (
	// Ok indicates the unit of work completed.
	Ok Outcome = iota
	// Conflicted indicates a conflict with a local unit of work.
	Conflicted
	// RemoteConflicted indicates a conflict that requires network
	// progress to resolve.
	RemoteConflicted
	// Failed indicates a non-retryable error.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Ok:
		return "ok"
	case Conflicted:
		return "conflicted"
	case RemoteConflicted:
		return "remote-conflicted"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Retry tells whether the unit of work should be retried.
func (o Outcome) Retry() bool {
	return o == Conflicted || o == RemoteConflicted
}

// OutcomeOf classifies the error returned by a unit of work.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return Ok
	case IsRemote(err):
		return RemoteConflicted
	case IsConflict(err):
		return Conflicted
	default:
		return Failed
	}
}
