// Package perrors defines the sentinel errors the presence core can return.
//
// These carry no HTTP status: there is no HTTP boundary inside the
// replication core for a status code to cross. The admin HTTP surface
// (internal/httpapi) reports every error from the tracker as HTTP 500; it
// does not map individual sentinels to other statuses.
package perrors

import "errors"

// ErrNoPresence is returned by Update when the target (pid, topic, key)
// has no live presence. It is an ordinary return value, not logged.
var ErrNoPresence = errors.New("presence: no such (pid, topic, key)")

// ErrHandlerContractViolation names the handler-failure condition. The
// tracker server does not return or wrap it: a non-nil return from a
// tracker.Handler is logged and the server closes itself.
var ErrHandlerContractViolation = errors.New("presence: handler contract violation")

// ErrServerClosed is returned by Server methods once Close has completed.
var ErrServerClosed = errors.New("presence: server closed")

// ErrUnknownReplica names a lookup of a replica that has never been
// observed. Registry lookups report that case with ok=false instead; no
// function in this module returns this error.
var ErrUnknownReplica = errors.New("presence: unknown replica")

// Is reports whether err is, or wraps, target. Thin wrapper kept for callers
// that would otherwise need to import errors just for this one call.
func Is(err, target error) bool { return errors.Is(err, target) }
