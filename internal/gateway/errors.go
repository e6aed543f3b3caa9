package gateway

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// Kind classifies an engine failure so callers can branch on it without
// parsing messages themselves.
type Kind string

const (
	KindConnect     Kind = "connect_failure"
	KindConstraint  Kind = "constraint_violation"
	KindDeadlock    Kind = "deadlock"
	KindLockTimeout Kind = "lock_timeout"
	KindNotFound    Kind = "not_found"
	KindAllNodes    Kind = "all_nodes_unavailable"
	KindOther       Kind = "other"
)

// MySQL server error numbers the classifier relies on.
const (
	errDupEntry        = 1062
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

// Error is a typed failure from one node.
type Error struct {
	Kind Kind
	Node Node
	Err  error
}

func (e *Error) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s on %s: %v", e.Kind, e.Node, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from any error in the chain.
// Plain errors report KindOther.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindOther
}

// IsUnavailable reports whether the error means the node could not be
// reached at all, as opposed to the engine rejecting the statement.
func IsUnavailable(err error) bool {
	return KindOf(err) == KindConnect
}

// Classify wraps an engine error with its Kind.  The MySQL error number is
// the strong signal; message pattern-matching is the fallback for driver
// and transport failures that surface as plain errors.
func Classify(node Node, err error) *Error {
	if err == nil {
		return nil
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errDupEntry:
			return &Error{Kind: KindConstraint, Node: node, Err: err}
		case errDeadlock:
			return &Error{Kind: KindDeadlock, Node: node, Err: err}
		case errLockWaitTimeout:
			return &Error{Kind: KindLockTimeout, Node: node, Err: err}
		}
		return &Error{Kind: KindOther, Node: node, Err: err}
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &netErr) {
		return &Error{Kind: KindConnect, Node: node, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "bad connection"),
		strings.Contains(msg, "invalid connection"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "dial tcp"):
		return &Error{Kind: KindConnect, Node: node, Err: err}
	case strings.Contains(msg, "duplicate entry"), strings.Contains(msg, "duplicate key"):
		return &Error{Kind: KindConstraint, Node: node, Err: err}
	case strings.Contains(msg, "deadlock"):
		return &Error{Kind: KindDeadlock, Node: node, Err: err}
	case strings.Contains(msg, "lock wait timeout"):
		return &Error{Kind: KindLockTimeout, Node: node, Err: err}
	}
	return &Error{Kind: KindOther, Node: node, Err: err}
}
