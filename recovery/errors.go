package recovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"syscall"

	"github.com/ggoodman/sessionkeeper/store"
)

// Category classifies a failure for retry purposes.
type Category string

const (
	CategoryNetwork  Category = "network"
	CategoryAuth     Category = "auth"
	CategoryTimeout  Category = "timeout"
	CategoryStorage  Category = "storage"
	CategoryConflict Category = "conflict"
	CategoryUnknown  Category = "unknown"
)

// Categories lists every category in a stable order.
var Categories = []Category{
	CategoryNetwork, CategoryAuth, CategoryTimeout,
	CategoryStorage, CategoryConflict, CategoryUnknown,
}

var (
	// ErrRetriesExhausted matches every *ExhaustedError.
	ErrRetriesExhausted = errors.New("recovery: retries exhausted")
	// ErrDestroyed is returned by a destroyed Manager.
	ErrDestroyed = errors.New("recovery: manager destroyed")
)

// Error carries an explicit category for a failure.
type Error struct {
	Category Category
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(c Category, op string, err error) error {
	return &Error{Category: c, Op: op, Err: err}
}

// Network marks err as a transient connectivity failure.
func Network(op string, err error) error { return newError(CategoryNetwork, op, err) }

// Auth marks err as a permanent authentication failure.
func Auth(op string, err error) error { return newError(CategoryAuth, op, err) }

// Timeout marks err as a deadline failure.
func Timeout(op string, err error) error { return newError(CategoryTimeout, op, err) }

// Storage marks err as a persistence failure.
func Storage(op string, err error) error { return newError(CategoryStorage, op, err) }

// Conflict marks err as a concurrent-update disagreement.
func Conflict(op string, err error) error { return newError(CategoryConflict, op, err) }

// IsPermanent reports whether err belongs to a category that is never
// retried under the default policies.
func IsPermanent(err error) bool {
	switch Classify(err) {
	case CategoryAuth, CategoryConflict:
		return true
	}
	return false
}

// Classify maps err onto a Category. An explicit *Error wins; otherwise
// the error chain is inspected for well-known network, deadline and
// storage failures.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Category
	}
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return ex.Category
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return CategoryTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CategoryTimeout
	}
	switch {
	case errors.Is(err, store.ErrStaleWrite):
		return CategoryConflict
	case errors.Is(err, store.ErrQuotaExceeded), errors.Is(err, store.ErrClosed):
		return CategoryStorage
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return CategoryNetwork
	}
	var ue *url.Error
	if errors.As(err, &ue) || ne != nil {
		return CategoryNetwork
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return CategoryNetwork
	}
	return CategoryUnknown
}

// ExhaustedError is returned when an operation failed on every attempt its
// policy allowed.
type ExhaustedError struct {
	Category Category
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("recovery: %s failure after %d attempts: %v", e.Category, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Is matches ErrRetriesExhausted.
func (e *ExhaustedError) Is(target error) bool { return target == ErrRetriesExhausted }
