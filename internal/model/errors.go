package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrResolutionNotFound marks a bounce or VERP token that does not lead to a
// live queue record. The message is still acknowledged.
var ErrResolutionNotFound = errors.New("resolution not found")

// SourceReadError is returned by a message source when a single message cannot
// be read. The batch continues with the next message.
type SourceReadError struct {
	MessageID string
	Err       error
}

func (e *SourceReadError) Error() string {
	return fmt.Sprintf("read message %s: %v", e.MessageID, e.Err)
}

func (e *SourceReadError) Unwrap() error { return e.Err }

// StoreWriteError wraps a persistence failure. The message it belongs to is
// left unacknowledged so the next run retries it.
type StoreWriteError struct {
	Op  string
	Err error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// ConfigError reports invalid mailbox or application configuration. It is the
// only error that aborts a whole run.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid configuration: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid configuration (%d problems): %s",
		len(e.Problems), strings.Join(e.Problems, "; "))
}

// NewConfigError builds a ConfigError from a formatted message.
func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Problems: []string{fmt.Sprintf(format, args...)}}
}

// IsConfigError reports whether err (or any error in its chain) is a ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

// IsStoreWriteError reports whether err (or any error in its chain) is a StoreWriteError.
func IsStoreWriteError(err error) bool {
	var storeErr *StoreWriteError
	return errors.As(err, &storeErr)
}

// IsSourceReadError reports whether err (or any error in its chain) is a SourceReadError.
func IsSourceReadError(err error) bool {
	var readErr *SourceReadError
	return errors.As(err, &readErr)
}
