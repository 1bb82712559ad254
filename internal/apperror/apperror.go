// Package apperror classifies errors per the taxonomy in spec.md §7:
// configuration errors are fatal, transient transport errors are retried
// with backoff, permanent HTTP errors and schema errors are logged and
// dropped without tearing down the owning actor.
package apperror

import "errors"

// Class is the error taxonomy bucket an error belongs to.
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
	ClassFatal
	ClassSchema
)

// Classified wraps an error with its taxonomy class so callers (the
// backoff wrapper, the proxy, the operation handler) can branch on it
// without sentinel string matching.
type Classified struct {
	class Class
	err   error
}

func (c *Classified) Error() string { return c.err.Error() }
func (c *Classified) Unwrap() error { return c.err }
func (c *Classified) Class() Class  { return c.class }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Classified{class: ClassTransient, err: err}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Classified{class: ClassPermanent, err: err}
}

func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &Classified{class: ClassFatal, err: err}
}

func Schema(err error) error {
	if err == nil {
		return nil
	}
	return &Classified{class: ClassSchema, err: err}
}

// ClassOf returns the taxonomy class of err, defaulting to ClassPermanent
// for errors that were never classified (conservative: don't retry the
// unknown).
func ClassOf(err error) Class {
	var c *Classified
	if errors.As(err, &c) {
		return c.class
	}
	return ClassPermanent
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return ClassOf(err) == ClassTransient
}
