package coded

import (
	"fmt"
	"strings"

	"go.ytsaurus.tech/library/go/core/xerrors"
)

// Code is a stable identifier for an error class. Codes are registered once at
// package init; registering a duplicate panics at start.
type Code string

func (c Code) ID() string {
	return string(c)
}

// Contains reports whether any error in the wrap chain carries this code.
func (c Code) Contains(err error) bool {
	var codedErr CodedError
	unwrapped := err
	for xerrors.As(unwrapped, &codedErr) {
		if codedErr.Code() == c {
			return true
		}
		unwrapped = xerrors.Unwrap(codedErr)
	}
	return false
}

var knownCodes = make(map[Code]struct{})

func Register(parts ...string) Code {
	code := Code(strings.Join(parts, "."))
	if _, ok := knownCodes[code]; ok {
		panic(fmt.Sprintf("code: %s already registered", code))
	}
	knownCodes[code] = struct{}{}
	return code
}

type CodedError interface {
	error
	Code() Code
}

type codedError struct {
	err  error
	code Code
}

func (c *codedError) Code() Code {
	return c.code
}

func (c *codedError) Error() string {
	return c.err.Error()
}

func (c *codedError) Unwrap() error {
	return c.err
}

// Errorf works like xerrors.Errorf but stamps the result with a code.
func Errorf(code Code, format string, a ...interface{}) error {
	return &codedError{err: xerrors.Errorf(format, a...), code: code}
}
