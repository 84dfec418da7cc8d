// Package errs defines the venue's table-driven failure codes.
//
// Every rejected call returns an *Error carrying a numeric Code, the Category it
// belongs to and the message resolved from a Table. Categories are sentinels, so
// callers branch with errors.Is(err, errs.ErrSlippage) without parsing messages.
package errs

import (
	"errors"
	"fmt"
	"sync"
)

// Category classifies a failure independently of its message.
type Category uint8

const (
	Authorization Category = iota + 1
	InvalidParameter
	InsufficientLiquidity
	StalePrice
	Deviation
	CooldownNotElapsed
	Slippage
	Leverage
)

var categoryNames = map[Category]string{
	Authorization:         "authorization",
	InvalidParameter:      "invalid parameter",
	InsufficientLiquidity: "insufficient liquidity",
	StalePrice:            "stale price",
	Deviation:             "deviation",
	CooldownNotElapsed:    "cooldown not elapsed",
	Slippage:              "slippage",
	Leverage:              "leverage",
}

func (c Category) String() string {
	if n, ok := categoryNames[c]; ok {
		return n
	}
	return fmt.Sprintf("category(%d)", uint8(c))
}

// Error implements error so a Category can be used as an errors.Is target.
func (c Category) Error() string { return c.String() }

var (
	ErrAuthorization         error = Authorization
	ErrInvalidParameter      error = InvalidParameter
	ErrInsufficientLiquidity error = InsufficientLiquidity
	ErrStalePrice            error = StalePrice
	ErrDeviation             error = Deviation
	ErrCooldownNotElapsed    error = CooldownNotElapsed
	ErrSlippage              error = Slippage
	ErrLeverage              error = Leverage
)

// Error is a rejected operation.
type Error struct {
	Code     Code
	Category Category
	Message  string
}

func (e *Error) Error() string { return e.Message }

// Is matches either the category sentinel or another *Error with the same code.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Category:
		return e.Category == t
	case *Error:
		return e.Code == t.Code
	}
	return false
}

// CodeOf extracts the code from err, or 0 when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// CategoryOf extracts the category from err, or 0 when err is not an *Error.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return 0
}

// Table resolves codes to messages. Overrides are set by governance; codes without
// an override fall back to the built-in default.
type Table struct {
	mu        sync.RWMutex
	overrides map[Code]string
}

func NewTable() *Table {
	return &Table{overrides: make(map[Code]string)}
}

// Set overrides the message for code. An empty message restores the default.
func (t *Table) Set(code Code, msg string) error {
	if _, ok := defaults[code]; !ok {
		return fmt.Errorf("errs: unknown code %d", code)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if msg == "" {
		delete(t.overrides, code)
		return nil
	}
	t.overrides[code] = msg
	return nil
}

func (t *Table) Message(code Code) string {
	t.mu.RLock()
	msg, ok := t.overrides[code]
	t.mu.RUnlock()
	if ok {
		return msg
	}
	if d, ok := defaults[code]; ok {
		return d.msg
	}
	return fmt.Sprintf("error code %d", code)
}

// Err builds the *Error for code.
func (t *Table) Err(code Code) *Error {
	return &Error{Code: code, Category: code.Category(), Message: t.Message(code)}
}

// Overrides returns a copy of the current overrides.
func (t *Table) Overrides() map[Code]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[Code]string, len(t.overrides))
	for k, v := range t.overrides {
		out[k] = v
	}
	return out
}

// Default is the table used when no governed table is wired.
var Default = NewTable()

// New builds the *Error for code from the default table.
func New(code Code) *Error {
	return Default.Err(code)
}
