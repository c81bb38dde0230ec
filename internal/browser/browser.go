// Package browser declares the capability contract required from the
// external browser-automation engine. The rest of the system depends only
// on these interfaces, never on automation-library internals; embedders
// supply a Launcher for the engine of their choice.
package browser

import (
	"context"
	"errors"
	"time"
)

// ErrElementNotFound reports that a selector did not match within the
// wait budget. Callers use it to tell "page differs from expectation"
// apart from engine failures.
var ErrElementNotFound = errors.New("browser: element not found")

// WaitPolicy selects how long a navigation blocks before returning.
type WaitPolicy string

const (
	// WaitLoad waits for the full load event.
	WaitLoad WaitPolicy = "load"
	// WaitDOMContentLoaded waits only for DOM readiness.
	WaitDOMContentLoaded WaitPolicy = "domcontentloaded"
)

// Launcher creates session hosts.
type Launcher interface {
	Launch(ctx context.Context) (Host, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context) (Host, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context) (Host, error) {
	return f(ctx)
}

// Host is the expensive shared automation environment. Sessions derived
// from it are isolated from each other.
type Host interface {
	NewSession(ctx context.Context) (Session, error)
	Close(ctx context.Context) error
}

// Session is one isolated automation context bound to one request.
type Session interface {
	Navigate(ctx context.Context, url string, wait WaitPolicy) error
	// WaitForElement blocks up to timeout for selector to match and
	// returns ErrElementNotFound when it never does.
	WaitForElement(ctx context.Context, selector string, timeout time.Duration) (Element, error)
	Close(ctx context.Context) error
}

// Element is a matched page element.
type Element interface {
	Text(ctx context.Context) (string, error)
	Type(ctx context.Context, text string) error
	Click(ctx context.Context) error
	SelectOption(ctx context.Context, value string) error
}
