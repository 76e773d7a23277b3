package schemas

import (
	"context"
	"time"
)

// -- Browser Handles --

// ElementRef is a non-owning reference to a live DOM element. It is only valid
// while the document that produced it is alive; using it afterwards yields
// ErrStaleElement.
type ElementRef struct {
	ID string `json:"id"`
}

// IsZero reports whether the reference points nowhere.
func (r ElementRef) IsZero() bool { return r.ID == "" }

func (r ElementRef) String() string { return r.ID }

// WindowHandle identifies one tab or window within a browser session.
type WindowHandle string

// -- Browser Capability --

// Predicate is polled by Browser.WaitUntil.
type Predicate func(ctx context.Context) (bool, error)

// Browser is the DOM automation capability consumed by detection and interaction.
// Every call blocks and is bounded by the implementation's operation timeout.
type Browser interface {
	FindElements(ctx context.Context, selector string) ([]ElementRef, error)
	// GetAttribute returns the value and whether the attribute is present.
	GetAttribute(ctx context.Context, ref ElementRef, name string) (string, bool, error)
	GetGeometry(ctx context.Context, ref ElementRef) (Geometry, error)
	IsVisible(ctx context.Context, ref ElementRef) (bool, error)
	IsEnabled(ctx context.Context, ref ElementRef) (bool, error)

	// Click delivers a native click at the element's center. It may fail with
	// ErrElementNotInteractable or ErrClickIntercepted.
	Click(ctx context.Context, ref ElementRef) error
	// PointerClick moves the pointer to the element center shifted by the offset and clicks.
	PointerClick(ctx context.Context, ref ElementRef, offsetX, offsetY float64) error
	// ExecuteScript runs a function body that reads its inputs from arguments[i].
	// ElementRef arguments resolve to their elements. The return value is decoded into result when non-nil.
	ExecuteScript(ctx context.Context, script string, result any, args ...any) error

	CurrentURL(ctx context.Context) (string, error)
	CurrentWindow(ctx context.Context) (WindowHandle, error)
	AllWindows(ctx context.Context) ([]WindowHandle, error)
	SwitchToWindow(ctx context.Context, handle WindowHandle) error
	CloseCurrentWindow(ctx context.Context) error

	// WaitUntil polls predicate until it returns true or timeout elapses.
	// A timeout returns (false, nil).
	WaitUntil(ctx context.Context, predicate Predicate, timeout time.Duration) (bool, error)
}

// Navigator loads a URL in the active window and waits for the document.
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}

// Page is a Browser that can also navigate. The scanner needs both.
type Page interface {
	Browser
	Navigator
}
