// Package driver defines the opaque browser-automation driver surface the
// engine executes against: pages, frames, locators, downloads, and the
// network and console event hooks. Production bindings adapt a real
// browser engine to these interfaces; drivertest provides a deterministic
// in-memory simulator.
package driver

import (
	"context"
	"regexp"
)

// WaitState names the observable DOM states a selector wait can target.
type WaitState string

const (
	StateVisible  WaitState = "visible"
	StateAttached WaitState = "attached"
	StateHidden   WaitState = "hidden"
	StateDetached WaitState = "detached"
)

// RequestEvent is emitted when the page issues a request.
type RequestEvent struct {
	URL          string
	Method       string
	ResourceType string
}

// ResponseEvent is emitted when a response completes. Body carries the
// already-buffered payload; drivers must not require a second fetch.
type ResponseEvent struct {
	URL         string
	Status      int
	ContentType string
	Body        []byte
}

// RequestFailedEvent is emitted when a request aborts before a response.
type RequestFailedEvent struct {
	URL     string
	Method  string
	Failure string
}

// ConsoleEvent is a console message from page scripts.
type ConsoleEvent struct {
	Kind string
	Text string
}

// Browser owns isolation contexts.
type Browser interface {
	NewContext(ctx context.Context) (BrowserContext, error)
	Close(ctx context.Context) error
}

// BrowserContext is one isolation unit: cookie jar, storage, pages.
type BrowserContext interface {
	NewPage(ctx context.Context) (Page, error)
	Pages() []Page
	ClearCookies(ctx context.Context) error
	ClearPermissions(ctx context.Context) error
	Close(ctx context.Context) error
}

// Page is a single tab. Event hooks register synchronously: a handler
// added before an effecting call observes every event that call causes.
type Page interface {
	Goto(ctx context.Context, url string) error
	URL() string
	Title(ctx context.Context) (string, error)
	MainFrame() Frame
	Frames() []Frame
	Locator(selector string) Locator
	Evaluate(ctx context.Context, expression string, arg interface{}) (interface{}, error)

	// ExpectDownload arms a download expectation, runs trigger, and
	// returns the download the trigger caused.
	ExpectDownload(ctx context.Context, trigger func(context.Context) error) (Download, error)

	// WaitForURL blocks until the page URL matches pattern or ctx ends.
	WaitForURL(ctx context.Context, pattern *regexp.Regexp) error
	// WaitForFunction blocks until the evaluated expression is truthy.
	WaitForFunction(ctx context.Context, expression string, arg interface{}) error

	OnRequest(fn func(RequestEvent)) (remove func())
	OnResponse(fn func(ResponseEvent)) (remove func())
	OnRequestFailed(fn func(RequestFailedEvent)) (remove func())
	OnConsole(fn func(ConsoleEvent)) (remove func())
	OnPageError(fn func(err error)) (remove func())

	Close(ctx context.Context) error
	IsClosed() bool
}

// Frame is one frame within a page. The main frame's FrameID is "main"
// and its ParentID is empty. Frames() lists frames parent-first.
type Frame interface {
	FrameID() string
	ParentID() string
	URL() string
	Locator(selector string) Locator
	Evaluate(ctx context.Context, expression string, arg interface{}) (interface{}, error)
}

// Locator is a lazily-bound element reference.
type Locator interface {
	Click(ctx context.Context) error
	Fill(ctx context.Context, text string) error
	SelectOption(ctx context.Context, value string) error
	SetInputFiles(ctx context.Context, path string) error
	Count(ctx context.Context) (int, error)
	TextContent(ctx context.Context) (string, error)
	GetAttribute(ctx context.Context, name string) (string, error)
	WaitFor(ctx context.Context, state WaitState) error
}

// Download is a completed file download awaiting persistence.
type Download interface {
	SuggestedFilename() string
	SaveAs(ctx context.Context, path string) error
}
