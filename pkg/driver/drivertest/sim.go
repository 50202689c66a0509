// Package drivertest provides a deterministic in-memory implementation of
// the driver interfaces for tests and demos. Pages hold a flat element
// model, routes synthesize network traffic, and every mutation wakes
// level-triggered waiters so waits resolve without polling.
package drivertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/mindsync-ai/predator/pkg/driver"
)

var ErrTargetNotFound = errors.New("drivertest: no element matches selector")

// Browser is the root of a simulated driver.
type Browser struct {
	mu       sync.Mutex
	contexts []*Context
	closed   bool
}

func NewBrowser() *Browser {
	return &Browser{}
}

func (b *Browser) NewContext(ctx context.Context) (driver.BrowserContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("drivertest: browser closed")
	}
	c := &Context{browser: b}
	b.contexts = append(b.contexts, c)
	return c, nil
}

func (b *Browser) Close(ctx context.Context) error {
	b.mu.Lock()
	contexts := append([]*Context(nil), b.contexts...)
	b.closed = true
	b.mu.Unlock()
	for _, c := range contexts {
		_ = c.Close(ctx)
	}
	return nil
}

// Context is one simulated isolation unit.
type Context struct {
	mu               sync.Mutex
	browser          *Browser
	pages            []*Page
	closed           bool
	CookiesCleared   int
	PermsCleared     int
	// Routes installed on the context apply to every new page.
	routes map[string]Route
}

// Route describes what a navigation to a URL produces.
type Route struct {
	Status      int
	ContentType string
	Body        []byte
	// Setup mutates the page DOM after navigation commits.
	Setup func(p *Page)
}

// HandleRoute installs a navigation route for url on the context.
func (c *Context) HandleRoute(url string, r Route) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.routes == nil {
		c.routes = map[string]Route{}
	}
	c.routes = copyRoutes(c.routes)
	c.routes[url] = r
}

func copyRoutes(in map[string]Route) map[string]Route {
	out := make(map[string]Route, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (c *Context) NewPage(ctx context.Context) (driver.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("drivertest: context closed")
	}
	p := newPage(c)
	c.pages = append(c.pages, p)
	return p, nil
}

func (c *Context) Pages() []driver.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]driver.Page, 0, len(c.pages))
	for _, p := range c.pages {
		if !p.IsClosed() {
			out = append(out, p)
		}
	}
	return out
}

func (c *Context) ClearCookies(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CookiesCleared++
	return nil
}

func (c *Context) ClearPermissions(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PermsCleared++
	return nil
}

func (c *Context) Close(ctx context.Context) error {
	c.mu.Lock()
	pages := append([]*Page(nil), c.pages...)
	c.closed = true
	c.mu.Unlock()
	for _, p := range pages {
		_ = p.Close(ctx)
	}
	return nil
}

// Element is one interactive DOM node in the simulated page.
type Element struct {
	Selector      string
	Role          string
	Name          string
	Type          string
	Visible       bool
	Enabled       bool
	Required      bool
	Checked       *bool
	Value         string
	Text          string
	Attrs         map[string]string
	SelectorHints []string
	// OnClick runs when the element is clicked.
	OnClick func(p *Page)
	// DownloadName/DownloadBody make a click yield a download while an
	// expectation is armed.
	DownloadName string
	DownloadBody []byte
	UploadedPath string
}

// FormDef is a declared form in the simulated page.
type FormDef struct {
	LocalID         string
	FieldKeys       []string
	RequiredMissing int
	SubmitKey       string
	ValidationKeys  []string
}

// VisibleError is a simulated visible error node.
type VisibleError struct {
	Text string
	Kind string
}

type handlerSet[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

func (h *handlerSet[T]) add(fn func(T)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fns == nil {
		h.fns = map[int]func(T){}
	}
	id := h.next
	h.next++
	h.fns[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.fns, id)
	}
}

func (h *handlerSet[T]) emit(event T) {
	h.mu.Lock()
	fns := make([]func(T), 0, len(h.fns))
	for _, fn := range h.fns {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(event)
	}
}

// Page simulates a single tab.
type Page struct {
	mu         sync.Mutex
	ctx        *Context
	url        string
	title      string
	readyState string
	elements   []*Element
	forms      []FormDef
	errorsVis  []VisibleError
	closed     bool
	changed    chan struct{}

	// evalHandler answers Evaluate calls the simulator does not model.
	evalHandler func(expression string, arg interface{}) (interface{}, bool)

	pendingDownload chan *Download
	childFrames     []*simFrame

	onRequest       handlerSet[driver.RequestEvent]
	onResponse      handlerSet[driver.ResponseEvent]
	onRequestFailed handlerSet[driver.RequestFailedEvent]
	onConsole       handlerSet[driver.ConsoleEvent]
	onPageError     handlerSet[error]
}

func newPage(c *Context) *Page {
	return &Page{
		ctx:        c,
		url:        "about:blank",
		readyState: "complete",
		changed:    make(chan struct{}),
	}
}

// notifyLocked wakes every waiter. Callers hold p.mu.
func (p *Page) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// SetDOM replaces the element model.
func (p *Page) SetDOM(elements []*Element) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements = elements
	p.notifyLocked()
}

// AddElement appends one element.
func (p *Page) AddElement(e *Element) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements = append(p.elements, e)
	p.notifyLocked()
}

// RemoveElement drops the first element matching selector.
func (p *Page) RemoveElement(selector string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.elements {
		if e.Selector == selector {
			p.elements = append(p.elements[:i], p.elements[i+1:]...)
			p.notifyLocked()
			return true
		}
	}
	return false
}

// SetForms replaces the declared forms.
func (p *Page) SetForms(forms []FormDef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forms = forms
	p.notifyLocked()
}

// SetVisibleErrors replaces the visible error nodes.
func (p *Page) SetVisibleErrors(errs []VisibleError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errorsVis = errs
	p.notifyLocked()
}

// SetTitle sets the page title.
func (p *Page) SetTitle(title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.title = title
}

// SetEvalHandler installs a fallback for Evaluate expressions the
// simulator does not recognize.
func (p *Page) SetEvalHandler(fn func(expression string, arg interface{}) (interface{}, bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evalHandler = fn
}

// AddChildFrame attaches a child frame with its own element model.
func (p *Page) AddChildFrame(id, url string) *Page {
	sub := newPage(p.ctx)
	sub.url = url
	p.mu.Lock()
	defer p.mu.Unlock()
	p.childFrames = append(p.childFrames, &simFrame{id: id, parent: "main", page: sub})
	p.notifyLocked()
	return sub
}

// EmitResponse synthesizes a request/response pair, as an in-page fetch
// would produce.
func (p *Page) EmitResponse(url string, status int, contentType string, body []byte) {
	p.onRequest.emit(driver.RequestEvent{URL: url, Method: "GET", ResourceType: "fetch"})
	p.onResponse.emit(driver.ResponseEvent{URL: url, Status: status, ContentType: contentType, Body: body})
}

// FailRequest synthesizes an aborted request.
func (p *Page) FailRequest(url, reason string) {
	p.onRequest.emit(driver.RequestEvent{URL: url, Method: "GET", ResourceType: "fetch"})
	p.onRequestFailed.emit(driver.RequestFailedEvent{URL: url, Method: "GET", Failure: reason})
}

// EmitConsole synthesizes a console message.
func (p *Page) EmitConsole(kind, text string) {
	p.onConsole.emit(driver.ConsoleEvent{Kind: kind, Text: text})
}

// EmitPageError synthesizes an uncaught page error.
func (p *Page) EmitPageError(err error) {
	p.onPageError.emit(err)
}

func (p *Page) Goto(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("drivertest: page closed")
	}
	var route Route
	var found bool
	if p.ctx != nil {
		p.ctx.mu.Lock()
		route, found = p.ctx.routes[url]
		p.ctx.mu.Unlock()
	}
	p.url = url
	p.readyState = "complete"
	p.elements = nil
	p.forms = nil
	p.errorsVis = nil
	p.notifyLocked()
	p.mu.Unlock()

	p.onRequest.emit(driver.RequestEvent{URL: url, Method: "GET", ResourceType: "document"})
	if found {
		status := route.Status
		if status == 0 {
			status = 200
		}
		contentType := route.ContentType
		if contentType == "" {
			contentType = "text/html"
		}
		p.onResponse.emit(driver.ResponseEvent{URL: url, Status: status, ContentType: contentType, Body: route.Body})
		if route.Setup != nil {
			route.Setup(p)
		}
	} else {
		p.onResponse.emit(driver.ResponseEvent{URL: url, Status: 200, ContentType: "text/html"})
	}
	return nil
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Title(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title, nil
}

func (p *Page) MainFrame() driver.Frame {
	return &simFrame{id: "main", page: p}
}

func (p *Page) Frames() []driver.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := []driver.Frame{&simFrame{id: "main", page: p}}
	for _, f := range p.childFrames {
		out = append(out, f)
	}
	return out
}

func (p *Page) Locator(selector string) driver.Locator {
	return &simLocator{page: p, selector: selector}
}

func (p *Page) ExpectDownload(ctx context.Context, trigger func(context.Context) error) (driver.Download, error) {
	ch := make(chan *Download, 1)
	p.mu.Lock()
	p.pendingDownload = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.pendingDownload = nil
		p.mu.Unlock()
	}()

	if err := trigger(ctx); err != nil {
		return nil, err
	}
	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Page) WaitForURL(ctx context.Context, pattern *regexp.Regexp) error {
	for {
		p.mu.Lock()
		url := p.url
		changed := p.changed
		p.mu.Unlock()
		if pattern.MatchString(url) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (p *Page) WaitForFunction(ctx context.Context, expression string, arg interface{}) error {
	for {
		p.mu.Lock()
		changed := p.changed
		p.mu.Unlock()
		value, err := p.Evaluate(ctx, expression, arg)
		if err != nil {
			return err
		}
		if truthy(value) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}

func (p *Page) OnRequest(fn func(driver.RequestEvent)) func() {
	return p.onRequest.add(fn)
}

func (p *Page) OnResponse(fn func(driver.ResponseEvent)) func() {
	return p.onResponse.add(fn)
}

func (p *Page) OnRequestFailed(fn func(driver.RequestFailedEvent)) func() {
	return p.onRequestFailed.add(fn)
}

func (p *Page) OnConsole(fn func(driver.ConsoleEvent)) func() {
	return p.onConsole.add(fn)
}

func (p *Page) OnPageError(fn func(error)) func() {
	return p.onPageError.add(fn)
}

func (p *Page) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.notifyLocked()
	}
	return nil
}

func (p *Page) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Evaluate answers the extraction and hygiene scripts the engine issues.
// Anything unrecognized falls through to the installed eval handler.
func (p *Page) Evaluate(ctx context.Context, expression string, arg interface{}) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch {
	case strings.Contains(expression, "document.readyState"):
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.readyState, nil
	case strings.Contains(expression, "selectorHints"):
		return p.evalElements(), nil
	case strings.Contains(expression, "document.forms"):
		return p.evalForms(), nil
	case strings.Contains(expression, `[role="alert"]`):
		return p.evalErrors(), nil
	case strings.Contains(expression, "localStorage") || strings.Contains(expression, "indexedDB"):
		return nil, nil
	}
	p.mu.Lock()
	handler := p.evalHandler
	p.mu.Unlock()
	if handler != nil {
		if value, ok := handler(expression, arg); ok {
			return value, nil
		}
	}
	return nil, nil
}

func (p *Page) evalElements() []interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]interface{}, 0, len(p.elements))
	for _, e := range p.elements {
		if !e.Visible {
			continue
		}
		var checked interface{}
		if e.Checked != nil {
			checked = *e.Checked
		}
		var valueHint interface{}
		if e.Value != "" {
			valueHint = e.Value
		}
		hints := make([]interface{}, 0, len(e.SelectorHints))
		for _, h := range e.SelectorHints {
			hints = append(hints, h)
		}
		out = append(out, map[string]interface{}{
			"role":          e.Role,
			"nameShort":     e.Name,
			"elementType":   e.Type,
			"enabled":       e.Enabled,
			"visible":       e.Visible,
			"required":      e.Required,
			"checked":       checked,
			"valueHint":     valueHint,
			"bboxNorm":      []interface{}{0.1, 0.1, 0.2, 0.05},
			"selectorHints": hints,
		})
	}
	return out
}

func (p *Page) evalForms() []interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]interface{}, 0, len(p.forms))
	for _, f := range p.forms {
		fieldKeys := make([]interface{}, 0, len(f.FieldKeys))
		for _, k := range f.FieldKeys {
			fieldKeys = append(fieldKeys, k)
		}
		validationKeys := make([]interface{}, 0, len(f.ValidationKeys))
		for _, k := range f.ValidationKeys {
			validationKeys = append(validationKeys, k)
		}
		var submitKey interface{}
		if f.SubmitKey != "" {
			submitKey = f.SubmitKey
		}
		out = append(out, map[string]interface{}{
			"localId":         f.LocalID,
			"fieldKeys":       fieldKeys,
			"requiredMissing": f.RequiredMissing,
			"submitKey":       submitKey,
			"validationKeys":  validationKeys,
		})
	}
	return out
}

func (p *Page) evalErrors() []interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]interface{}, 0, len(p.errorsVis))
	for _, e := range p.errorsVis {
		out = append(out, map[string]interface{}{
			"text": e.Text,
			"kind": e.Kind,
		})
	}
	return out
}

// findElement matches selector against Selector, "#id" attrs, and hints.
func (p *Page) findElement(selector string) *Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.elements {
		if e.Selector == selector {
			return e
		}
		for _, h := range e.SelectorHints {
			if h == selector {
				return e
			}
		}
		if id, ok := e.Attrs["id"]; ok && selector == "#"+id {
			return e
		}
	}
	return nil
}

type simFrame struct {
	id     string
	parent string
	page   *Page
}

func (f *simFrame) FrameID() string { return f.id }

func (f *simFrame) ParentID() string { return f.parent }

func (f *simFrame) URL() string { return f.page.URL() }

func (f *simFrame) Locator(selector string) driver.Locator {
	return &simLocator{page: f.page, selector: selector}
}

func (f *simFrame) Evaluate(ctx context.Context, expression string, arg interface{}) (interface{}, error) {
	return f.page.Evaluate(ctx, expression, arg)
}

type simLocator struct {
	page     *Page
	selector string
}

func (l *simLocator) resolve() (*Element, error) {
	e := l.page.findElement(l.selector)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, l.selector)
	}
	return e, nil
}

func (l *simLocator) Click(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, err := l.resolve()
	if err != nil {
		return err
	}
	if !e.Enabled {
		return fmt.Errorf("drivertest: element disabled: %s", l.selector)
	}
	if e.OnClick != nil {
		e.OnClick(l.page)
	}
	if e.DownloadName != "" {
		l.page.mu.Lock()
		pending := l.page.pendingDownload
		l.page.mu.Unlock()
		if pending != nil {
			pending <- &Download{name: e.DownloadName, body: e.DownloadBody}
		}
	}
	return nil
}

func (l *simLocator) Fill(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, err := l.resolve()
	if err != nil {
		return err
	}
	l.page.mu.Lock()
	e.Value = text
	l.page.notifyLocked()
	l.page.mu.Unlock()
	return nil
}

func (l *simLocator) SelectOption(ctx context.Context, value string) error {
	return l.Fill(ctx, value)
}

func (l *simLocator) SetInputFiles(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, err := l.resolve()
	if err != nil {
		return err
	}
	l.page.mu.Lock()
	e.UploadedPath = path
	l.page.notifyLocked()
	l.page.mu.Unlock()
	return nil
}

func (l *simLocator) Count(ctx context.Context) (int, error) {
	l.page.mu.Lock()
	defer l.page.mu.Unlock()
	n := 0
	for _, e := range l.page.elements {
		if e.Selector == l.selector {
			n++
		}
	}
	return n, nil
}

func (l *simLocator) TextContent(ctx context.Context) (string, error) {
	e, err := l.resolve()
	if err != nil {
		return "", err
	}
	return e.Text, nil
}

func (l *simLocator) GetAttribute(ctx context.Context, name string) (string, error) {
	e, err := l.resolve()
	if err != nil {
		return "", err
	}
	return e.Attrs[name], nil
}

func (l *simLocator) WaitFor(ctx context.Context, state driver.WaitState) error {
	for {
		l.page.mu.Lock()
		changed := l.page.changed
		l.page.mu.Unlock()

		e := l.page.findElement(l.selector)
		switch state {
		case driver.StateAttached:
			if e != nil {
				return nil
			}
		case driver.StateVisible:
			if e != nil && e.Visible {
				return nil
			}
		case driver.StateHidden:
			if e == nil || !e.Visible {
				return nil
			}
		case driver.StateDetached:
			if e == nil {
				return nil
			}
		default:
			return fmt.Errorf("drivertest: unknown wait state %q", state)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Download is a simulated completed download.
type Download struct {
	name string
	body []byte
}

func (d *Download) SuggestedFilename() string { return d.name }

func (d *Download) SaveAs(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, d.body, 0o644)
}

// JSONBody is a convenience for route and response bodies.
func JSONBody(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
