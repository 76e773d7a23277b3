// File: internal/mocks/fake_browser.go
package mocks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/adprobe/api/schemas"
)

// FakeElement is one node of a FakeBrowser document.
type FakeElement struct {
	Tag      string
	Attrs    map[string]string
	Text     string
	Geometry schemas.Geometry
	Hidden   bool
	Disabled bool

	// OnClick runs after any click strategy reaches the element.
	OnClick func(b *FakeBrowser)
	// Injected failures, one per click strategy.
	ClickErr       error
	ScriptClickErr error
	PointerErr     error

	id  string
	doc *fakeDocument
}

// ID returns the reference identity assigned when the element was loaded.
func (e *FakeElement) ID() string { return e.id }

// Ref returns the element's reference.
func (e *FakeElement) Ref() schemas.ElementRef { return schemas.ElementRef{ID: e.id} }

// El is a shorthand constructor.
func El(tag string, attrs map[string]string, geo schemas.Geometry) *FakeElement {
	if attrs == nil {
		attrs = map[string]string{}
	}
	return &FakeElement{Tag: tag, Attrs: attrs, Geometry: geo}
}

// OpensWindow is an OnClick effect that opens url in a new window without focusing it.
func OpensWindow(url string) func(*FakeBrowser) {
	return func(b *FakeBrowser) { b.OpenWindow(url) }
}

// NavigatesTo is an OnClick effect that navigates the active window.
func NavigatesTo(url string) func(*FakeBrowser) {
	return func(b *FakeBrowser) { _ = b.NavigateCurrent(url) }
}

type fakeDocument struct {
	url          string
	elements     []*FakeElement
	loadingPolls int
}

type fakeWindow struct {
	handle schemas.WindowHandle
	doc    *fakeDocument
}

// ScriptHandler answers ExecuteScript calls whose body contains a registered marker.
type ScriptHandler func(args []any) (any, error)

// FakeBrowser is an in-memory schemas.Page with real window bookkeeping and a
// small CSS selector matcher (tag, comma lists, [attr], [attr='v'], [attr*='v']).
type FakeBrowser struct {
	mu       sync.Mutex
	pages    map[string]func() []*FakeElement
	scripts  map[string]ScriptHandler
	failures map[string]error
	windows  []*fakeWindow
	current  schemas.WindowHandle
	elements map[string]*FakeElement
	calls    []string
	seq      int
	winSeq   int

	// LoadingPolls makes each new document report readyState "loading" for that many polls.
	LoadingPolls int
}

var _ schemas.Page = (*FakeBrowser)(nil)

// NewFakeBrowser opens a single window showing url with the given elements.
func NewFakeBrowser(url string, elements ...*FakeElement) *FakeBrowser {
	b := &FakeBrowser{
		pages:    make(map[string]func() []*FakeElement),
		scripts:  make(map[string]ScriptHandler),
		failures: make(map[string]error),
		elements: make(map[string]*FakeElement),
	}
	w := b.newWindowLocked()
	w.doc = b.newDocumentLocked(url, elements)
	b.current = w.handle
	return b
}

// AddPage registers the document served for url. build is called on every load.
func (b *FakeBrowser) AddPage(url string, build func() []*FakeElement) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages[url] = build
}

// HandleScript registers a handler for scripts containing marker.
func (b *FakeBrowser) HandleScript(marker string, h ScriptHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[marker] = h
}

// Fail makes every call of the named method return err. A nil err clears it.
func (b *FakeBrowser) Fail(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, method)
		return
	}
	b.failures[method] = err
}

// Calls returns the recorded operations in order.
func (b *FakeBrowser) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// OpenWindow opens url in a new background window and returns its handle.
func (b *FakeBrowser) OpenWindow(url string) schemas.WindowHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := b.newWindowLocked()
	w.doc = b.loadLocked(url)
	b.record("open:" + url)
	return w.handle
}

// CloseWindow closes handle the way a page closing its own window would,
// without going through the active window.
func (b *FakeBrowser) CloseWindow(handle schemas.WindowHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range b.windows {
		if w.handle == handle {
			b.windows = append(b.windows[:i], b.windows[i+1:]...)
			if b.current == handle {
				b.current = ""
			}
			return
		}
	}
}

// NavigateCurrent replaces the active window's document.
func (b *FakeBrowser) NavigateCurrent(url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, err := b.currentLocked()
	if err != nil {
		return err
	}
	w.doc = b.loadLocked(url)
	b.record("navigate:" + url)
	return nil
}

// -- schemas.Browser --

func (b *FakeBrowser) FindElements(ctx context.Context, selector string) ([]schemas.ElementRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx, "FindElements"); err != nil {
		return nil, err
	}
	w, err := b.currentLocked()
	if err != nil {
		return nil, err
	}
	groups, err := parseSelector(selector)
	if err != nil {
		return nil, err
	}
	var refs []schemas.ElementRef
	for _, el := range w.doc.elements {
		for _, g := range groups {
			if g.matches(el) {
				refs = append(refs, el.Ref())
				break
			}
		}
	}
	return refs, nil
}

func (b *FakeBrowser) GetAttribute(ctx context.Context, ref schemas.ElementRef, name string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx, "GetAttribute"); err != nil {
		return "", false, err
	}
	el, err := b.resolveLocked(ref)
	if err != nil {
		return "", false, err
	}
	switch name {
	case "innerHTML", "textContent", "innerText":
		return el.Text, true, nil
	}
	v, ok := el.Attrs[name]
	return v, ok, nil
}

func (b *FakeBrowser) GetGeometry(ctx context.Context, ref schemas.ElementRef) (schemas.Geometry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx, "GetGeometry"); err != nil {
		return schemas.Geometry{}, err
	}
	el, err := b.resolveLocked(ref)
	if err != nil {
		return schemas.Geometry{}, err
	}
	return el.Geometry, nil
}

func (b *FakeBrowser) IsVisible(ctx context.Context, ref schemas.ElementRef) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx, "IsVisible"); err != nil {
		return false, err
	}
	el, err := b.resolveLocked(ref)
	if err != nil {
		return false, err
	}
	return !el.Hidden && el.Geometry.Width > 0 && el.Geometry.Height > 0, nil
}

func (b *FakeBrowser) IsEnabled(ctx context.Context, ref schemas.ElementRef) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx, "IsEnabled"); err != nil {
		return false, err
	}
	el, err := b.resolveLocked(ref)
	if err != nil {
		return false, err
	}
	return !el.Disabled, nil
}

func (b *FakeBrowser) Click(ctx context.Context, ref schemas.ElementRef) error {
	return b.click(ctx, "Click", ref, func(el *FakeElement) error {
		if el.ClickErr != nil {
			return el.ClickErr
		}
		if el.Hidden {
			return schemas.ErrElementNotInteractable
		}
		return nil
	})
}

func (b *FakeBrowser) PointerClick(ctx context.Context, ref schemas.ElementRef, offsetX, offsetY float64) error {
	return b.click(ctx, "PointerClick", ref, func(el *FakeElement) error {
		if el.PointerErr != nil {
			return el.PointerErr
		}
		if el.Hidden {
			return schemas.ErrElementNotInteractable
		}
		return nil
	})
}

func (b *FakeBrowser) click(ctx context.Context, method string, ref schemas.ElementRef, gate func(*FakeElement) error) error {
	b.mu.Lock()
	if err := b.check(ctx, method); err != nil {
		b.mu.Unlock()
		return err
	}
	el, err := b.resolveLocked(ref)
	if err == nil {
		err = gate(el)
	}
	b.record(method + ":" + ref.ID)
	b.mu.Unlock()
	if err != nil {
		return err
	}
	if el.OnClick != nil {
		el.OnClick(b)
	}
	return nil
}

func (b *FakeBrowser) ExecuteScript(ctx context.Context, script string, result any, args ...any) error {
	b.mu.Lock()
	if err := b.check(ctx, "ExecuteScript"); err != nil {
		b.mu.Unlock()
		return err
	}

	var (
		value   any
		err     error
		clicked *FakeElement
	)
	switch {
	case strings.Contains(script, "document.readyState"):
		var w *fakeWindow
		if w, err = b.currentLocked(); err == nil {
			value = "complete"
			if w.doc.loadingPolls > 0 {
				w.doc.loadingPolls--
				value = "loading"
			}
		}
	case strings.Contains(script, ".click()"):
		var el *FakeElement
		if el, err = b.resolveArgLocked(args); err == nil {
			b.record("ScriptClick:" + el.id)
			if el.ScriptClickErr != nil {
				err = el.ScriptClickErr
			} else {
				clicked = el
			}
		}
	case strings.Contains(script, "scrollIntoView"):
		_, err = b.resolveArgLocked(args)
	case strings.Contains(script, "window.scroll"):
		_, err = b.currentLocked()
	default:
		handled := false
		for marker, h := range b.scripts {
			if strings.Contains(script, marker) {
				handled = true
				b.mu.Unlock()
				value, err = h(args)
				b.mu.Lock()
				break
			}
		}
		if !handled {
			err = fmt.Errorf("fake browser: unsupported script %q", script)
		}
	}
	b.mu.Unlock()

	if err != nil {
		return err
	}
	if clicked != nil && clicked.OnClick != nil {
		clicked.OnClick(b)
	}
	if result == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, result)
}

func (b *FakeBrowser) CurrentURL(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx, "CurrentURL"); err != nil {
		return "", err
	}
	w, err := b.currentLocked()
	if err != nil {
		return "", err
	}
	return w.doc.url, nil
}

func (b *FakeBrowser) CurrentWindow(ctx context.Context) (schemas.WindowHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx, "CurrentWindow"); err != nil {
		return "", err
	}
	w, err := b.currentLocked()
	if err != nil {
		return "", err
	}
	return w.handle, nil
}

func (b *FakeBrowser) AllWindows(ctx context.Context) ([]schemas.WindowHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx, "AllWindows"); err != nil {
		return nil, err
	}
	handles := make([]schemas.WindowHandle, 0, len(b.windows))
	for _, w := range b.windows {
		handles = append(handles, w.handle)
	}
	return handles, nil
}

func (b *FakeBrowser) SwitchToWindow(ctx context.Context, handle schemas.WindowHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx, "SwitchToWindow"); err != nil {
		return err
	}
	b.record("switch:" + string(handle))
	if b.findLocked(handle) == nil {
		return fmt.Errorf("switch to %s: %w", handle, schemas.ErrNoSuchWindow)
	}
	b.current = handle
	return nil
}

func (b *FakeBrowser) CloseCurrentWindow(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx, "CloseCurrentWindow"); err != nil {
		return err
	}
	for i, w := range b.windows {
		if w.handle == b.current {
			b.record("close:" + string(w.handle))
			b.windows = append(b.windows[:i], b.windows[i+1:]...)
			b.current = ""
			return nil
		}
	}
	return schemas.ErrNoSuchWindow
}

func (b *FakeBrowser) WaitUntil(ctx context.Context, predicate schemas.Predicate, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := predicate(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (b *FakeBrowser) Navigate(ctx context.Context, url string) error {
	b.mu.Lock()
	if err := b.check(ctx, "Navigate"); err != nil {
		b.mu.Unlock()
		return err
	}
	b.mu.Unlock()
	return b.NavigateCurrent(url)
}

// -- internals (b.mu held) --

func (b *FakeBrowser) check(ctx context.Context, method string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.failures[method]
}

func (b *FakeBrowser) record(op string) { b.calls = append(b.calls, op) }

func (b *FakeBrowser) newWindowLocked() *fakeWindow {
	b.winSeq++
	w := &fakeWindow{handle: schemas.WindowHandle(fmt.Sprintf("win-%d", b.winSeq))}
	b.windows = append(b.windows, w)
	return w
}

func (b *FakeBrowser) loadLocked(url string) *fakeDocument {
	var elements []*FakeElement
	if build, ok := b.pages[url]; ok {
		elements = build()
	}
	return b.newDocumentLocked(url, elements)
}

func (b *FakeBrowser) newDocumentLocked(url string, elements []*FakeElement) *fakeDocument {
	doc := &fakeDocument{url: url, elements: elements, loadingPolls: b.LoadingPolls}
	for _, el := range elements {
		b.seq++
		el.id = fmt.Sprintf("el-%d", b.seq)
		el.doc = doc
		if el.Attrs == nil {
			el.Attrs = map[string]string{}
		}
		b.elements[el.id] = el
	}
	return doc
}

func (b *FakeBrowser) findLocked(handle schemas.WindowHandle) *fakeWindow {
	for _, w := range b.windows {
		if w.handle == handle {
			return w
		}
	}
	return nil
}

func (b *FakeBrowser) currentLocked() (*fakeWindow, error) {
	if w := b.findLocked(b.current); w != nil {
		return w, nil
	}
	return nil, schemas.ErrNoSuchWindow
}

func (b *FakeBrowser) resolveLocked(ref schemas.ElementRef) (*FakeElement, error) {
	w, err := b.currentLocked()
	if err != nil {
		return nil, err
	}
	el, ok := b.elements[ref.ID]
	if !ok || el.doc != w.doc {
		return nil, fmt.Errorf("element %s: %w", ref.ID, schemas.ErrStaleElement)
	}
	return el, nil
}

func (b *FakeBrowser) resolveArgLocked(args []any) (*FakeElement, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("fake browser: script expects an element argument")
	}
	ref, ok := args[0].(schemas.ElementRef)
	if !ok {
		return nil, fmt.Errorf("fake browser: argument 0 is %T, not an element", args[0])
	}
	return b.resolveLocked(ref)
}

// -- selector matching --

type attrClause struct {
	name  string
	op    string // "", "=", "*="
	value string
}

type selectorGroup struct {
	tag     string
	clauses []attrClause
}

func (g selectorGroup) matches(el *FakeElement) bool {
	if g.tag != "" && g.tag != "*" && !strings.EqualFold(g.tag, el.Tag) {
		return false
	}
	for _, c := range g.clauses {
		v, ok := el.Attrs[c.name]
		if !ok {
			return false
		}
		switch c.op {
		case "=":
			if v != c.value {
				return false
			}
		case "*=":
			if !strings.Contains(v, c.value) {
				return false
			}
		}
	}
	return true
}

func parseSelector(selector string) ([]selectorGroup, error) {
	var groups []selectorGroup
	for _, part := range splitTopLevel(selector) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		g, err := parseGroup(part)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("fake browser: empty selector")
	}
	return groups, nil
}

// splitTopLevel splits on commas outside brackets and quotes.
func splitTopLevel(s string) []string {
	var (
		parts []string
		cur   strings.Builder
		depth int
		quote rune
		esc   bool
	)
	for _, r := range s {
		switch {
		case esc:
			esc = false
		case r == '\\':
			esc = true
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '[':
			depth++
		case r == ']':
			depth--
		case r == ',' && depth == 0:
			parts = append(parts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteRune(r)
	}
	return append(parts, cur.String())
}

func parseGroup(s string) (selectorGroup, error) {
	var g selectorGroup
	i := strings.IndexByte(s, '[')
	if i < 0 {
		g.tag = s
		return g, nil
	}
	g.tag = strings.TrimSpace(s[:i])
	rest := s[i:]
	for rest != "" {
		if rest[0] != '[' {
			return g, fmt.Errorf("fake browser: unsupported selector %q", s)
		}
		end := closingBracket(rest)
		if end < 0 {
			return g, fmt.Errorf("fake browser: unterminated attribute selector %q", s)
		}
		c, err := parseClause(rest[1:end])
		if err != nil {
			return g, err
		}
		g.clauses = append(g.clauses, c)
		rest = rest[end+1:]
	}
	return g, nil
}

func closingBracket(s string) int {
	var quote byte
	for i := 1; i < len(s); i++ {
		switch {
		case s[i] == '\\':
			i++
		case quote != 0:
			if s[i] == quote {
				quote = 0
			}
		case s[i] == '\'' || s[i] == '"':
			quote = s[i]
		case s[i] == ']':
			return i
		}
	}
	return -1
}

func parseClause(body string) (attrClause, error) {
	for _, op := range []string{"*=", "="} {
		if i := strings.Index(body, op); i >= 0 {
			val := strings.TrimSpace(body[i+len(op):])
			if len(val) >= 2 && (val[0] == '\'' || val[0] == '"') && val[len(val)-1] == val[0] {
				val = val[1 : len(val)-1]
			}
			return attrClause{name: strings.TrimSpace(body[:i]), op: op, value: unescapeCSS(val)}, nil
		}
	}
	name := strings.TrimSpace(body)
	if name == "" {
		return attrClause{}, fmt.Errorf("fake browser: empty attribute selector")
	}
	return attrClause{name: name}, nil
}

func unescapeCSS(s string) string {
	var b strings.Builder
	esc := false
	for _, r := range s {
		if esc {
			b.WriteRune(r)
			esc = false
			continue
		}
		if r == '\\' {
			esc = true
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
