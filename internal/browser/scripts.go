// internal/browser/scripts.go
package browser

import (
	"errors"
	"fmt"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/adprobe/api/schemas"
)

// Error codes thrown by page-side helpers.
const (
	codeStale           = "stale"
	codeNotInteractable = "not_interactable"
	codeIntercepted     = "intercepted"
)

// ErrScript wraps an exception raised by page JavaScript.
var ErrScript = errors.New("script error")

// scriptPrelude is evaluated ahead of every script. It installs a per-document
// element registry on window and defines the helpers scripts rely on:
// fail(code, message), put(el) returning an id, get(id) resolving one.
// Ids carry a random document prefix so ids from an earlier document never
// resolve after a navigation.
const scriptPrelude = `
const fail = (code, message) => { const e = new Error(message); e.code = code; return e; };
if (!window.__adprobe_registry) {
  Object.defineProperty(window, '__adprobe_registry', {
    value: { doc: Math.random().toString(36).slice(2, 10), seq: 0, map: new Map(), ids: new WeakMap() },
    enumerable: false,
  });
}
const reg = window.__adprobe_registry;
const put = (el) => {
  let id = reg.ids.get(el);
  if (id === undefined) {
    id = reg.doc + ':' + (++reg.seq);
    reg.ids.set(el, id);
    reg.map.set(id, el);
  }
  return id;
};
const get = (id) => {
  const el = reg.map.get(id);
  if (!el || !el.isConnected) { throw fail('` + codeStale + `', 'element ' + id + ' is no longer attached'); }
  return el;
};
const resolve = (a) => (a !== null && typeof a === 'object' && typeof a.__ref === 'string') ? get(a.__ref) : a;
const wrap = (e) => ({ e: (e && e.code) || 'script', m: String((e && e.message) || e) });
`

// buildExpression wraps a function body so it runs with resolved arguments
// and always evaluates to an envelope: {v: result} or {e: code, m: message}.
func buildExpression(body string, args []any) (string, error) {
	encoded, err := json.Marshal(marshalArgs(args))
	if err != nil {
		return "", fmt.Errorf("failed to encode script arguments: %w", err)
	}

	var b strings.Builder
	b.WriteString("(() => {")
	b.WriteString(scriptPrelude)
	b.WriteString("try {\n")
	b.WriteString("const args = ")
	b.Write(encoded)
	b.WriteString(".map(resolve);\n")
	b.WriteString("const out = (function() {\n")
	b.WriteString(body)
	b.WriteString("\n}).apply(null, args);\n")
	b.WriteString("return Promise.resolve(out).then((v) => ({ v: v === undefined ? null : v }), wrap);\n")
	b.WriteString("} catch (e) { return wrap(e); }\n")
	b.WriteString("})()")
	return b.String(), nil
}

type elementArg struct {
	Ref string `json:"__ref"`
}

func marshalArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case schemas.ElementRef:
			out[i] = elementArg{Ref: v.ID}
		case *schemas.ElementRef:
			if v == nil {
				out[i] = nil
				continue
			}
			out[i] = elementArg{Ref: v.ID}
		default:
			out[i] = a
		}
	}
	return out
}

type envelope struct {
	Value   json.RawMessage `json:"v"`
	Code    string          `json:"e"`
	Message string          `json:"m"`
}

// decodeEnvelope unpacks an evaluated envelope into result, translating page
// error codes into the schemas error taxonomy.
func decodeEnvelope(raw []byte, result any) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("malformed script result: %w", err)
	}
	if env.Code != "" {
		return scriptError(env.Code, env.Message)
	}
	if result == nil || len(env.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Value, result); err != nil {
		return fmt.Errorf("failed to decode script result: %w", err)
	}
	return nil
}

func scriptError(code, message string) error {
	switch code {
	case codeStale:
		return fmt.Errorf("%w: %s", schemas.ErrStaleElement, message)
	case codeNotInteractable:
		return fmt.Errorf("%w: %s", schemas.ErrElementNotInteractable, message)
	case codeIntercepted:
		return fmt.Errorf("%w: %s", schemas.ErrClickIntercepted, message)
	default:
		return fmt.Errorf("%w: %s", ErrScript, message)
	}
}

// Page-side bodies used by Session. Each reads its inputs from arguments[i].
const (
	findElementsJS = `return Array.from(document.querySelectorAll(arguments[0]), put);`

	getAttributeJS = `
const el = arguments[0], name = arguments[1];
switch (name) {
case 'innerHTML': return { value: el.innerHTML, present: true };
case 'textContent': return { value: el.textContent || '', present: true };
case 'innerText': return { value: el.innerText || '', present: true };
}
return el.hasAttribute(name) ? { value: el.getAttribute(name), present: true } : { value: '', present: false };`

	geometryJS = `
const r = arguments[0].getBoundingClientRect();
return { x: Math.round(r.left + window.scrollX), y: Math.round(r.top + window.scrollY), width: Math.round(r.width), height: Math.round(r.height) };`

	isVisibleJS = `
const el = arguments[0];
const r = el.getBoundingClientRect();
if (r.width <= 0 || r.height <= 0) { return false; }
const st = window.getComputedStyle(el);
return st.display !== 'none' && st.visibility !== 'hidden' && st.visibility !== 'collapse' && parseFloat(st.opacity || '1') > 0;`

	isEnabledJS = `
const el = arguments[0];
return !el.disabled && String(el.getAttribute('aria-disabled')).toLowerCase() !== 'true';`

	// clickTargetJS scrolls the element to the middle of the viewport and
	// returns its viewport box. With arguments[1] set, the center point is hit
	// tested so an overlay sitting on top of the element is reported.
	clickTargetJS = `
const el = arguments[0], hitTest = arguments[1];
el.scrollIntoView({ block: 'center', inline: 'center' });
const r = el.getBoundingClientRect();
if (r.width <= 0 || r.height <= 0) { throw fail('` + codeNotInteractable + `', 'element has no rendered size'); }
const st = window.getComputedStyle(el);
if (st.display === 'none' || st.visibility === 'hidden' || st.pointerEvents === 'none') {
  throw fail('` + codeNotInteractable + `', 'element does not accept pointer input');
}
if (hitTest) {
  const hit = document.elementFromPoint(r.left + r.width / 2, r.top + r.height / 2);
  if (hit && hit !== el && !el.contains(hit)) {
    throw fail('` + codeIntercepted + `', 'click would land on ' + hit.tagName.toLowerCase());
  }
}
return { left: r.left, top: r.top, width: r.width, height: r.height };`
)
