//go:build js && wasm

package windowTransport

import (
	"context"
	"fmt"
	"sync"
	"syscall/js"
	"time"

	"github.com/Crossmint/signer-bridge-go/pkg/origin"
	"github.com/Crossmint/signer-bridge-go/pkg/transport"
	"github.com/Crossmint/signer-bridge-go/pkg/types"
	"go.uber.org/zap"
)

const popupPollInterval = 500 * time.Millisecond

// WindowEndpoint wraps a Window reference: an iframe's contentWindow, a popup
// or window.parent.
type WindowEndpoint struct {
	target       func() js.Value
	targetOrigin string
	element      js.Value
	popup        bool
	logger       *zap.Logger

	mu        sync.Mutex
	onMessage js.Func
	onError   js.Func
	started   bool

	loadErrs  chan error
	done      chan struct{}
	closeOnce sync.Once
}

var _ transport.Endpoint = (*WindowEndpoint)(nil)

// NewIframeEndpoint targets the contentWindow of an existing iframe element.
// The element is removed from the document on Close.
func NewIframeEndpoint(iframe js.Value, logger *zap.Logger) (*WindowEndpoint, error) {
	if iframe.IsUndefined() || iframe.IsNull() {
		return nil, fmt.Errorf("iframe element is required")
	}
	target, err := origin.ComputeExpectedOrigin(iframe.Get("src").String())
	if err != nil {
		return nil, fmt.Errorf("invalid iframe src: %w", err)
	}
	return newWindowEndpoint(func() js.Value { return iframe.Get("contentWindow") }, target, iframe, false, logger), nil
}

// NewPopupEndpoint opens rawURL in a new window.
func NewPopupEndpoint(rawURL, features string, logger *zap.Logger) (*WindowEndpoint, error) {
	target, err := origin.ComputeExpectedOrigin(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid popup url: %w", err)
	}
	w := js.Global().Call("open", rawURL, "_blank", features)
	if w.IsNull() || w.IsUndefined() {
		return nil, fmt.Errorf("popup for %s was blocked", target)
	}
	return newWindowEndpoint(func() js.Value { return w }, target, js.Undefined(), true, logger), nil
}

// NewParentEndpoint is the remote side: it talks to window.parent, or to
// window.opener when running in a popup.
func NewParentEndpoint(parentOrigin string, logger *zap.Logger) (*WindowEndpoint, error) {
	target, err := origin.ComputeExpectedOrigin(parentOrigin)
	if err != nil {
		return nil, fmt.Errorf("invalid parent origin: %w", err)
	}
	ref := func() js.Value {
		if opener := js.Global().Get("opener"); !opener.IsNull() && !opener.IsUndefined() {
			return opener
		}
		return js.Global().Get("parent")
	}
	return newWindowEndpoint(ref, target, js.Undefined(), false, logger), nil
}

func newWindowEndpoint(target func() js.Value, targetOrigin string, element js.Value, popup bool, logger *zap.Logger) *WindowEndpoint {
	return &WindowEndpoint{
		target:       target,
		targetOrigin: targetOrigin,
		element:      element,
		popup:        popup,
		logger:       logger,
		loadErrs:     make(chan error, 1),
		done:         make(chan struct{}),
	}
}

func (e *WindowEndpoint) TargetOrigin() string { return e.targetOrigin }

func (e *WindowEndpoint) Post(_ context.Context, data []byte) (err error) {
	if isClosed(e.done) {
		return transport.ErrEndpointClosed
	}
	w := e.target()
	if w.IsNull() || w.IsUndefined() || (e.popup && w.Get("closed").Bool()) {
		return transport.ErrEndpointClosed
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("postMessage failed: %v", r)
		}
	}()
	msg := js.Global().Get("JSON").Call("parse", string(data))
	w.Call("postMessage", msg, e.targetOrigin)
	return nil
}

func (e *WindowEndpoint) Start(deliver func(types.Message)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("endpoint already started")
	}
	e.started = true

	e.onMessage = js.FuncOf(func(this js.Value, args []js.Value) any {
		event := args[0]
		if !event.Get("source").Equal(e.target()) {
			return nil
		}
		data := js.Global().Get("JSON").Call("stringify", event.Get("data"))
		if data.IsUndefined() {
			return nil
		}
		deliver(types.Message{Origin: event.Get("origin").String(), Data: []byte(data.String())})
		return nil
	})
	js.Global().Call("addEventListener", "message", e.onMessage)

	if !e.element.IsUndefined() {
		e.onError = js.FuncOf(func(this js.Value, args []js.Value) any {
			select {
			case e.loadErrs <- fmt.Errorf("iframe for %s failed to load", e.targetOrigin):
			default:
			}
			return nil
		})
		e.element.Call("addEventListener", "error", e.onError)
	}

	if e.popup {
		go e.watchPopup()
	}
	return nil
}

func (e *WindowEndpoint) watchPopup() {
	ticker := time.NewTicker(popupPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			if e.target().Get("closed").Bool() {
				e.logger.Sugar().Infow("Popup closed by user", "target_origin", e.targetOrigin)
				_ = e.Close()
				return
			}
		}
	}
}

func (e *WindowEndpoint) LoadErrors() <-chan error { return e.loadErrs }

func (e *WindowEndpoint) Done() <-chan struct{} { return e.done }

func (e *WindowEndpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.started {
			js.Global().Call("removeEventListener", "message", e.onMessage)
			e.onMessage.Release()
			if !e.element.IsUndefined() {
				e.element.Call("removeEventListener", "error", e.onError)
				e.onError.Release()
			}
		}
		if !e.element.IsUndefined() {
			e.element.Call("remove")
		}
		if e.popup {
			if w := e.target(); !w.Get("closed").Bool() {
				w.Call("close")
			}
		}
	})
	return nil
}

func isClosed(done chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}
