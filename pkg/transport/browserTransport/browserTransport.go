package browserTransport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html/template"
	"strings"
	"sync"

	"github.com/Crossmint/signer-bridge-go/pkg/origin"
	"github.com/Crossmint/signer-bridge-go/pkg/transport"
	"github.com/Crossmint/signer-bridge-go/pkg/types"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const (
	bindingName  = "__signerBridgeDeliver"
	postFunction = "__signerBridgePost"
	hostPagePath = "/__signer-bridge-host"
)

var hostPage = template.Must(template.New("host").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>signer bridge</title></head>
<body>
<iframe id="remote" src="{{.RemoteURL}}" style="border:0;width:100%;height:100%"></iframe>
<script>
(function () {
  var frame = document.getElementById("remote");
  window.addEventListener("message", function (event) {
    if (event.source !== frame.contentWindow) {
      return;
    }
    window.{{.Binding}}(JSON.stringify({ origin: event.origin, data: event.data }));
  });
  window.{{.Post}} = function (message, targetOrigin) {
    frame.contentWindow.postMessage(message, targetOrigin);
    return true;
  };
})();
</script>
</body>
</html>`))

type BrowserConfig struct {
	// RemoteURL is the document loaded into the iframe.
	RemoteURL string

	// HostOrigin is the origin of the synthetic parent page. It is served by
	// request interception, so nothing needs to listen on it.
	HostOrigin string

	Headless bool

	// ExecPath overrides the Chrome binary.
	ExecPath string
}

func (c *BrowserConfig) hostPageURL() string {
	return strings.TrimSuffix(c.HostOrigin, "/") + hostPagePath
}

// RenderHostPage returns the parent document that embeds the remote URL.
func RenderHostPage(remoteURL string) ([]byte, error) {
	var buf bytes.Buffer
	err := hostPage.Execute(&buf, map[string]any{
		"RemoteURL": remoteURL,
		"Binding":   template.JS(bindingName),
		"Post":      template.JS(postFunction),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render host page: %w", err)
	}
	return buf.Bytes(), nil
}

type bindingPayload struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

// BrowserEndpoint drives a headless Chrome tab whose top-level document is a
// host page embedding the remote context in an iframe. postMessage traffic
// between the two crosses a CDP runtime binding.
type BrowserEndpoint struct {
	cfg          *BrowserConfig
	targetOrigin string
	hostPage     []byte
	logger       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	started   bool
	loadErrs  chan error
	done      chan struct{}
	closeOnce sync.Once
}

var _ transport.Endpoint = (*BrowserEndpoint)(nil)

// NewBrowserEndpoint allocates the browser. Navigation happens in Start so
// no message from the remote document can precede the listener.
func NewBrowserEndpoint(parent context.Context, cfg *BrowserConfig, logger *zap.Logger) (*BrowserEndpoint, error) {
	if cfg == nil {
		return nil, fmt.Errorf("browser config cannot be nil")
	}
	target, err := origin.ComputeExpectedOrigin(cfg.RemoteURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote url: %w", err)
	}
	if _, err := origin.ComputeExpectedOrigin(cfg.HostOrigin); err != nil {
		return nil, fmt.Errorf("invalid host origin: %w", err)
	}
	page, err := RenderHostPage(cfg.RemoteURL)
	if err != nil {
		return nil, err
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	e := &BrowserEndpoint{
		cfg:          cfg,
		targetOrigin: target,
		hostPage:     page,
		logger:       logger,
		ctx:          taskCtx,
		cancel: func() {
			taskCancel()
			allocCancel()
		},
		loadErrs: make(chan error, 1),
		done:     make(chan struct{}),
	}
	go func() {
		<-taskCtx.Done()
		_ = e.Close()
	}()
	return e, nil
}

func (e *BrowserEndpoint) TargetOrigin() string { return e.targetOrigin }

func (e *BrowserEndpoint) Post(ctx context.Context, data []byte) error {
	if isClosed(e.done) {
		return transport.ErrEndpointClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	target, err := json.Marshal(e.targetOrigin)
	if err != nil {
		return err
	}
	var posted bool
	expr := fmt.Sprintf("window.%s(%s, %s)", postFunction, data, target)
	if err := chromedp.Run(e.ctx, chromedp.Evaluate(expr, &posted)); err != nil {
		if isClosed(e.done) {
			return transport.ErrEndpointClosed
		}
		return fmt.Errorf("failed to post to browser frame: %w", err)
	}
	return nil
}

func (e *BrowserEndpoint) Start(deliver func(types.Message)) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("endpoint already started")
	}
	e.started = true
	e.mu.Unlock()

	hostURL := e.cfg.hostPageURL()

	chromedp.ListenTarget(e.ctx, func(ev interface{}) {
		switch ev := ev.(type) {
		case *runtime.EventBindingCalled:
			if ev.Name != bindingName {
				return
			}
			var p bindingPayload
			if err := json.Unmarshal([]byte(ev.Payload), &p); err != nil {
				e.logger.Sugar().Debugw("Ignoring malformed binding payload", "error", err)
				return
			}
			deliver(types.Message{Origin: p.Origin, Data: p.Data})

		case *fetch.EventRequestPaused:
			go e.fulfillHostPage(ev.RequestID)

		case *network.EventLoadingFailed:
			if ev.Type != network.ResourceTypeDocument || ev.Canceled {
				return
			}
			e.failLoad(fmt.Errorf("remote document failed to load: %s", ev.ErrorText))
		}
	})

	err := chromedp.Run(e.ctx,
		runtime.AddBinding(bindingName),
		network.Enable(),
		fetch.Enable().WithPatterns([]*fetch.RequestPattern{{URLPattern: hostURL}}),
	)
	if err != nil {
		return fmt.Errorf("failed to prepare browser tab: %w", err)
	}

	go func() {
		if err := chromedp.Run(e.ctx, chromedp.Navigate(hostURL)); err != nil && !isClosed(e.done) {
			e.failLoad(fmt.Errorf("failed to navigate host page: %w", err))
		}
	}()

	e.logger.Sugar().Infow("Browser endpoint started", "host_page", hostURL, "remote_url", e.cfg.RemoteURL)
	return nil
}

func (e *BrowserEndpoint) fulfillHostPage(id fetch.RequestID) {
	c := chromedp.FromContext(e.ctx)
	if c == nil || c.Target == nil {
		return
	}
	ctx := cdp.WithExecutor(e.ctx, c.Target)
	err := fetch.FulfillRequest(id, 200).
		WithResponseHeaders([]*fetch.HeaderEntry{{Name: "Content-Type", Value: "text/html; charset=utf-8"}}).
		WithBody(base64.StdEncoding.EncodeToString(e.hostPage)).
		Do(ctx)
	if err != nil {
		e.failLoad(fmt.Errorf("failed to serve host page: %w", err))
	}
}

func (e *BrowserEndpoint) failLoad(err error) {
	e.logger.Sugar().Warnw("Browser endpoint load error", "remote_url", e.cfg.RemoteURL, "error", err)
	select {
	case e.loadErrs <- err:
	default:
	}
}

func (e *BrowserEndpoint) LoadErrors() <-chan error { return e.loadErrs }

func (e *BrowserEndpoint) Done() <-chan struct{} { return e.done }

func (e *BrowserEndpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		e.cancel()
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
