package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/google/uuid"
	"github.com/jakopako/ami/internal/log"
	"github.com/jakopako/ami/internal/types"
)

// The DynamicFetcher renders js in a headless chrome. Requests the page
// makes while loading are published as network events.
type DynamicFetcher struct {
	*FetcherConfig
	allocContext context.Context
	cancelAlloc  context.CancelFunc
}

func NewDynamicFetcher(fc *FetcherConfig) *DynamicFetcher {
	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.WindowSize(1920, 1080), // desktop view, some pages hide elements on mobile
	)
	if fc.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(fc.UserAgent))
	}
	allocContext, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	d := &DynamicFetcher{
		FetcherConfig: fc,
		allocContext:  allocContext,
		cancelAlloc:   cancelAlloc,
	}
	if d.PageLoadWaitMS == 0 {
		d.PageLoadWaitMS = 2000 // default
	}
	return d
}

func (d *DynamicFetcher) Cancel() {
	d.cancelAlloc()
}

func (d *DynamicFetcher) Fetch(ctx context.Context, urlStr string, opts FetchOpts) (string, error) {
	logger := log.LoggerFromContext(ctx).With(slog.String("fetcher", "dynamic"), slog.String("url", urlStr))
	logger.Debug("fetching page", slog.String("user-agent", d.UserAgent))
	if IsLocal(urlStr) {
		abs, err := filepath.Abs(urlStr)
		if err != nil {
			return "", err
		}
		urlStr = "file://" + abs
	}

	cctx, cancel := chromedp.NewContext(d.allocContext)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var dropped atomic.Int64
	if opts.Network != nil {
		chromedp.ListenTarget(cctx, func(ev any) {
			ne, ok := networkEvent(ev)
			if !ok {
				return
			}
			// listeners run on chromedp's reader goroutine and must not block
			select {
			case opts.Network <- ne:
			default:
				dropped.Add(1)
			}
		})
	}

	actions := []chromedp.Action{network.Enable()}

	if log.Debug {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			protocolVersion, product, revision, userAgent, jsVersion, err := browser.GetVersion().Do(ctx)
			if err != nil {
				logger.Warn("failed to get chrome version", slog.String("err", err.Error()))
				return nil
			}
			logger.Debug(fmt.Sprintf("chrome version: protocolVersion=%s, product=%s, revision=%s, userAgent=%s, jsVersion=%s",
				protocolVersion, product, revision, userAgent, jsVersion))
			return nil
		}))
	}

	var body string
	sleepTime := time.Duration(d.PageLoadWaitMS) * time.Millisecond
	actions = append(actions,
		chromedp.Navigate(urlStr),
		chromedp.Sleep(sleepTime),
	)
	interactions := opts.Interaction
	if len(interactions) == 0 {
		interactions = d.Interaction
	}
	actions = append(actions, interactionActions(logger, interactions)...)
	actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
		node, err := dom.GetDocument().Do(ctx)
		if err != nil {
			return err
		}
		body, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
		return err
	}))

	if log.Debug {
		var buf []byte
		if d.DebugDir != "" {
			if err := os.MkdirAll(d.DebugDir, os.ModePerm); err != nil {
				return "", fmt.Errorf("failed to create debug directory: %v", err)
			}
		}
		filename := filepath.Join(d.DebugDir, fmt.Sprintf("screenshot-%s.png", uuid.NewString()[:8]))
		actions = append(actions,
			chromedp.CaptureScreenshot(&buf),
			chromedp.ActionFunc(func(ctx context.Context) error {
				logger.Debug(fmt.Sprintf("writing screenshot to file %s", filename))
				return os.WriteFile(filename, buf, 0644)
			}),
		)
	}

	if err := chromedp.Run(cctx, actions...); err != nil {
		return "", err
	}
	if n := dropped.Load(); n > 0 {
		logger.Warn("network events dropped, consumer too slow", slog.Int64("count", n))
	}
	if log.Debug {
		writeHTMLToFile(ctx, urlStr, body, d.DebugDir)
	}
	return body, nil
}

func interactionActions(logger *slog.Logger, interactions []*types.Interaction) []chromedp.Action {
	var actions []chromedp.Action
	for j, ia := range interactions {
		logger.Debug(fmt.Sprintf("processing interaction nr %d, type %s", j, ia.Type))
		delay := 500 * time.Millisecond
		if ia.Delay > 0 {
			delay = time.Duration(ia.Delay) * time.Millisecond
		}
		switch ia.Type {
		case types.InteractionTypeClick:
			count := 1
			if ia.Count > 0 {
				count = ia.Count
			}
			for range count {
				actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
					var nodes []*cdp.Node
					if err := chromedp.Nodes(ia.Selector, &nodes, chromedp.AtLeast(0)).Do(ctx); err != nil {
						return err
					}
					if len(nodes) == 0 {
						return nil
					}
					logger.Debug(fmt.Sprintf("clicking on node with selector: %s", ia.Selector))
					return chromedp.MouseClickNode(nodes[0]).Do(ctx)
				}), chromedp.Sleep(delay))
			}
		case types.InteractionTypeScroll:
			actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
				logger.Debug("scrolling down the page")
				return chromedp.KeyEvent(kb.End).Do(ctx)
			}), chromedp.Sleep(delay))
		default:
			logger.Warn(fmt.Sprintf("unknown interaction type %s", ia.Type))
		}
	}
	return actions
}

// networkEvent converts the chrome devtools events the controller cares
// about.
func networkEvent(ev any) (types.NetworkEvent, bool) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Request == nil {
			return types.NetworkEvent{}, false
		}
		return types.NetworkEvent{
			Phase:  types.NetworkPhaseRequest,
			URL:    e.Request.URL,
			Method: e.Request.Method,
		}, true
	case *network.EventResponseReceived:
		if e.Response == nil {
			return types.NetworkEvent{}, false
		}
		return types.NetworkEvent{
			Phase:    types.NetworkPhaseResponse,
			URL:      e.Response.URL,
			Status:   int(e.Response.Status),
			MimeType: e.Response.MimeType,
		}, true
	}
	return types.NetworkEvent{}, false
}
