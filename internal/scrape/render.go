package scrape

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrRendererDisabled is returned by a renderer that has been closed or was
// configured with no capacity.
var ErrRendererDisabled = eris.New("renderer disabled")

// RenderConfig configures the headless browser.
type RenderConfig struct {
	UserAgent      string
	Timeout        time.Duration
	Settle         time.Duration
	MaxConcurrency int
	ExecPath       string
}

// ChromedpScraper renders pages in headless Chrome. The browser starts on
// first use and is shared by all renders.
type ChromedpScraper struct {
	cfg RenderConfig
	sem chan struct{}

	once          sync.Once
	startErr      error
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewChromedpScraper creates a renderer. Chrome is not launched until the
// first Scrape.
func NewChromedpScraper(cfg RenderConfig) *ChromedpScraper {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 2
	}
	return &ChromedpScraper{cfg: cfg, sem: make(chan struct{}, cfg.MaxConcurrency)}
}

// Name implements Scraper.
func (r *ChromedpScraper) Name() string { return StrategyChromedp }

// Supports implements Scraper.
func (r *ChromedpScraper) Supports(_ string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed
}

func (r *ChromedpScraper) start() error {
	r.once.Do(func() {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("ignore-certificate-errors", true),
			chromedp.UserAgent(r.cfg.UserAgent),
		)
		if r.cfg.ExecPath != "" {
			opts = append(opts, chromedp.ExecPath(r.cfg.ExecPath))
		}
		allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
		browserCtx, browserCancel := chromedp.NewContext(allocCtx)
		if err := chromedp.Run(browserCtx); err != nil {
			browserCancel()
			allocCancel()
			r.startErr = eris.Wrap(err, "chromedp: start browser")
			return
		}
		r.allocCancel = allocCancel
		r.browserCtx = browserCtx
		r.browserCancel = browserCancel
		zap.L().Debug("chromedp: browser started")
	})
	return r.startErr
}

// Scrape renders targetURL and returns the resulting DOM.
func (r *ChromedpScraper) Scrape(ctx context.Context, targetURL string) (*Result, error) {
	if !r.Supports(targetURL) {
		return nil, ErrRendererDisabled
	}
	if err := r.start(); err != nil {
		return nil, newFetchError(targetURL, StrategyChromedp, 0, err)
	}

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, &FetchError{URL: targetURL, Strategy: StrategyChromedp, Err: ctx.Err()}
	}

	tabCtx, cancelTab := chromedp.NewContext(r.browserCtx)
	defer cancelTab()
	taskCtx, cancelTask := context.WithTimeout(tabCtx, r.cfg.Timeout)
	defer cancelTask()
	stop := context.AfterFunc(ctx, cancelTask)
	defer stop()

	var docStatus atomic.Int64
	chromedp.ListenTarget(tabCtx, func(ev any) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Type != network.ResourceTypeDocument {
			return
		}
		docStatus.CompareAndSwap(0, resp.Response.Status)
	})

	var html, finalURL string
	err := chromedp.Run(taskCtx,
		network.Enable(),
		emulation.SetUserAgentOverride(r.cfg.UserAgent),
		chromedp.Navigate(targetURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.cfg.Settle),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	status := int(docStatus.Load())
	if err != nil {
		return nil, newFetchError(targetURL, StrategyChromedp, status, eris.Wrap(err, "chromedp: render"))
	}
	if status >= 400 {
		return nil, newFetchError(targetURL, StrategyChromedp, status, eris.Errorf("status %d", status))
	}
	if status == 0 {
		status = 200
	}

	body := []byte(html)
	return &Result{
		URL:        targetURL,
		FinalURL:   finalURL,
		StatusCode: status,
		HTML:       body,
		Blocked:    DetectBlock(status, nil, body),
		Source:     StrategyChromedp,
	}, nil
}

// Close shuts the browser down. Later calls to Scrape fail with
// ErrRendererDisabled.
func (r *ChromedpScraper) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	if r.browserCancel != nil {
		r.browserCancel()
	}
	if r.allocCancel != nil {
		r.allocCancel()
	}
}
