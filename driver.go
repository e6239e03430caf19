package main

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"
)

// The core components never touch the automation library directly: they see
// only the narrow capability surface below, implemented by the go-rod adapter
// at the bottom of this file. Tests implement the same surface with scripted
// fakes.

// netResponse is one observed network response together with the request that
// provoked it.
type netResponse struct {
	URL    string
	Status int
	Method string
	Body   string
}

type element interface {
	// Attribute returns nil when the attribute is absent.
	Attribute(name string) (*string, error)
	Text() (string, error)
	Visible() (bool, error)
	Click(timeout time.Duration) error
	Element(sel string, timeout time.Duration) (element, error)
	Elements(sel string) ([]element, error)
	Has(sel string) (bool, error)
}

type page interface {
	Navigate(url string) error
	// NavStatus reports the HTTP status of the last document navigation.
	NavStatus() (int, error)
	URL() string
	Elements(sel string) ([]element, error)
	ElementsX(xpath string) ([]element, error)
	// Click locates sel and clicks it within timeout.
	Click(sel string, timeout time.Duration) error
	// ExpectResponse starts observing responses immediately and returns a wait
	// function that blocks until a response matches pred or timeout elapses.
	// The cancel function releases the observer without waiting.
	ExpectResponse(pred func(netResponse) bool, timeout time.Duration) (wait func() (*netResponse, bool), cancel func())
	Closed() bool
	Close() error
}

type session interface {
	NewPage() (page, error)
}

// Requests to these endpoints are tracking beacons; aborting them saves
// bandwidth and keeps them out of response correlation.
var trackerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`emag\.ro/logger\.json`),
	regexp.MustCompile(`emag\.ro/recommendations/by-zone-position`),
	regexp.MustCompile(`emag\.ro/g/collect`),
	regexp.MustCompile(`googlesyndication\.com`),
	regexp.MustCompile(`google-analytics\.com`),
	regexp.MustCompile(`facebook\.com`),
	regexp.MustCompile(`tiktok\.com`),
	regexp.MustCompile(`snapchat\.com`),
	regexp.MustCompile(`adtrafficquality\.google`),
	regexp.MustCompile(`doubleclick\.net`),
	regexp.MustCompile(`creativecdn\.com`),
}

func isTrackerURL(url string) bool {
	for _, p := range trackerPatterns {
		if p.MatchString(url) {
			return true
		}
	}
	return false
}

// The cookie banner overlays the card grid; hiding it keeps clicks landing on
// the add-to-cart controls.
const hideCookieBannerJS = `(() => {
	let itv = null;
	const hide = () => {
		const banner = document.querySelector('div[class^="gdpr-cookie-banner"]');
		if (banner) {
			banner.style.visibility = 'hidden';
			clearInterval(itv);
		}
	};
	document.addEventListener('DOMContentLoaded', hide);
	itv = setInterval(hide, 500);
})();`

type browserSession struct {
	cfg      *Config
	browser  *rod.Browser
	launcher *launcher.Launcher
	log      *zap.Logger
}

func newBrowserSession(cfg *Config, log *zap.Logger) (*browserSession, error) {
	// Disable leakless mode on Windows to prevent deadlock
	// See: https://github.com/go-rod/rod/issues/853
	useLeakless := runtime.GOOS != "windows"

	l := launcher.New().
		Leakless(useLeakless).
		Headless(cfg.Headless)

	if cfg.BrowserProfilePath != "" {
		l = l.UserDataDir(cfg.BrowserProfilePath)
	}

	if chromePath, ok := launcher.LookPath(); ok {
		l = l.Bin(chromePath)
		log.Debug("using system chrome", zap.String("path", chromePath))
	}

	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	log.Info("browser launched", zap.Bool("headless", cfg.Headless))

	return &browserSession{
		cfg:      cfg,
		browser:  browser,
		launcher: l,
		log:      log,
	}, nil
}

func (s *browserSession) Close() {
	if s.browser != nil {
		_ = s.browser.Close()
	}
	if s.launcher != nil {
		s.launcher.Cleanup()
	}
	s.log.Info("browser destroyed")
}

// NewPage opens a stealth page prepared for the target site: tracker and
// heavy-resource requests aborted, cookie banner hidden.
func (s *browserSession) NewPage() (page, error) {
	p, err := stealth.Page(s.browser)
	if err != nil {
		return nil, fmt.Errorf("failed to create stealth page: %w", err)
	}

	if _, err := p.EvalOnNewDocument(hideCookieBannerJS); err != nil {
		s.log.Warn("failed to inject cookie banner script", zap.Error(err))
	}

	router := p.HijackRequests()
	err = router.Add("*", "", func(h *rod.Hijack) {
		switch h.Request.Type() {
		case proto.NetworkResourceTypeImage, proto.NetworkResourceTypeMedia, proto.NetworkResourceTypeFont:
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		if isTrackerURL(h.Request.URL().String()) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("failed to install request filter: %w", err)
	}
	go router.Run()

	return &rodPage{page: p, router: router, done: make(chan struct{})}, nil
}

type rodPage struct {
	page   *rod.Page
	router *rod.HijackRouter

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (p *rodPage) Navigate(url string) error {
	if err := p.page.Navigate(url); err != nil {
		return p.mapErr(err)
	}
	return p.mapErr(p.page.WaitLoad())
}

func (p *rodPage) NavStatus() (int, error) {
	res, err := p.page.Eval(`() => {
		return window.performance?.getEntriesByType?.('navigation')?.[0]?.responseStatus || 200;
	}`)
	if err != nil {
		return 0, p.mapErr(err)
	}
	return res.Value.Int(), nil
}

func (p *rodPage) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (p *rodPage) Elements(sel string) ([]element, error) {
	els, err := p.page.Elements(sel)
	if err != nil {
		return nil, p.mapErr(err)
	}
	return p.wrapAll(els), nil
}

func (p *rodPage) ElementsX(xpath string) ([]element, error) {
	els, err := p.page.ElementsX(xpath)
	if err != nil {
		return nil, p.mapErr(err)
	}
	return p.wrapAll(els), nil
}

func (p *rodPage) wrapAll(els rod.Elements) []element {
	wrapped := make([]element, 0, len(els))
	for _, el := range els {
		wrapped = append(wrapped, &rodElement{el: el, owner: p})
	}
	return wrapped
}

func (p *rodPage) Click(sel string, timeout time.Duration) error {
	el, err := p.page.Timeout(timeout).Element(sel)
	if err != nil {
		return p.mapErr(err)
	}
	return p.mapErr(el.Click(proto.InputMouseButtonLeft, 1))
}

func (p *rodPage) ExpectResponse(pred func(netResponse) bool, timeout time.Duration) (func() (*netResponse, bool), func()) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	target := p.page.Context(ctx)

	// Events buffer from this call on; callbacks run sequentially inside the
	// returned wait, so the map needs no locking.
	requests := make(map[proto.NetworkRequestID]*proto.NetworkRequest)
	var matched *netResponse
	wait := target.EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			requests[e.RequestID] = e.Request
		},
		func(e *proto.NetworkResponseReceived) bool {
			req, ok := requests[e.RequestID]
			if !ok {
				return false
			}
			r := netResponse{
				URL:    e.Response.URL,
				Status: e.Response.Status,
				Method: req.Method,
				Body:   requestBody(target, e.RequestID, req),
			}
			if pred(r) {
				matched = &r
				return true
			}
			return false
		},
	)

	waitFn := func() (*netResponse, bool) {
		defer cancel()
		wait()
		if matched == nil {
			return nil, false
		}
		return matched, true
	}
	return waitFn, cancel
}

// requestBody resolves the posted payload of a request. Bodies only matter
// for mutations, so reads are skipped outright.
func requestBody(p *rod.Page, id proto.NetworkRequestID, req *proto.NetworkRequest) string {
	if req.Method == http.MethodGet || !req.HasPostData {
		return ""
	}
	var b strings.Builder
	for _, entry := range req.PostDataEntries {
		b.Write(entry.Bytes)
	}
	if b.Len() > 0 {
		return b.String()
	}
	res, err := proto.NetworkGetRequestPostData{RequestID: id}.Call(p)
	if err != nil {
		return ""
	}
	return res.PostData
}

func (p *rodPage) Closed() bool {
	select {
	case <-p.done:
		return true
	default:
	}
	// The handle may have been closed externally; a dead target fails Info.
	if _, err := p.page.Info(); err != nil {
		return true
	}
	return false
}

func (p *rodPage) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	if p.router != nil {
		_ = p.router.Stop()
	}
	return p.page.Close()
}

// mapErr rewrites automation errors raised after the page went away into the
// page-closed sentinel so callers can tell terminal from transient failures.
func (p *rodPage) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if p.Closed() {
		return errPageClosed
	}
	return err
}

type rodElement struct {
	el    *rod.Element
	owner *rodPage
}

func (e *rodElement) Attribute(name string) (*string, error) {
	v, err := e.el.Attribute(name)
	if err != nil {
		return nil, e.owner.mapErr(err)
	}
	return v, nil
}

func (e *rodElement) Text() (string, error) {
	t, err := e.el.Text()
	if err != nil {
		return "", e.owner.mapErr(err)
	}
	return t, nil
}

func (e *rodElement) Visible() (bool, error) {
	v, err := e.el.Visible()
	if err != nil {
		return false, e.owner.mapErr(err)
	}
	return v, nil
}

func (e *rodElement) Click(timeout time.Duration) error {
	return e.owner.mapErr(e.el.Timeout(timeout).Click(proto.InputMouseButtonLeft, 1))
}

func (e *rodElement) Element(sel string, timeout time.Duration) (element, error) {
	child, err := e.el.Timeout(timeout).Element(sel)
	if err != nil {
		return nil, e.owner.mapErr(err)
	}
	return &rodElement{el: child, owner: e.owner}, nil
}

func (e *rodElement) Elements(sel string) ([]element, error) {
	els, err := e.el.Elements(sel)
	if err != nil {
		return nil, e.owner.mapErr(err)
	}
	return e.owner.wrapAll(els), nil
}

func (e *rodElement) Has(sel string) (bool, error) {
	ok, _, err := e.el.Has(sel)
	if err != nil {
		return false, e.owner.mapErr(err)
	}
	return ok, nil
}
