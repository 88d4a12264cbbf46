// Package browser manages the Chromium instances used for interactive portal logins.
package browser

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/oklog/ulid/v2"

	"github.com/gujaehyung/s2b-extend/internal/config"
)

var (
	// ErrPoolClosed is returned when trying to use a closed pool.
	ErrPoolClosed = errors.New("browser pool is closed")
	// ErrBrowserUnhealthy is reported when a pooled browser stops responding.
	ErrBrowserUnhealthy = errors.New("browser is unhealthy")
)

// ManagedBrowser wraps a rod.Browser with management metadata.
type ManagedBrowser struct {
	ID           string
	Browser      *rod.Browser
	InUse        bool
	CreatedAt    time.Time
	LastUsedAt   time.Time
	RequestCount int
}

// driver starts, probes and stops browsers. Replaced in tests.
type driver interface {
	launch(ctx context.Context) (*rod.Browser, error)
	ping(b *rod.Browser) error
	close(b *rod.Browser) error
}

// Pool manages a bounded set of browsers. Logins are rare and short, so the
// pool stays small and browsers are recycled by age and use count.
type Pool struct {
	mu       sync.Mutex
	browsers map[string]*ManagedBrowser
	starting int
	waiting  []chan *ManagedBrowser
	closed   bool

	size        int
	maxAge      time.Duration
	maxRequests int
	idleTimeout time.Duration

	driver driver
	logger *slog.Logger
}

// NewPool creates a browser pool sized and tuned from cfg.
func NewPool(cfg *config.Config, logger *slog.Logger) *Pool {
	return newPool(cfg, &rodDriver{
		chromePath: cfg.ChromePath,
		headless:   cfg.BrowserHeadless,
		proxy:      cfg.ProxyURL,
	}, logger)
}

func newPool(cfg *config.Config, d driver, logger *slog.Logger) *Pool {
	size := cfg.BrowserPoolSize
	if size < 1 {
		size = 1
	}
	return &Pool{
		browsers:    make(map[string]*ManagedBrowser),
		size:        size,
		maxAge:      cfg.BrowserMaxAge,
		maxRequests: cfg.BrowserMaxRequests,
		idleTimeout: cfg.BrowserIdleTimeout,
		driver:      d,
		logger:      logger.With("component", "browser_pool"),
	}
}

// Warmup makes sure a Chromium binary is available so the first login does
// not pay for the download.
func (p *Pool) Warmup() error {
	d, ok := p.driver.(*rodDriver)
	if !ok || d.chromePath != "" {
		return nil
	}
	p.logger.Info("ensuring Chromium is available")
	path, err := launcher.NewBrowser().Get()
	if err != nil {
		return err
	}
	p.logger.Info("Chromium ready", "path", path)
	return nil
}

// Acquire returns an idle browser, launches a new one while under capacity,
// or blocks until one is released.
func (p *Pool) Acquire(ctx context.Context) (*ManagedBrowser, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	for id, b := range p.browsers {
		if b.InUse {
			continue
		}
		if !p.isHealthy(b) {
			p.closeBrowser(b)
			delete(p.browsers, id)
			continue
		}
		b.InUse = true
		b.LastUsedAt = time.Now()
		p.mu.Unlock()
		return b, nil
	}

	if len(p.browsers)+p.starting < p.size {
		p.starting++
		p.mu.Unlock()
		return p.launch(ctx)
	}

	waitChan := make(chan *ManagedBrowser, 1)
	p.waiting = append(p.waiting, waitChan)
	p.mu.Unlock()

	select {
	case b, ok := <-waitChan:
		if !ok {
			return nil, ErrPoolClosed
		}
		return b, nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, ch := range p.waiting {
			if ch == waitChan {
				p.waiting = append(p.waiting[:i], p.waiting[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		// A browser may have been handed over just before removal.
		select {
		case b, ok := <-waitChan:
			if ok {
				p.Release(b)
			}
		default:
		}
		return nil, ctx.Err()
	}
}

// launch starts a browser outside the lock; a slot was reserved in starting.
func (p *Pool) launch(ctx context.Context) (*ManagedBrowser, error) {
	rb, err := p.driver.launch(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.starting--

	if err != nil {
		return nil, err
	}
	now := time.Now()
	b := &ManagedBrowser{
		ID:         ulid.Make().String(),
		Browser:    rb,
		InUse:      true,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if p.closed {
		p.closeBrowser(b)
		return nil, ErrPoolClosed
	}
	p.browsers[b.ID] = b
	p.logger.Info("browser created", "id", b.ID)
	return b, nil
}

// Release returns a browser to the pool, recycling it when it is worn out.
func (p *Pool) Release(b *ManagedBrowser) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b.InUse = false
	b.RequestCount++
	b.LastUsedAt = time.Now()

	if p.closed {
		p.closeBrowser(b)
		return
	}

	if p.needsRecycle(b) {
		p.logger.Info("recycling browser", "id", b.ID, "age", time.Since(b.CreatedAt), "requests", b.RequestCount)
		p.closeBrowser(b)
		delete(p.browsers, b.ID)
		// The freed slot goes to the next waiter as a fresh launch.
		if len(p.waiting) > 0 {
			waitChan := p.waiting[0]
			p.waiting = p.waiting[1:]
			p.starting++
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				nb, err := p.launch(ctx)
				if err != nil {
					p.logger.Error("failed to create replacement browser", "error", err)
					close(waitChan)
					return
				}
				waitChan <- nb
			}()
		}
		return
	}

	if len(p.waiting) > 0 {
		waitChan := p.waiting[0]
		p.waiting = p.waiting[1:]
		b.InUse = true
		waitChan <- b
	}
}

// Close shuts down all browsers and wakes every waiter with ErrPoolClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for _, b := range p.browsers {
		p.closeBrowser(b)
	}
	p.browsers = make(map[string]*ManagedBrowser)

	for _, ch := range p.waiting {
		close(ch)
	}
	p.waiting = nil
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Total     int `json:"total"`
	InUse     int `json:"inUse"`
	Available int `json:"available"`
	MaxSize   int `json:"maxSize"`
	Waiting   int `json:"waiting"`
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		Total:   len(p.browsers),
		MaxSize: p.size,
		Waiting: len(p.waiting),
	}
	for _, b := range p.browsers {
		if b.InUse {
			stats.InUse++
		} else {
			stats.Available++
		}
	}
	return stats
}

func (p *Pool) isHealthy(b *ManagedBrowser) bool {
	if p.needsRecycle(b) {
		return false
	}
	if p.idleTimeout > 0 && time.Since(b.LastUsedAt) > p.idleTimeout {
		return false
	}
	return p.driver.ping(b.Browser) == nil
}

func (p *Pool) needsRecycle(b *ManagedBrowser) bool {
	if p.maxAge > 0 && time.Since(b.CreatedAt) > p.maxAge {
		return true
	}
	return p.maxRequests > 0 && b.RequestCount >= p.maxRequests
}

func (p *Pool) closeBrowser(b *ManagedBrowser) {
	if err := p.driver.close(b.Browser); err != nil {
		p.logger.Warn("error closing browser", "id", b.ID, "error", err)
	}
	p.logger.Info("browser closed", "id", b.ID)
}

// StartCleanup closes browsers idle longer than the idle timeout until ctx ends.
func (p *Pool) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cleanupIdle()
		}
	}
}

func (p *Pool) cleanupIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.idleTimeout <= 0 {
		return
	}
	for id, b := range p.browsers {
		if !b.InUse && time.Since(b.LastUsedAt) > p.idleTimeout {
			p.logger.Info("cleaning up idle browser", "id", id, "idle_time", time.Since(b.LastUsedAt))
			p.closeBrowser(b)
			delete(p.browsers, id)
		}
	}
}

// rodDriver launches local Chromium through the rod launcher.
type rodDriver struct {
	chromePath string
	headless   bool
	proxy      string
}

func (d *rodDriver) launch(ctx context.Context) (*rod.Browser, error) {
	l := launcher.New().Context(ctx)
	if d.chromePath != "" {
		l = l.Bin(d.chromePath)
	}
	l = l.
		Headless(d.headless).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("no-sandbox").
		Set("disable-infobars").
		Set("disable-extensions").
		Set("window-size", "1366,768").
		Set("lang", "ko-KR,ko")
	if d.proxy != "" {
		l = l.Proxy(d.proxy)
	}

	u, err := l.Launch()
	if err != nil {
		return nil, err
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func (d *rodDriver) ping(b *rod.Browser) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrBrowserUnhealthy
		}
	}()
	_, err = b.Pages()
	return err
}

func (d *rodDriver) close(b *rod.Browser) error {
	if b == nil {
		return nil
	}
	return b.Close()
}
