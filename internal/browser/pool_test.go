package browser

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/go-rod/rod"

	"github.com/gujaehyung/s2b-extend/internal/config"
)

type fakeDriver struct {
	mu       sync.RWMutex
	launched int
	closed   int
	failNext bool
}

func (d *fakeDriver) launch(context.Context) (*rod.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext {
		d.failNext = false
		return nil, errors.New("launch failed")
	}
	d.launched++
	return nil, nil
}

func (d *fakeDriver) ping(*rod.Browser) error { return nil }

func (d *fakeDriver) close(*rod.Browser) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

func (d *fakeDriver) counts() (int, int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.launched, d.closed
}

func newTestPool(t *testing.T, size, maxRequests int) (*Pool, *fakeDriver) {
	t.Helper()
	cfg := &config.Config{
		BrowserPoolSize:    size,
		BrowserMaxRequests: maxRequests,
		BrowserMaxAge:      time.Hour,
		BrowserIdleTimeout: time.Hour,
	}
	d := &fakeDriver{}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	p := newPool(cfg, d, logger)
	t.Cleanup(p.Close)
	return p, d
}

func TestPool_ReuseAfterRelease(t *testing.T) {
	p, d := newTestPool(t, 2, 10)
	ctx := context.Background()

	b1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	p.Release(b1)

	b2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if b2.ID != b1.ID {
		t.Errorf("expected released browser to be reused")
	}
	if launched, _ := d.counts(); launched != 1 {
		t.Errorf("launched = %d, want 1", launched)
	}
}

func TestPool_WaitsWhenFull(t *testing.T) {
	p, _ := newTestPool(t, 1, 10)
	ctx := context.Background()

	b1, _ := p.Acquire(ctx)

	got := make(chan *ManagedBrowser, 1)
	go func() {
		b, err := p.Acquire(ctx)
		if err != nil {
			t.Errorf("waiting Acquire() error = %v", err)
		}
		got <- b
	}()

	// Wait for the second caller to queue.
	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().Waiting == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	p.Release(b1)

	select {
	case b := <-got:
		if b == nil || b.ID != b1.ID {
			t.Errorf("waiter received %v, want %s", b, b1.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not handed the released browser")
	}
}

func TestPool_AcquireTimeout(t *testing.T) {
	p, _ := newTestPool(t, 1, 10)
	_, _ = p.Acquire(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire() error = %v, want deadline exceeded", err)
	}
	if p.Stats().Waiting != 0 {
		t.Error("timed out waiter left in queue")
	}
}

func TestPool_RecycleByRequestCount(t *testing.T) {
	p, d := newTestPool(t, 1, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		b, err := p.Acquire(ctx)
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		p.Release(b)
	}
	if _, closed := d.counts(); closed != 1 {
		t.Errorf("closed = %d, want 1 after reaching max requests", closed)
	}
	if p.Stats().Total != 0 {
		t.Errorf("Total = %d, want 0", p.Stats().Total)
	}
}

func TestPool_LaunchFailureFreesSlot(t *testing.T) {
	p, d := newTestPool(t, 1, 10)
	d.failNext = true

	if _, err := p.Acquire(context.Background()); err == nil {
		t.Fatal("expected launch error")
	}
	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() after failure error = %v", err)
	}
}

func TestPool_Closed(t *testing.T) {
	p, _ := newTestPool(t, 1, 10)
	p.Close()
	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Acquire() error = %v, want ErrPoolClosed", err)
	}
}
