package browserpool

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kmansel/gridrunner/api/schemas"
	"github.com/kmansel/gridrunner/internal/config"
)

// ChromiumDriver launches headless Chromium processes via chromedp's exec
// allocator. Isolation comes from CDP browser contexts: every pool context
// gets its own cookie jar and storage inside the shared process.
type ChromiumDriver struct {
	cfg    config.PoolConfig
	logger *zap.Logger
}

var _ Driver = (*ChromiumDriver)(nil)

func NewChromiumDriver(cfg config.PoolConfig, logger *zap.Logger) *ChromiumDriver {
	return &ChromiumDriver{cfg: cfg, logger: logger.Named("chromium_driver")}
}

func (d *ChromiumDriver) Kind() schemas.EngineKind { return schemas.EngineChromium }

// Launch starts a browser process for the target and verifies it responds.
// Any partially started process is torn down before an error is returned.
func (d *ChromiumDriver) Launch(ctx context.Context, tgt schemas.EngineTarget) (Engine, error) {
	opts := d.allocatorOptions(tgt)

	// The allocator parents on Background: the engine's lifetime is owned by
	// Engine.Close, not by whichever acquire happened to launch it.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	teardown := func() {
		browserCancel()
		allocCancel()
	}

	timeout := d.cfg.LaunchTimeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	probeCtx, cancelProbe := context.WithTimeout(browserCtx, timeout)
	defer cancelProbe()

	// An empty Run starts the process and connects the DevTools transport.
	if err := chromedp.Run(probeCtx); err != nil {
		teardown()
		return nil, fmt.Errorf("browser failed to start or respond: %w", err)
	}
	if err := ctx.Err(); err != nil {
		teardown()
		return nil, err
	}

	d.logger.Info("Chromium engine launched.", zap.String("target", tgt.Name))
	return &chromiumEngine{
		logger:        d.logger.With(zap.String("target", tgt.Name)),
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

func (d *ChromiumDriver) allocatorOptions(tgt schemas.EngineTarget) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	opts = append(opts,
		chromedp.Flag("headless", d.cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", d.cfg.Headless),
	)

	if tgt.Viewport.Width > 0 && tgt.Viewport.Height > 0 {
		opts = append(opts, chromedp.WindowSize(tgt.Viewport.Width, tgt.Viewport.Height))
	}
	if tgt.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(tgt.UserAgent))
	}

	for _, arg := range d.cfg.ExtraArgs {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			opts = append(opts, chromedp.Flag(name, parts[1]))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}

	// Flags required when running inside containers.
	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-setuid-sandbox", true),
		)
	}
	return opts
}

type chromiumEngine struct {
	logger        *zap.Logger
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	active        atomic.Int32
}

// NewContext creates an isolated CDP browser context plus a tab inside it.
func (e *chromiumEngine) NewContext(ctx context.Context) (Context, error) {
	var bctxID cdp.BrowserContextID
	var targetID target.ID

	err := chromedp.Run(e.browserCtx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		bctxID, err = target.CreateBrowserContext().
			WithDisposeOnDetach(true).
			Do(c)
		if err != nil {
			return fmt.Errorf("failed to create browser context: %w", err)
		}
		targetID, err = target.CreateTarget("about:blank").
			WithBrowserContextID(bctxID).
			Do(c)
		if err != nil {
			// Do not leave an orphaned browser context behind.
			_ = target.DisposeBrowserContext(bctxID).Do(c)
			return fmt.Errorf("failed to create target: %w", err)
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(e.browserCtx, chromedp.WithTargetID(targetID))
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		e.disposeBrowserContext(bctxID)
		return nil, fmt.Errorf("failed to attach to target: %w", err)
	}

	e.active.Add(1)
	return &chromiumContext{
		id:        uuid.NewString(),
		engine:    e,
		bctxID:    bctxID,
		tabCtx:    tabCtx,
		tabCancel: tabCancel,
	}, nil
}

func (e *chromiumEngine) ContextCount() int {
	return int(e.active.Load())
}

func (e *chromiumEngine) Close(ctx context.Context) error {
	e.logger.Debug("Closing chromium engine.")
	e.browserCancel()
	e.allocCancel()

	// Wait for the process to exit, respecting the caller's deadline.
	select {
	case <-e.browserCtx.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for engine shutdown: %w", ctx.Err())
	}
}

func (e *chromiumEngine) disposeBrowserContext(id cdp.BrowserContextID) {
	err := chromedp.Run(e.browserCtx, chromedp.ActionFunc(func(c context.Context) error {
		return target.DisposeBrowserContext(id).Do(c)
	}))
	if err != nil {
		e.logger.Debug("Could not dispose browser context.", zap.Error(err))
	}
}

type chromiumContext struct {
	id        string
	engine    *chromiumEngine
	bctxID    cdp.BrowserContextID
	tabCtx    context.Context
	tabCancel context.CancelFunc
}

func (c *chromiumContext) ID() string { return c.id }

func (c *chromiumContext) CDPContext() context.Context { return c.tabCtx }

// Run executes actions against the tab, honoring both the tab lifetime and
// the caller's context.
func (c *chromiumContext) Run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := combineContext(c.tabCtx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func (c *chromiumContext) Close(ctx context.Context) error {
	c.tabCancel()
	c.engine.disposeBrowserContext(c.bctxID)
	c.engine.active.Add(-1)
	return nil
}

// combineContext derives a context from primary that is additionally
// cancelled when secondary ends.
func combineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(primary)
	stop := context.AfterFunc(secondary, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
