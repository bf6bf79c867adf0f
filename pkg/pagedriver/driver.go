// Package pagedriver is the thin page-object layer test authors build on.
// Page objects compose over the Driver capability interface instead of
// inheriting from a base page class; anything that can click, fill, and read
// can back them, including fakes in tests.
package pagedriver

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
)

// Driver is the capability surface a page object needs.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	Text(ctx context.Context, selector string) (string, error)
	Title(ctx context.Context) (string, error)
	WaitVisible(ctx context.Context, selector string) error
	Eval(ctx context.Context, expression string, out any) error
}

// RunFunc executes chromedp actions against a leased browser context.
type RunFunc func(ctx context.Context, actions ...chromedp.Action) error

// CDP is the chromedp-backed Driver. It drives whatever context the RunFunc
// is bound to; operations on one context are strictly sequential.
type CDP struct {
	run RunFunc
}

var _ Driver = (*CDP)(nil)

// NewCDP builds a driver over a pool lease's Run method.
func NewCDP(run RunFunc) *CDP {
	return &CDP{run: run}
}

func (d *CDP) Navigate(ctx context.Context, url string) error {
	if err := d.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

func (d *CDP) Click(ctx context.Context, selector string) error {
	err := d.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("failed to click %q: %w", selector, err)
	}
	return nil
}

func (d *CDP) Fill(ctx context.Context, selector, value string) error {
	err := d.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("failed to fill %q: %w", selector, err)
	}
	return nil
}

func (d *CDP) Text(ctx context.Context, selector string) (string, error) {
	var out string
	if err := d.run(ctx, chromedp.Text(selector, &out, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read text of %q: %w", selector, err)
	}
	return out, nil
}

func (d *CDP) Title(ctx context.Context) (string, error) {
	var out string
	if err := d.run(ctx, chromedp.Title(&out)); err != nil {
		return "", fmt.Errorf("failed to read page title: %w", err)
	}
	return out, nil
}

func (d *CDP) WaitVisible(ctx context.Context, selector string) error {
	if err := d.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed waiting for %q: %w", selector, err)
	}
	return nil
}

func (d *CDP) Eval(ctx context.Context, expression string, out any) error {
	if err := d.run(ctx, chromedp.Evaluate(expression, out)); err != nil {
		return fmt.Errorf("failed to evaluate script: %w", err)
	}
	return nil
}
