package pagedriver

import (
	"context"
	"fmt"
	"strings"
)

// LoginPage models a conventional username/password form.
type LoginPage struct {
	drv Driver

	UserField  string
	PassField  string
	SubmitBtn  string
	ErrorLabel string
}

// NewLoginPage builds a login page object with the usual selectors. Override
// the fields for sites that deviate.
func NewLoginPage(drv Driver) *LoginPage {
	return &LoginPage{
		drv:        drv,
		UserField:  `input[name="username"]`,
		PassField:  `input[name="password"]`,
		SubmitBtn:  `button[type="submit"]`,
		ErrorLabel: `.error`,
	}
}

// Login navigates to the form and submits the credentials.
func (p *LoginPage) Login(ctx context.Context, url, user, pass string) error {
	if err := p.drv.Navigate(ctx, url); err != nil {
		return err
	}
	if err := p.drv.Fill(ctx, p.UserField, user); err != nil {
		return err
	}
	if err := p.drv.Fill(ctx, p.PassField, pass); err != nil {
		return err
	}
	return p.drv.Click(ctx, p.SubmitBtn)
}

// ErrorMessage reads the inline error label, if any.
func (p *LoginPage) ErrorMessage(ctx context.Context) (string, error) {
	return p.drv.Text(ctx, p.ErrorLabel)
}

// CheckPage backs the declarative checks the CLI runs: navigate somewhere,
// then assert on a selector's presence and the page title.
type CheckPage struct {
	drv Driver
}

func NewCheckPage(drv Driver) *CheckPage {
	return &CheckPage{drv: drv}
}

// Verify navigates to url and applies whichever assertions are non-empty.
func (p *CheckPage) Verify(ctx context.Context, url, selector, titleSubstr string) error {
	if err := p.drv.Navigate(ctx, url); err != nil {
		return err
	}
	if selector != "" {
		if err := p.drv.WaitVisible(ctx, selector); err != nil {
			return err
		}
	}
	if titleSubstr != "" {
		title, err := p.drv.Title(ctx)
		if err != nil {
			return err
		}
		if !strings.Contains(title, titleSubstr) {
			return fmt.Errorf("page title %q does not contain %q", title, titleSubstr)
		}
	}
	return nil
}
