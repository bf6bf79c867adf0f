package statestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/kmansel/gridrunner/api/schemas"
)

// localStorageScript reads the full localStorage contents of the current
// origin. Access can throw for opaque origins or disabled storage.
const localStorageScript = `(function() {
    let items = {};
    try {
        const s = window.localStorage;
        if (s) {
            for (let i = 0; i < s.length; i++) {
                const k = s.key(i);
                if (k !== null) { items[k] = s.getItem(k); }
            }
        }
    } catch (e) { /* SecurityError or storage disabled */ }
    return items;
})()`

// Capture reads cookies and the current origin's local storage from a live
// browser context. It fails with a *CaptureError if the context is closed.
func Capture(ctx context.Context) (*schemas.SessionState, error) {
	if chromedp.FromContext(ctx) == nil {
		return nil, &CaptureError{Err: errors.New("not a browser context")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &CaptureError{Err: err}
	}

	state := &schemas.SessionState{
		Version:    schemas.SessionStateVersion,
		CapturedAt: time.Now().UTC(),
	}

	var origin string
	var local map[string]string
	err := chromedp.Run(ctx,
		chromedp.ActionFunc(func(c context.Context) error {
			cookies, err := network.GetCookies().Do(c)
			if err != nil {
				return fmt.Errorf("failed to read cookies: %w", err)
			}
			state.Cookies = DedupeCookies(convertCookies(cookies))
			return nil
		}),
		chromedp.Evaluate(`location.origin`, &origin),
		chromedp.Evaluate(localStorageScript, &local),
	)
	if err != nil {
		return nil, &CaptureError{Err: err}
	}

	if origin != "" && origin != "null" && len(local) > 0 {
		state.Origins = append(state.Origins, schemas.OriginState{
			Origin:       origin,
			LocalStorage: local,
		})
	}
	return state, nil
}

// DedupeCookies enforces the (name, domain, path) uniqueness invariant:
// for duplicate keys the last capture wins, keeping the original position.
func DedupeCookies(cookies []schemas.Cookie) []schemas.Cookie {
	index := make(map[string]int, len(cookies))
	out := cookies[:0:0]
	for _, c := range cookies {
		if i, ok := index[c.Key()]; ok {
			out[i] = c
			continue
		}
		index[c.Key()] = len(out)
		out = append(out, c)
	}
	return out
}

func convertCookies(cookies []*network.Cookie) []schemas.Cookie {
	out := make([]schemas.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, schemas.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: schemas.CookieSameSite(c.SameSite.String()),
		})
	}
	return out
}

// ValidateSeed checks that a state blob is applicable to a fresh context.
func ValidateSeed(state *schemas.SessionState) error {
	if state == nil {
		return &SeedError{Err: errors.New("nil session state")}
	}
	if state.Version != schemas.SessionStateVersion {
		return &SeedError{Err: fmt.Errorf("unsupported format version %d", state.Version)}
	}
	seen := make(map[string]struct{}, len(state.Cookies))
	for _, c := range state.Cookies {
		if c.Name == "" {
			return &SeedError{Err: errors.New("cookie with empty name")}
		}
		if _, dup := seen[c.Key()]; dup {
			return &SeedError{Err: fmt.Errorf("duplicate cookie (%s, %s, %s)", c.Name, c.Domain, c.Path)}
		}
		seen[c.Key()] = struct{}{}
	}
	for _, o := range state.Origins {
		if !strings.Contains(o.Origin, "://") {
			return &SeedError{Err: fmt.Errorf("invalid origin %q", o.Origin)}
		}
	}
	return nil
}

// SeedActions builds the chromedp tasks that install a captured state into a
// brand new context. The tasks must run before any navigation: cookies go in
// via CDP and local storage through a script injected on document creation.
func SeedActions(state *schemas.SessionState) (chromedp.Tasks, error) {
	if err := ValidateSeed(state); err != nil {
		return nil, err
	}

	var tasks chromedp.Tasks
	if len(state.Cookies) > 0 {
		cookies := state.Cookies
		tasks = append(tasks, chromedp.ActionFunc(func(ctx context.Context) error {
			for _, c := range cookies {
				p := network.SetCookie(c.Name, c.Value).
					WithDomain(c.Domain).
					WithPath(c.Path).
					WithSecure(c.Secure).
					WithHTTPOnly(c.HTTPOnly)
				if c.SameSite != "" {
					p = p.WithSameSite(network.CookieSameSite(c.SameSite))
				}
				if c.Expires > 0 {
					exp := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
					p = p.WithExpires(&exp)
				}
				if err := p.Do(ctx); err != nil {
					return fmt.Errorf("failed to set cookie %q: %w", c.Name, err)
				}
			}
			return nil
		}))
	}

	if script := seedStorageScript(state.Origins); script != "" {
		tasks = append(tasks, chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
				return fmt.Errorf("failed to install storage seed script: %w", err)
			}
			return nil
		}))
	}
	return tasks, nil
}

// seedStorageScript emits a guard-per-origin script so each origin only ever
// writes its own keys.
func seedStorageScript(origins []schemas.OriginState) string {
	var b strings.Builder
	for _, o := range origins {
		if len(o.LocalStorage) == 0 {
			continue
		}
		originLit, err := json.MarshalToString(o.Origin)
		if err != nil {
			continue
		}
		b.WriteString("if (location.origin === " + originLit + ") { try {\n")
		for k, v := range o.LocalStorage {
			kl, kerr := json.MarshalToString(k)
			vl, verr := json.MarshalToString(v)
			if kerr != nil || verr != nil {
				continue
			}
			b.WriteString("  window.localStorage.setItem(" + kl + ", " + vl + ");\n")
		}
		b.WriteString("} catch (e) {} }\n")
	}
	return b.String()
}
