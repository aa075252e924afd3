// Package csrf supplies the CSRF token the diary server expects on every
// state-changing request. Tokens are looked up at send time; callers never
// hold on to one.
package csrf

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/html"
)

// HeaderName is the request header Django reads the token from.
const HeaderName = "X-CSRFToken"

// FormField is the hidden input Django renders into every form.
const FormField = "csrfmiddlewaretoken"

// DefaultCookie is Django's default CSRF cookie name.
const DefaultCookie = "csrftoken"

// Source returns the current token, or "" if none is available.
type Source interface {
	Token() string
}

// SourceFunc adapts a function to a Source.
type SourceFunc func() string

func (f SourceFunc) Token() string { return f() }

// Static always returns the same token.
func Static(token string) Source {
	return SourceFunc(func() string { return token })
}

// Chain returns the first non-empty token among sources.
func Chain(sources ...Source) Source {
	return SourceFunc(func() string {
		for _, s := range sources {
			if s == nil {
				continue
			}
			if tok := s.Token(); tok != "" {
				return tok
			}
		}
		return ""
	})
}

// CookieSource reads the token cookie out of a cookie jar.
type CookieSource struct {
	jar  http.CookieJar
	url  *url.URL
	name string
}

// NewCookieSource reads cookie name (DefaultCookie if empty) set for u.
func NewCookieSource(jar http.CookieJar, u *url.URL, name string) *CookieSource {
	if name == "" {
		name = DefaultCookie
	}
	return &CookieSource{jar: jar, url: u, name: name}
}

func (c *CookieSource) Token() string {
	if c == nil || c.jar == nil || c.url == nil {
		return ""
	}
	for _, ck := range c.jar.Cookies(c.url) {
		if ck.Name == c.name {
			return ck.Value
		}
	}
	return ""
}

// FormToken extracts the value of the csrfmiddlewaretoken input from page
// markup. It returns "" without error when the page has no such input.
func FormToken(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parse page: %w", err)
	}
	return findFormToken(doc), nil
}

func findFormToken(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "input" && attr(n, "name") == FormField {
		return attr(n, "value")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if tok := findFormToken(c); tok != "" {
			return tok
		}
	}
	return ""
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// PageSource loads a page of the diary site to pick up the CSRF cookie and
// form token, the same way a browser does when it renders the dashboard.
// Token prefers the cookie and falls back to the form token.
type PageSource struct {
	client  *http.Client
	pageURL string
	cookies *CookieSource

	mu   sync.RWMutex
	form string
}

// NewPageSource uses client (which should carry a cookie jar) to load pageURL.
func NewPageSource(client *http.Client, pageURL, cookieName string) (*PageSource, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	return &PageSource{
		client:  client,
		pageURL: pageURL,
		cookies: NewCookieSource(client.Jar, u, cookieName),
	}, nil
}

// Load fetches the page. It may be called again to pick up a rotated token.
func (p *PageSource) Load(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.pageURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("load %s: %w", p.pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
		return fmt.Errorf("load %s: status %d", p.pageURL, resp.StatusCode)
	}

	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.Contains(ct, "html") {
		return nil
	}
	tok, err := FormToken(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if tok != "" {
		p.mu.Lock()
		p.form = tok
		p.mu.Unlock()
	}
	return nil
}

func (p *PageSource) Token() string {
	if tok := p.cookies.Token(); tok != "" {
		return tok
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.form
}
