package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"citewatch/internal/types"
)

// maxFormSteps bounds the login -> consent -> redirect sequence.
const maxFormSteps = 4

// FormAuthorizerConfig configures a FormAuthorizer.
type FormAuthorizerConfig struct {
	LoginID     string
	Password    types.SecretString
	RedirectURL string
	Timeout     time.Duration
	// Transport overrides the HTTP transport; nil uses http.DefaultTransport.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// FormAuthorizer signs in to the authorization server's HTML login form
// with a stored account, accepts the consent form if one is shown, and
// captures the code from the redirect back to RedirectURL.
type FormAuthorizer struct {
	cfg      FormAuthorizerConfig
	redirect *url.URL
	logger   *slog.Logger
}

// NewFormAuthorizer validates the redirect URL and returns a FormAuthorizer.
func NewFormAuthorizer(cfg FormAuthorizerConfig) (*FormAuthorizer, error) {
	u, err := url.Parse(cfg.RedirectURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid redirect URL %q", cfg.RedirectURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FormAuthorizer{cfg: cfg, redirect: u, logger: logger}, nil
}

func (a *FormAuthorizer) Authorize(ctx context.Context, authURL, state string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	jar, err := cookiejar.New(nil)
	if err != nil {
		return "", err
	}

	var landed *url.URL
	client := &http.Client{
		Jar:       jar,
		Transport: a.cfg.Transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if a.isRedirectTarget(req.URL) {
				landed = req.URL
				return http.ErrUseLastResponse
			}
			if len(via) >= 10 {
				return errors.New("too many redirects")
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("loading consent page: %w", err)
	}

	for step := 0; landed == nil; step++ {
		if step >= maxFormSteps {
			resp.Body.Close()
			return "", errors.New("authorization did not redirect back after submitting forms")
		}
		form, err := parseForm(resp)
		resp.Body.Close()
		if err != nil {
			return "", err
		}
		if form.login {
			a.logger.Info("submitting login form", "action", form.action.String())
			form.fillLogin(a.cfg.LoginID, a.cfg.Password.Unmask())
		} else {
			a.logger.Info("submitting consent form", "action", form.action.String())
		}

		resp, err = form.submit(ctx, client)
		if err != nil {
			return "", fmt.Errorf("submitting form: %w", err)
		}
	}
	resp.Body.Close()

	q := landed.Query()
	if e := q.Get("error"); e != "" {
		return "", fmt.Errorf("authorization denied: %s %s", e, q.Get("error_description"))
	}
	if got := q.Get("state"); state != "" && got != "" && got != state {
		return "", ErrStateMismatch
	}
	code := q.Get("code")
	if code == "" {
		return "", errors.New("redirect carried no authorization code")
	}
	return code, nil
}

func (a *FormAuthorizer) isRedirectTarget(u *url.URL) bool {
	return strings.EqualFold(u.Host, a.redirect.Host) &&
		strings.TrimSuffix(u.Path, "/") == strings.TrimSuffix(a.redirect.Path, "/")
}

type htmlForm struct {
	action   *url.URL
	method   string
	fields   url.Values
	login    bool
	loginKey string
	passKey  string
}

// parseForm picks the first form on the page that has a password field, or
// failing that the first form at all.
func parseForm(resp *http.Response) (*htmlForm, error) {
	doc, err := html.Parse(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("parsing authorization page: %w", err)
	}

	var forms []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "form" {
			forms = append(forms, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if len(forms) == 0 {
		return nil, fmt.Errorf("no form on %s (status %d)", resp.Request.URL, resp.StatusCode)
	}

	var chosen *htmlForm
	for _, n := range forms {
		f := readForm(n, resp.Request.URL)
		if f.login {
			chosen = f
			break
		}
		if chosen == nil {
			chosen = f
		}
	}
	return chosen, nil
}

func readForm(n *html.Node, base *url.URL) *htmlForm {
	f := &htmlForm{
		action: base,
		method: strings.ToUpper(nodeAttr(n, "method")),
		fields: url.Values{},
	}
	if f.method == "" {
		f.method = http.MethodGet
	}
	if action := nodeAttr(n, "action"); action != "" {
		if u, err := base.Parse(action); err == nil {
			f.action = u
		}
	}

	submitSeen := false
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.ElementNode {
			name := nodeAttr(c, "name")
			typ := strings.ToLower(nodeAttr(c, "type"))
			switch c.Data {
			case "input":
				switch typ {
				case "password":
					f.login = true
					f.passKey = name
				case "checkbox", "radio":
					// Consent pages require every box ticked.
					if name != "" {
						v := nodeAttr(c, "value")
						if v == "" {
							v = "on"
						}
						f.fields.Add(name, v)
					}
				case "submit":
					if name != "" && !submitSeen {
						f.fields.Set(name, nodeAttr(c, "value"))
						submitSeen = true
					}
				case "", "text", "email", "tel":
					if f.loginKey == "" && name != "" {
						f.loginKey = name
					}
					if name != "" {
						f.fields.Set(name, nodeAttr(c, "value"))
					}
				default:
					if name != "" {
						f.fields.Set(name, nodeAttr(c, "value"))
					}
				}
			case "button":
				if name != "" && !submitSeen && (typ == "" || typ == "submit") {
					f.fields.Set(name, nodeAttr(c, "value"))
					submitSeen = true
				}
			}
		}
		for ch := c.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(n)
	return f
}

func (f *htmlForm) fillLogin(id, password string) {
	if f.loginKey != "" {
		f.fields.Set(f.loginKey, id)
	}
	if f.passKey != "" {
		f.fields.Set(f.passKey, password)
	}
}

func (f *htmlForm) submit(ctx context.Context, client *http.Client) (*http.Response, error) {
	var req *http.Request
	var err error
	if f.method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, f.action.String(), strings.NewReader(f.fields.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		u := *f.action
		u.RawQuery = f.fields.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	}
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}

func nodeAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
