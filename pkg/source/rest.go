package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/wdm0006/tributary/pkg/tabular"
)

// RESTConfig declares a paginated HTTP API as a set of resources, one table
// per endpoint.
type RESTConfig struct {
	Client    RESTClient     `json:"client" yaml:"client" toml:"client"`
	Defaults  RESTEndpoint   `json:"resource_defaults" yaml:"resource_defaults" toml:"resource_defaults"`
	Resources []RESTResource `json:"resources" yaml:"resources" toml:"resources"`
}

type RESTClient struct {
	BaseURL   string            `json:"base_url" yaml:"base_url" toml:"base_url"`
	Headers   map[string]string `json:"headers" yaml:"headers" toml:"headers"`
	Auth      *RESTAuth         `json:"auth" yaml:"auth" toml:"auth"`
	Paginator RESTPaginator     `json:"paginator" yaml:"paginator" toml:"paginator"`

	// HTTPClient overrides http.DefaultClient, mainly for tests.
	HTTPClient *http.Client `json:"-" yaml:"-" toml:"-"`
}

type RESTAuth struct {
	Type  string `json:"type" yaml:"type" toml:"type"` // only "bearer"
	Token string `json:"token" yaml:"token" toml:"token"`
}

// RESTPaginator picks the pagination strategy: "header_link" follows the
// Link rel="next" header, "page_number" increments a page query parameter
// until a page comes back empty, "single_page" (default) fetches once.
type RESTPaginator struct {
	Type      string `json:"type" yaml:"type" toml:"type"`
	PageParam string `json:"page_param" yaml:"page_param" toml:"page_param"` // default "page"
	StartPage int    `json:"start_page" yaml:"start_page" toml:"start_page"` // default 1
}

type RESTResource struct {
	Name       string             `json:"name" yaml:"name" toml:"name"`
	Endpoint   RESTEndpoint       `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	Policy     tabular.WritePolicy `json:"write_policy" yaml:"write_policy" toml:"write_policy"`
	PrimaryKey []string           `json:"primary_key" yaml:"primary_key" toml:"primary_key"`
}

type RESTEndpoint struct {
	Path   string            `json:"path" yaml:"path" toml:"path"`
	Params map[string]string `json:"params" yaml:"params" toml:"params"`
}

// REST builds one Resource per declared endpoint. Requests happen lazily as
// the pipeline drains each resource.
func REST(cfg RESTConfig) ([]*Resource, error) {
	if cfg.Client.BaseURL == "" {
		return nil, fmt.Errorf("rest source: base_url is required")
	}
	var out []*Resource
	for _, rc := range cfg.Resources {
		if rc.Name == "" {
			return nil, fmt.Errorf("rest source: resource without a name")
		}
		policy := rc.Policy
		if policy == "" {
			policy = tabular.WriteReplace
		}
		start, err := startURL(cfg, rc)
		if err != nil {
			return nil, err
		}
		out = append(out, &Resource{
			Name:       rc.Name,
			Policy:     policy,
			PrimaryKey: rc.PrimaryKey,
			Source: &restSource{
				name:   rc.Name,
				client: cfg.Client,
				next:   start,
				page:   pageStart(cfg.Client.Paginator),
			},
		})
	}
	return out, nil
}

func pageStart(p RESTPaginator) int {
	if p.StartPage > 0 {
		return p.StartPage
	}
	return 1
}

// startURL resolves the endpoint path against the base URL, substituting
// {param} path segments and sending the remaining params as the query.
func startURL(cfg RESTConfig, rc RESTResource) (string, error) {
	params := map[string]string{}
	for k, v := range cfg.Defaults.Params {
		params[k] = v
	}
	for k, v := range rc.Endpoint.Params {
		params[k] = v
	}
	path := rc.Endpoint.Path
	if path == "" {
		path = "/" + rc.Name
	}
	for k, v := range params {
		placeholder := "{" + k + "}"
		if strings.Contains(path, placeholder) {
			path = strings.ReplaceAll(path, placeholder, url.PathEscape(v))
			delete(params, k)
		}
	}
	u, err := url.Parse(strings.TrimRight(cfg.Client.BaseURL, "/") + path)
	if err != nil {
		return "", fmt.Errorf("rest source %s: %w", rc.Name, err)
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type restSource struct {
	name   string
	client RESTClient
	next   string // next URL to fetch; empty means exhausted
	page   int
	buf    []map[string]any
	done   bool
}

func (s *restSource) Next(ctx context.Context) (map[string]any, error) {
	for len(s.buf) == 0 {
		if s.done || s.next == "" {
			return nil, io.EOF
		}
		if err := s.fetchPage(ctx); err != nil {
			return nil, err
		}
	}
	rec := s.buf[0]
	s.buf = s.buf[1:]
	return rec, nil
}

func (s *restSource) Close() error { return nil }

func (s *restSource) fetchPage(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.next, nil)
	if err != nil {
		return &Error{Resource: s.name, Detail: s.next, Err: err}
	}
	for k, v := range s.client.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")
	if a := s.client.Auth; a != nil && a.Type == "bearer" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}
	client := s.client.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return &Error{Resource: s.name, Detail: s.next, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Resource: s.name, Detail: s.next,
			Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Resource: s.name, Detail: s.next, Err: err}
	}
	records, err := decodeRecords(body)
	if err != nil {
		return &Error{Resource: s.name, Detail: s.next, Err: err}
	}
	s.buf = append(s.buf, records...)
	s.advance(resp, len(records))
	return nil
}

// advance decides the next page URL under the configured paginator.
func (s *restSource) advance(resp *http.Response, got int) {
	switch s.client.Paginator.Type {
	case "header_link":
		if next := linkNext(resp.Header.Get("Link")); next != "" {
			s.next = next
			return
		}
		s.done = true
	case "page_number":
		if got == 0 {
			s.done = true
			return
		}
		param := s.client.Paginator.PageParam
		if param == "" {
			param = "page"
		}
		s.page++
		u, err := url.Parse(s.next)
		if err != nil {
			s.done = true
			return
		}
		q := u.Query()
		q.Set(param, strconv.Itoa(s.page))
		u.RawQuery = q.Encode()
		s.next = u.String()
	default: // single_page
		s.done = true
	}
}

// decodeRecords accepts a JSON array of objects or a single object.
func decodeRecords(body []byte) ([]map[string]any, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var arr []map[string]any
		if err := json.Unmarshal(body, &arr); err != nil {
			return nil, fmt.Errorf("malformed response: %w", err)
		}
		return arr, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	if len(obj) == 0 {
		return nil, nil
	}
	return []map[string]any{obj}, nil
}

// linkNext extracts the rel="next" target from an RFC 8288 Link header.
func linkNext(header string) string {
	for _, part := range strings.Split(header, ",") {
		seg := strings.Split(part, ";")
		if len(seg) < 2 {
			continue
		}
		target := strings.Trim(strings.TrimSpace(seg[0]), "<>")
		for _, attr := range seg[1:] {
			attr = strings.TrimSpace(attr)
			if attr == `rel="next"` || attr == "rel=next" {
				return target
			}
		}
	}
	return ""
}
