package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func restResource(t *testing.T, cfg RESTConfig) *Resource {
	t.Helper()
	resources, err := REST(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(resources) != 1 {
		t.Fatalf("got %d resources, want 1", len(resources))
	}
	return resources[0]
}

func TestRESTSinglePage(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		fmt.Fprint(w, `[{"id": 1, "login": "ada"}, {"id": 2, "login": "brian"}]`)
	}))
	defer srv.Close()

	r := restResource(t, RESTConfig{
		Client: RESTClient{
			BaseURL:    srv.URL,
			Auth:       &RESTAuth{Type: "bearer", Token: "sekrit"},
			HTTPClient: srv.Client(),
		},
		Resources: []RESTResource{{Name: "users", Endpoint: RESTEndpoint{Path: "/v1/users"}}},
	})
	recs := drain(t, r)
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if gotAuth != "Bearer sekrit" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotPath != "/v1/users" {
		t.Fatalf("path = %q", gotPath)
	}
	if recs[0]["login"] != "ada" {
		t.Fatalf("first record %v", recs[0])
	}
}

func TestRESTHeaderLinkPagination(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/items":
			w.Header().Set("Link", fmt.Sprintf(`<%s/items2>; rel="next"`, srv.URL))
			fmt.Fprint(w, `[{"id": 1}]`)
		case "/items2":
			fmt.Fprint(w, `[{"id": 2}, {"id": 3}]`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	r := restResource(t, RESTConfig{
		Client: RESTClient{
			BaseURL:    srv.URL,
			Paginator:  RESTPaginator{Type: "header_link"},
			HTTPClient: srv.Client(),
		},
		Resources: []RESTResource{{Name: "items"}},
	})
	recs := drain(t, r)
	if len(recs) != 3 {
		t.Fatalf("got %d records across pages, want 3", len(recs))
	}
}

func TestRESTPageNumberPagination(t *testing.T) {
	pages := map[string]string{
		"1": `[{"id": 1}, {"id": 2}]`,
		"2": `[{"id": 3}]`,
		"3": `[]`,
	}
	var requested []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("p")
		requested = append(requested, page)
		fmt.Fprint(w, pages[page])
	}))
	defer srv.Close()

	r := restResource(t, RESTConfig{
		Client: RESTClient{
			BaseURL:    srv.URL,
			Paginator:  RESTPaginator{Type: "page_number", PageParam: "p"},
			HTTPClient: srv.Client(),
		},
		Resources: []RESTResource{{
			Name:     "items",
			Endpoint: RESTEndpoint{Params: map[string]string{"p": "1"}},
		}},
	})
	recs := drain(t, r)
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if len(requested) != 3 || requested[2] != "3" {
		t.Fatalf("requested pages %v, want 1 2 3", requested)
	}
}

func TestRESTPathParamsSubstitute(t *testing.T) {
	var gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	r := restResource(t, RESTConfig{
		Client: RESTClient{BaseURL: srv.URL, HTTPClient: srv.Client()},
		Defaults: RESTEndpoint{Params: map[string]string{"per_page": "100"}},
		Resources: []RESTResource{{
			Name: "commits",
			Endpoint: RESTEndpoint{
				Path:   "/repos/{owner}/commits",
				Params: map[string]string{"owner": "wdm0006"},
			},
		}},
	})
	drain(t, r)
	if gotURL != "/repos/wdm0006/commits?per_page=100" {
		t.Fatalf("url = %q", gotURL)
	}
}

func TestRESTServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := restResource(t, RESTConfig{
		Client:    RESTClient{BaseURL: srv.URL, HTTPClient: srv.Client()},
		Resources: []RESTResource{{Name: "items"}},
	})
	_, err := r.Source.Next(context.Background())
	if err == nil || err == io.EOF {
		t.Fatal("5xx should fail the read")
	}
	var srcErr *Error
	if !errors.As(err, &srcErr) || srcErr.Resource != "items" {
		t.Fatalf("want *source.Error naming the resource, got %v", err)
	}
}
