package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/John-Robertt/subxray/internal/model"
)

const (
	testUUID = "11111111-1111-1111-1111-111111111111"
	testDoc  = "vless://" + testUUID + "@a.example.com:443?security=tls&type=ws&path=%2Fws#Alpha\n" +
		"trojan://pw@b.example.com:443#Beta\n" +
		"not-a-link\n"
)

type testResponse struct {
	Outbounds []struct {
		Tag      string `json:"tag"`
		Protocol string `json:"protocol"`
	} `json:"outbounds"`
	Routing struct {
		Routing struct {
			DomainStrategy string `json:"domainStrategy"`
			Balancers      []struct {
				Tag      string   `json:"tag"`
				Selector []string `json:"selector"`
			} `json:"balancers"`
		} `json:"routing"`
	} `json:"routing"`
	Diagnostics []model.Diagnostic `json:"diagnostics"`
	Stats       struct {
		Entries      int `json:"entries"`
		Unrecognized int `json:"unrecognized"`
	} `json:"stats"`
}

func postConvert(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/convert", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeAppError(t *testing.T, rr *httptest.ResponseRecorder) model.AppError {
	t.Helper()
	var resp model.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error response: %v\nbody=%q", err, rr.Body.String())
	}
	return resp.Error
}

func newSubUpstream(t *testing.T, body string, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		_, _ = fmt.Fprint(w, body)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestConvert_InlineContent(t *testing.T) {
	body, _ := json.Marshal(map[string]string{"content": testDoc})
	rr := postConvert(t, NewMux(), string(body))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}

	var resp testResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, rr.Body.String())
	}
	var tags []string
	for _, o := range resp.Outbounds {
		tags = append(tags, o.Tag)
	}
	if got, want := strings.Join(tags, ","), "Alpha,Beta,direct,block"; got != want {
		t.Fatalf("tags=%q, want=%q", got, want)
	}
	if resp.Routing.Routing.DomainStrategy != "IPIfNonMatch" {
		t.Fatalf("domainStrategy=%q", resp.Routing.Routing.DomainStrategy)
	}
	if len(resp.Routing.Routing.Balancers) != 1 || resp.Routing.Routing.Balancers[0].Tag != "proxy-balance" {
		t.Fatalf("balancers=%+v", resp.Routing.Routing.Balancers)
	}
	if resp.Stats.Entries != 2 || resp.Stats.Unrecognized != 1 {
		t.Fatalf("stats=%+v", resp.Stats)
	}
	if len(resp.Diagnostics) != 1 || resp.Diagnostics[0].Line != 3 || resp.Diagnostics[0].Kind != model.KindUnrecognizedLine {
		t.Fatalf("diagnostics=%+v", resp.Diagnostics)
	}
}

func TestConvert_RemoteSubAndProfile(t *testing.T) {
	profileYAML := "version: 1\nbalancer:\n  tags:\n    proxy: out\nrule:\n  - PORT,53,direct\n"

	mux := http.NewServeMux()
	mux.HandleFunc("/sub", func(w http.ResponseWriter, r *http.Request) { _, _ = fmt.Fprint(w, testDoc) })
	mux.HandleFunc("/profile.yaml", func(w http.ResponseWriter, r *http.Request) { _, _ = fmt.Fprint(w, profileYAML) })
	up := httptest.NewServer(mux)
	defer up.Close()

	body, _ := json.Marshal(map[string]string{"sub": up.URL + "/sub", "profile": up.URL + "/profile.yaml"})
	rr := postConvert(t, NewMux(), string(body))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var resp testResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	b := resp.Routing.Routing.Balancers
	if len(b) != 1 || b[0].Tag != "out" || strings.Join(b[0].Selector, ",") != "Alpha,Beta" {
		t.Fatalf("balancers=%+v", b)
	}
}

func TestConvert_RequestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", `{}`},
		{"both", `{"sub":"https://example.com/s","content":"x"}`},
		{"unknown field", `{"content":"x","target":"clash"}`},
		{"multi document", `{"content":"x"}{"content":"y"}`},
		{"not json", `content=x`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postConvert(t, NewMux(), tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
			}
			app := decodeAppError(t, rr)
			if app.Code != "INVALID_ARGUMENT" || app.Stage != "validate_request" {
				t.Fatalf("error=%+v", app)
			}
		})
	}
}

func TestConvert_ErrorStatusMapping(t *testing.T) {
	badProfile := newSubUpstream(t, "version: 2\n", nil)
	brokenProfile := newSubUpstream(t, "version: [1\n", nil)
	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()

	tests := []struct {
		name   string
		body   map[string]string
		status int
		code   string
		stage  string
	}{
		{"unparsable profile", map[string]string{"content": testDoc, "profile": brokenProfile.URL}, http.StatusUnprocessableEntity, "PROFILE_PARSE_ERROR", "parse_profile"},
		{"upstream 404", map[string]string{"sub": missing.URL}, http.StatusBadGateway, "FETCH_FAILED", "fetch_sub"},
		{"non-http sub", map[string]string{"sub": "file:///etc/passwd"}, http.StatusBadRequest, "INVALID_ARGUMENT", "fetch_sub"},
		{"bad profile", map[string]string{"content": testDoc, "profile": badProfile.URL}, http.StatusUnprocessableEntity, "PROFILE_VALIDATE_ERROR", "parse_profile"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(tt.body)
			rr := postConvert(t, NewMux(), string(body))
			if rr.Code != tt.status {
				t.Fatalf("status=%d, want=%d body=%s", rr.Code, tt.status, rr.Body.String())
			}
			app := decodeAppError(t, rr)
			if app.Code != tt.code {
				t.Fatalf("code=%q, want=%q", app.Code, tt.code)
			}
			if tt.stage != "" && app.Stage != tt.stage {
				t.Fatalf("stage=%q, want=%q", app.Stage, tt.stage)
			}
		})
	}
}

func TestConvert_ContentTooLarge(t *testing.T) {
	mux := NewMuxWithOptions(Options{MaxBytes: 16})
	body, _ := json.Marshal(map[string]string{"content": strings.Repeat("a", 17)})
	rr := postConvert(t, mux, string(body))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if app := decodeAppError(t, rr); app.Code != "TOO_LARGE" {
		t.Fatalf("error=%+v", app)
	}
}

func TestSub_RoutingAttachment(t *testing.T) {
	up := newSubUpstream(t, testDoc, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sub?doc=routing&url="+url.QueryEscape(up.URL), nil)
	NewMux().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, `filename="05_routing.json"`) {
		t.Fatalf("Content-Disposition=%q", cd)
	}
	if got := rr.Header().Get("X-Subxray-Entries"); got != "2" {
		t.Fatalf("X-Subxray-Entries=%q", got)
	}
	if got := rr.Header().Get("X-Subxray-Diagnostics"); got != "1" {
		t.Fatalf("X-Subxray-Diagnostics=%q", got)
	}
	if !strings.HasPrefix(rr.Body.String(), "{\n  \"routing\": {") {
		t.Fatalf("body=%s", rr.Body.String())
	}
}

func TestSub_DefaultsToOutbounds(t *testing.T) {
	up := newSubUpstream(t, testDoc, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sub?url="+url.QueryEscape(up.URL), nil)
	NewMuxWithOptions(Options{OutboundsName: "nodes.json"}).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, `filename="nodes.json"`) {
		t.Fatalf("Content-Disposition=%q", cd)
	}
	var obs []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &obs); err != nil {
		t.Fatalf("outbounds body: %v", err)
	}
	if len(obs) != 4 {
		t.Fatalf("outbounds=%d, want=4", len(obs))
	}
}

func TestSub_QueryValidation(t *testing.T) {
	tests := []string{
		"/sub",
		"/sub?url=",
		"/sub?url=https://a&url=https://b",
		"/sub?url=https://a&doc=clash",
		"/sub?url=https://a&target=surge",
	}
	for _, target := range tests {
		rr := httptest.NewRecorder()
		NewMux().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d body=%s", target, rr.Code, rr.Body.String())
		}
		if app := decodeAppError(t, rr); app.Stage != "validate_request" {
			t.Fatalf("%s: error=%+v", target, app)
		}
	}
}

func TestFetchSub_CollapsesConcurrentFetches(t *testing.T) {
	var hits atomic.Int64
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		started <- struct{}{}
		<-release
		_, _ = fmt.Fprint(w, testDoc)
	}))
	defer up.Close()

	h := &convertHandler{opt: Options{}.withDefaults()}

	const callers = 5
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	call := func(i int) {
		defer wg.Done()
		results[i], errs[i] = h.fetchSub(context.Background(), up.URL)
	}

	wg.Add(1)
	go call(0)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for upstream fetch")
	}
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go call(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if hits.Load() != 1 {
		t.Fatalf("hits=%d, want=1", hits.Load())
	}
	for i := range results {
		if errs[i] != nil || results[i] != testDoc {
			t.Fatalf("caller %d: text=%q err=%v", i, results[i], errs[i])
		}
	}
}

func TestFetchSub_DistinctURLsFetchSeparately(t *testing.T) {
	var hits atomic.Int64
	up := newSubUpstream(t, testDoc, &hits)

	h := &convertHandler{opt: Options{}.withDefaults()}
	for _, u := range []string{up.URL + "/a", up.URL + "/b"} {
		if _, err := h.fetchSub(context.Background(), u); err != nil {
			t.Fatalf("fetchSub(%q): %v", u, err)
		}
	}
	if hits.Load() != 2 {
		t.Fatalf("hits=%d, want=2", hits.Load())
	}
}
