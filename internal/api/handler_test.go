package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cortexuvula/etagchat/internal/chat"
	"github.com/cortexuvula/etagchat/internal/config"
	"github.com/cortexuvula/etagchat/internal/metrics"
	"github.com/cortexuvula/etagchat/internal/security"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Security.RateLimit.Enabled = false
	cfg.Chat.PingInterval = 0
	return cfg
}

func newTestHandler(t *testing.T, cfg *config.Config) (*Handler, *httptest.Server) {
	t.Helper()
	store := chat.NewStore()
	engine := chat.NewEngine(store, cfg.Chat.DefaultRoom, nil)
	hub := chat.NewHub(cfg.Chat.SendQueueSize, cfg.Chat.WriteTimeout)
	h := NewHandler(cfg, engine, hub)
	h.Metrics = metrics.New(prometheus.NewRegistry())
	srv := httptest.NewServer(h.Router())
	t.Cleanup(func() {
		h.StartDrain()
		srv.Close()
	})
	return h, srv
}

func postForm(t *testing.T, srv *httptest.Server, path string, form url.Values) (*http.Response, string) {
	t.Helper()
	resp, err := http.PostForm(srv.URL+path, form)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return resp, string(body)
}

func get(t *testing.T, srv *httptest.Server, method, path, validator string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if validator != "" {
		req.Header.Set("If-None-Match", validator)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return resp, string(body)
}

func TestCreateThenRead(t *testing.T) {
	_, srv := newTestHandler(t, testConfig())

	resp, body := postForm(t, srv, "/addMsg", url.Values{
		"username":  {"alice"},
		"msg":       {"hi"},
		"room":      {"general"},
		"timeStamp": {"T1"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
	if resp.Header.Get("ETag") == "" {
		t.Error("missing ETag on 201")
	}
	want := `{"name":"alice","msg":"hi","room":"general"}`
	if strings.TrimSpace(body) != want {
		t.Errorf("body = %s, want %s", body, want)
	}

	resp, body = get(t, srv, http.MethodGet, "/getMessages", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	want = `{"T1":{"alice":{"room":"general","msg":"hi"}}}`
	if strings.TrimSpace(body) != want {
		t.Errorf("body = %s, want %s", body, want)
	}
}

func TestUpdateReturnsNoContent(t *testing.T) {
	_, srv := newTestHandler(t, testConfig())
	form := url.Values{"username": {"alice"}, "msg": {"hi"}, "room": {"general"}, "timeStamp": {"T1"}}
	postForm(t, srv, "/addMsg", form)
	_, before := get(t, srv, http.MethodGet, "/getMessages", "")

	form.Set("msg", "bye")
	resp, body := postForm(t, srv, "/addMsg", form)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if body != "" {
		t.Errorf("204 body = %q, want empty", body)
	}

	resp, after := get(t, srv, http.MethodGet, "/getMessages", "")
	if !strings.Contains(after, `"msg":"bye"`) {
		t.Errorf("body after update = %s, want msg bye", after)
	}
	if before == after {
		t.Error("read did not change after update")
	}
	if resp.Header.Get("ETag") == "" {
		t.Error("missing ETag")
	}
}

func TestMissingParams(t *testing.T) {
	tests := []struct {
		name string
		path string
		form url.Values
	}{
		{"missing msg", "/addMsg", url.Values{"username": {"alice"}, "timeStamp": {"T1"}}},
		{"missing username", "/addMsg", url.Values{"msg": {"hi"}, "timeStamp": {"T1"}}},
		{"blank username", "/addMsg", url.Values{"username": {"   "}, "msg": {"hi"}}},
		{"users variant uses name", "/addUser", url.Values{"username": {"alice"}, "msg": {"hi"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, srv := newTestHandler(t, testConfig())
			fp := h.Engine.Store().Fingerprint()

			resp, body := postForm(t, srv, tt.path, tt.form)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			var got errorResponse
			if err := json.Unmarshal([]byte(body), &got); err != nil {
				t.Fatalf("decoding %q: %v", body, err)
			}
			if got.ID != "missingParams" {
				t.Errorf("id = %q, want missingParams", got.ID)
			}
			if got.Message != "Name and message are both required." {
				t.Errorf("message = %q", got.Message)
			}
			if h.Engine.Store().Fingerprint() != fp {
				t.Error("fingerprint changed on rejected write")
			}
			if buckets, _ := h.Engine.Store().Stats(); buckets != 0 {
				t.Errorf("store has %d buckets after rejected write", buckets)
			}
		})
	}
}

func TestConditionalGet(t *testing.T) {
	_, srv := newTestHandler(t, testConfig())
	postForm(t, srv, "/addMsg", url.Values{"username": {"alice"}, "msg": {"hi"}, "timeStamp": {"T1"}})

	resp, _ := get(t, srv, http.MethodGet, "/getMessages", "")
	fp := resp.Header.Get("ETag")

	for i := 0; i < 2; i++ {
		resp, body := get(t, srv, http.MethodGet, "/getMessages", fp)
		if resp.StatusCode != http.StatusNotModified {
			t.Fatalf("attempt %d: status = %d, want 304", i, resp.StatusCode)
		}
		if body != "" {
			t.Errorf("304 body = %q, want empty", body)
		}
		if resp.Header.Get("ETag") != fp {
			t.Errorf("304 ETag = %q, want %q", resp.Header.Get("ETag"), fp)
		}
	}

	resp, _ = get(t, srv, http.MethodGet, "/getMessages", "stale")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("stale validator status = %d, want 200", resp.StatusCode)
	}
}

func TestWriteInvalidatesEveryRoom(t *testing.T) {
	_, srv := newTestHandler(t, testConfig())
	resp, _ := get(t, srv, http.MethodGet, "/getMessages?room=lobby", "")
	fp := resp.Header.Get("ETag")

	postForm(t, srv, "/addMsg", url.Values{"username": {"bob"}, "msg": {"yo"}, "room": {"other"}, "timeStamp": {"T2"}})

	resp, body := get(t, srv, http.MethodGet, "/getMessages?room=lobby", fp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 after any write", resp.StatusCode)
	}
	if strings.TrimSpace(body) != "{}" {
		t.Errorf("lobby body = %s, want {}", body)
	}
}

func TestRoomFiltering(t *testing.T) {
	_, srv := newTestHandler(t, testConfig())
	postForm(t, srv, "/addMsg", url.Values{"username": {"alice"}, "msg": {"a"}, "room": {"general"}, "timeStamp": {"T1"}})
	postForm(t, srv, "/addMsg", url.Values{"username": {"bob"}, "msg": {"b"}, "room": {"lobby"}, "timeStamp": {"T1"}})
	postForm(t, srv, "/addMsg", url.Values{"username": {"carol"}, "msg": {"c"}, "room": {"lobby"}, "timeStamp": {"T2"}})

	_, body := get(t, srv, http.MethodGet, "/getMessages?room=lobby", "")
	var got chat.Snapshot
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decoding %q: %v", body, err)
	}
	if len(got) != 2 {
		t.Fatalf("lobby buckets = %d, want 2: %s", len(got), body)
	}
	if _, ok := got["T1"]["alice"]; ok {
		t.Error("general entry leaked into lobby view")
	}

	_, body = get(t, srv, http.MethodGet, "/getMessages", "")
	if strings.TrimSpace(body) != `{"T1":{"alice":{"room":"general","msg":"a"}}}` {
		t.Errorf("default room body = %s", body)
	}
}

func TestLinkEnrichment(t *testing.T) {
	_, srv := newTestHandler(t, testConfig())
	resp, body := postForm(t, srv, "/addMsg", url.Values{"username": {"alice"}, "msg": {"see http://example.com"}, "timeStamp": {"T1"}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	want := `see <a href="http://example.com">http://example.com</a>`
	var created createdResponse
	if err := json.Unmarshal([]byte(body), &created); err != nil {
		t.Fatal(err)
	}
	if created.Msg != want {
		t.Errorf("created msg = %q, want %q", created.Msg, want)
	}
	if strings.Contains(body, `\u003c`) {
		t.Errorf("response HTML-escaped: %s", body)
	}
}

func TestUsersVariant(t *testing.T) {
	_, srv := newTestHandler(t, testConfig())

	resp, body := postForm(t, srv, "/addUser", url.Values{"name": {"alice"}, "msg": {"hi"}, "room": {"lobby"}, "timeStamp": {"T1"}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if !strings.Contains(body, `"room":"general"`) {
		t.Errorf("users variant should ignore room: %s", body)
	}

	// A new participant in an existing bucket is still an update.
	resp, _ = postForm(t, srv, "/addUser", url.Values{"name": {"bob"}, "msg": {"yo"}, "timeStamp": {"T1"}})
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}

	_, body = get(t, srv, http.MethodGet, "/getUsers?room=lobby", "")
	if !strings.Contains(body, `"bob"`) || !strings.Contains(body, `"alice"`) {
		t.Errorf("getUsers body = %s", body)
	}
}

func TestHead(t *testing.T) {
	h, srv := newTestHandler(t, testConfig())
	fp := h.Engine.Store().Fingerprint()

	for _, path := range []string{"/getMessages", "/getUsers"} {
		resp, body := get(t, srv, http.MethodHead, path, "")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("HEAD %s status = %d, want 200", path, resp.StatusCode)
		}
		if body != "" {
			t.Errorf("HEAD %s body = %q", path, body)
		}
		if resp.Header.Get("ETag") != fp {
			t.Errorf("HEAD %s ETag = %q, want %q", path, resp.Header.Get("ETag"), fp)
		}

		resp, _ = get(t, srv, http.MethodHead, path, fp)
		if resp.StatusCode != http.StatusNotModified {
			t.Errorf("conditional HEAD %s status = %d, want 304", path, resp.StatusCode)
		}
	}
}

func TestNotFound(t *testing.T) {
	_, srv := newTestHandler(t, testConfig())

	tests := []struct {
		name     string
		method   string
		path     string
		wantBody bool
	}{
		{"unknown GET", http.MethodGet, "/nope", true},
		{"unknown POST", http.MethodPost, "/nope", true},
		{"wrong method", http.MethodPut, "/getMessages", true},
		{"GET on write route", http.MethodGet, "/addMsg", true},
		{"unknown HEAD", http.MethodHead, "/nope", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := get(t, srv, tt.method, tt.path, "")
			if resp.StatusCode != http.StatusNotFound {
				t.Fatalf("status = %d, want 404", resp.StatusCode)
			}
			if resp.Header.Get("ETag") == "" {
				t.Error("missing ETag on 404")
			}
			if !tt.wantBody {
				if body != "" {
					t.Errorf("body = %q, want empty", body)
				}
				return
			}
			var got errorResponse
			if err := json.Unmarshal([]byte(body), &got); err != nil {
				t.Fatalf("decoding %q: %v", body, err)
			}
			if got != notFoundBody {
				t.Errorf("body = %+v, want %+v", got, notFoundBody)
			}
		})
	}
}

func TestOversizedBody(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxBodyBytes = 64
	h, srv := newTestHandler(t, cfg)

	resp, body := postForm(t, srv, "/addMsg", url.Values{
		"username": {"alice"},
		"msg":      {strings.Repeat("x", 256)},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if body != "" {
		t.Errorf("body = %q, want empty", body)
	}
	if buckets, _ := h.Engine.Store().Stats(); buckets != 0 {
		t.Errorf("store has %d buckets", buckets)
	}
}

func TestMissingTimestampAssigned(t *testing.T) {
	h, srv := newTestHandler(t, testConfig())
	resp, _ := postForm(t, srv, "/addMsg", url.Values{"username": {"alice"}, "msg": {"hi"}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	for ts := range h.Engine.Store().All() {
		if ts == "" {
			t.Error("entry stored under empty timestamp")
		}
	}
}

func TestPostRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Security.RateLimit.Enabled = true
	store := chat.NewStore()
	h := NewHandler(cfg, chat.NewEngine(store, "general", nil), chat.NewHub(4, cfg.Chat.WriteTimeout))
	h.PostLimiter = security.NewRateLimiter(security.PerMinute(1), 1)
	defer h.PostLimiter.Stop()
	router := h.Router()

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/addMsg", strings.NewReader("username=a&msg=b"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusCreated || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [201 429]", codes)
	}
}

func postCodes(router http.Handler, n int) []int {
	codes := make([]int, 0, n)
	for i := 0; i < n; i++ {
		req := httptest.NewRequest(http.MethodPost, "/addMsg", strings.NewReader("username=a&msg=b"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	return codes
}

func newLimitedHandler(t *testing.T, cfg *config.Config) *Handler {
	t.Helper()
	h := NewHandler(cfg, chat.NewEngine(chat.NewStore(), "general", nil), chat.NewHub(4, cfg.Chat.WriteTimeout))
	h.PostLimiter = security.NewRateLimiter(security.PerMinute(1), 1)
	t.Cleanup(h.PostLimiter.Stop)
	return h
}

func TestPostRateLimitFollowsReload(t *testing.T) {
	cfg := testConfig()
	cfg.Security.RateLimit.Enabled = true
	h := newLimitedHandler(t, cfg)
	router := h.Router()

	if codes := postCodes(router, 2); codes[1] != http.StatusTooManyRequests {
		t.Fatalf("codes while enabled = %v, want second 429", codes)
	}

	disabled := *cfg
	disabled.Security.RateLimit.Enabled = false
	h.UpdateConfig(&disabled)
	for i, code := range postCodes(router, 3) {
		if code == http.StatusTooManyRequests {
			t.Errorf("request %d = 429 after rate limiting was disabled", i)
		}
	}

	h.UpdateConfig(cfg)
	if codes := postCodes(router, 1); codes[0] != http.StatusTooManyRequests {
		t.Errorf("codes after re-enabling = %v, want 429", codes)
	}
}

func TestPostRateLimitIgnoresForwardedForByDefault(t *testing.T) {
	rotate := func(i int) string { return fmt.Sprintf("203.0.113.%d", i+1) }

	tests := []struct {
		name  string
		trust bool
		want  []int
	}{
		{"untrusted headers share the socket address", false, []int{http.StatusCreated, http.StatusTooManyRequests, http.StatusTooManyRequests}},
		{"trusted headers key per forwarded address", true, []int{http.StatusCreated, http.StatusCreated, http.StatusCreated}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Security.RateLimit.Enabled = true
			cfg.Server.TrustProxyHeaders = tt.trust
			h := newLimitedHandler(t, cfg)

			// Distinct timestamps keep every allowed write a 201.
			got := make([]int, 0, len(tt.want))
			router := h.Router()
			for i := range tt.want {
				req := httptest.NewRequest(http.MethodPost, "/addMsg",
					strings.NewReader(fmt.Sprintf("username=a&msg=b&timeStamp=T%d", i)))
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
				req.Header.Set("X-Forwarded-For", rotate(i))
				rec := httptest.NewRecorder()
				router.ServeHTTP(rec, req)
				got = append(got, rec.Code)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("codes = %v, want %v", got, tt.want)
			}
		})
	}
}
