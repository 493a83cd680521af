package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/isca/internal/config"
	"github.com/mattjoyce/isca/internal/githubapi"
	islog "github.com/mattjoyce/isca/internal/log"
	"github.com/mattjoyce/isca/internal/state"
)

func testCreds(t *testing.T) config.Credentials {
	t.Helper()
	creds, err := config.NewCredentials(map[string]string{
		config.KeyAccessToken: "tok",
		config.KeyRepository:  "octo/repo",
		config.KeySecret:      "topsecret",
		config.KeyCallbackURL: "http://example.test:8080/hook",
	})
	require.NoError(t, err)
	return creds
}

type fakeLedger struct {
	mu      sync.Mutex
	records []state.HookRecord
	deleted []int64
	err     error
}

func (f *fakeLedger) Record(_ context.Context, rec state.HookRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeLedger) Delete(_ context.Context, _ string, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return f.err
}

// flakyClient fails the first n calls with a transport error.
type flakyClient struct {
	failures int
	calls    int
	err      error
}

func (f *flakyClient) Post(_ context.Context, url string, _ any, _ string, out any) error {
	f.calls++
	if f.calls <= f.failures {
		return &githubapi.TransportError{Method: http.MethodPost, URL: url, Err: errors.New("connection refused")}
	}
	if f.err != nil {
		return f.err
	}
	out.(*githubapi.Hook).ID = 7
	return nil
}

func (f *flakyClient) Get(context.Context, string, string, any) error { return nil }
func (f *flakyClient) Delete(context.Context, string, string) error  { return nil }

func TestHooksURL(t *testing.T) {
	tests := []struct {
		base string
		repo string
		want string
	}{
		{"https://api.github.com/", "octo/repo", "https://api.github.com/repos/octo/repo/hooks"},
		{"https://api.github.com", "octo/repo", "https://api.github.com/repos/octo/repo/hooks"},
		{"https://ghe.example/api/v3/", "/octo/repo/", "https://ghe.example/api/v3/repos/octo/repo/hooks"},
	}
	for _, tt := range tests {
		got, err := HooksURL(tt.base, tt.repo)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := HooksURL("https://api.github.com/", "")
	assert.Error(t, err)
}

func TestNewHookRequest(t *testing.T) {
	req := NewHookRequest(testCreds(t))
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"name": "web",
		"active": true,
		"events": ["push"],
		"config": {
			"url": "http://example.test:8080/hook",
			"content_type": "json",
			"secret": "topsecret",
			"insecure_ssl": "0"
		}
	}`, string(raw))
}

func TestCreateHookReturnsID(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody githubapi.HookRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":42}`))
	}))
	defer srv.Close()

	ledger := &fakeLedger{}
	r := New(githubapi.New(), ledger, Options{APIBase: srv.URL + "/"}, islog.Discard())

	id, err := r.CreateHook(context.Background(), testCreds(t))
	require.NoError(t, err)
	assert.Equal(t, HookID(42), id)
	assert.Equal(t, "/repos/octo/repo/hooks", gotPath)
	assert.Equal(t, "token tok", gotAuth)
	assert.Equal(t, "http://example.test:8080/hook", gotBody.Config.URL)

	require.Len(t, ledger.records, 1)
	rec := ledger.records[0]
	assert.Equal(t, int64(42), rec.HookID)
	assert.Equal(t, "octo/repo", rec.Repository)
	assert.Equal(t, config.Fingerprint("topsecret"), rec.SecretFingerprint)
	assert.NotContains(t, rec.SecretFingerprint, "topsecret")
}

func TestCreateHookAPIErrorIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Validation Failed","errors":[{"message":"Hook already exists"}]}`))
	}))
	defer srv.Close()

	ledger := &fakeLedger{}
	r := New(githubapi.New(), ledger, Options{APIBase: srv.URL, MaxAttempts: 3, BackoffBase: time.Millisecond}, islog.Discard())

	id, err := r.CreateHook(context.Background(), testCreds(t))
	require.Error(t, err)
	assert.Zero(t, id)
	assert.Equal(t, 1, calls)
	assert.Empty(t, ledger.records)

	var regErr *RegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, "octo/repo", regErr.Repository)
	assert.Equal(t, srv.URL+"/repos/octo/repo/hooks", regErr.URL)

	var apiErr *githubapi.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "Hook already exists", apiErr.Message)
}

func TestCreateHookMissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"name":"web"}`))
	}))
	defer srv.Close()

	r := New(githubapi.New(), nil, Options{APIBase: srv.URL}, islog.Discard())
	_, err := r.CreateHook(context.Background(), testCreds(t))

	var apiErr *githubapi.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "response missing id", apiErr.Message)
}

func TestCreateHookRetriesTransportErrors(t *testing.T) {
	client := &flakyClient{failures: 2}
	r := New(client, nil, Options{MaxAttempts: 3, BackoffBase: time.Millisecond}, islog.Discard())

	id, err := r.CreateHook(context.Background(), testCreds(t))
	require.NoError(t, err)
	assert.Equal(t, HookID(7), id)
	assert.Equal(t, 3, client.calls)
}

func TestCreateHookGivesUpAfterMaxAttempts(t *testing.T) {
	client := &flakyClient{failures: 10}
	r := New(client, nil, Options{MaxAttempts: 2, BackoffBase: time.Millisecond}, islog.Discard())

	_, err := r.CreateHook(context.Background(), testCreds(t))
	require.Error(t, err)
	assert.Equal(t, 2, client.calls)

	var tErr *githubapi.TransportError
	assert.ErrorAs(t, err, &tErr)
	var regErr *RegistrationError
	assert.ErrorAs(t, err, &regErr)
}

func TestCreateHookUnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	r := New(githubapi.New(githubapi.WithTimeout(time.Second)), nil, Options{APIBase: base}, islog.Discard())
	_, err := r.CreateHook(context.Background(), testCreds(t))

	var tErr *githubapi.TransportError
	assert.ErrorAs(t, err, &tErr)
}

func TestCreateHookLedgerFailureIsNotFatal(t *testing.T) {
	ledger := &fakeLedger{err: errors.New("disk full")}
	r := New(&flakyClient{}, ledger, Options{}, islog.Discard())

	id, err := r.CreateHook(context.Background(), testCreds(t))
	require.NoError(t, err)
	assert.Equal(t, HookID(7), id)
}

func TestCreateHookIdempotent(t *testing.T) {
	posts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(`[
				{"id": 3, "config": {"url": "http://other.test/"}},
				{"id": 5, "config": {"url": "http://example.test:8080/hook"}}
			]`))
		case http.MethodPost:
			posts++
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":99}`))
		}
	}))
	defer srv.Close()

	r := New(githubapi.New(), nil, Options{APIBase: srv.URL, Idempotent: true}, islog.Discard())
	id, err := r.CreateHook(context.Background(), testCreds(t))
	require.NoError(t, err)
	assert.Equal(t, HookID(5), id)
	assert.Zero(t, posts)
}

func TestCreateHookIdempotentCreatesWhenAbsent(t *testing.T) {
	posts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		posts++
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":99}`))
	}))
	defer srv.Close()

	r := New(githubapi.New(), nil, Options{APIBase: srv.URL, Idempotent: true}, islog.Discard())
	id, err := r.CreateHook(context.Background(), testCreds(t))
	require.NoError(t, err)
	assert.Equal(t, HookID(99), id)
	assert.Equal(t, 1, posts)
}

// timeoutAfterCreateClient creates the hook on the first POST but reports a
// transport timeout, as a request that times out after the remote acted would.
type timeoutAfterCreateClient struct {
	posts   int
	lists   int
	created bool
}

func (c *timeoutAfterCreateClient) Post(_ context.Context, url string, _ any, _ string, out any) error {
	c.posts++
	if !c.created {
		c.created = true
		return &githubapi.TransportError{Method: http.MethodPost, URL: url, Err: context.DeadlineExceeded}
	}
	out.(*githubapi.Hook).ID = 8
	return nil
}

func (c *timeoutAfterCreateClient) Get(_ context.Context, _ string, _ string, out any) error {
	c.lists++
	hooks := out.(*[]githubapi.Hook)
	if c.created {
		var h githubapi.Hook
		h.ID = 21
		h.Config.URL = "http://example.test:8080/hook"
		*hooks = append(*hooks, h)
	}
	return nil
}

func (c *timeoutAfterCreateClient) Delete(context.Context, string, string) error { return nil }

func TestCreateHookIdempotentRetryFindsTimedOutCreate(t *testing.T) {
	client := &timeoutAfterCreateClient{}
	ledger := &fakeLedger{}
	r := New(client, ledger, Options{Idempotent: true, MaxAttempts: 3, BackoffBase: time.Millisecond}, islog.Discard())

	id, err := r.CreateHook(context.Background(), testCreds(t))
	require.NoError(t, err)
	assert.Equal(t, HookID(21), id)
	assert.Equal(t, 1, client.posts)
	assert.Equal(t, 2, client.lists)
	require.Len(t, ledger.records, 1)
	assert.Equal(t, int64(21), ledger.records[0].HookID)
}

func TestCreateHookRetryWithoutIdempotencyPostsAgain(t *testing.T) {
	client := &timeoutAfterCreateClient{}
	r := New(client, nil, Options{MaxAttempts: 3, BackoffBase: time.Millisecond}, islog.Discard())

	id, err := r.CreateHook(context.Background(), testCreds(t))
	require.NoError(t, err)
	assert.Equal(t, HookID(8), id)
	assert.Equal(t, 2, client.posts)
	assert.Zero(t, client.lists)
}

func TestListHooksFollowsPages(t *testing.T) {
	const total = 130
	var pages []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("per_page"))
		page, err := strconv.Atoi(r.URL.Query().Get("page"))
		assert.NoError(t, err)
		pages = append(pages, r.URL.Query().Get("page"))

		var items []string
		for i := (page-1)*100 + 1; i <= total && i <= page*100; i++ {
			items = append(items, fmt.Sprintf(`{"id":%d,"config":{"url":"http://h%d.test/"}}`, i, i))
		}
		_, _ = w.Write([]byte("[" + strings.Join(items, ",") + "]"))
	}))
	defer srv.Close()

	r := New(githubapi.New(), nil, Options{APIBase: srv.URL}, islog.Discard())
	hooks, err := r.ListHooks(context.Background(), testCreds(t))
	require.NoError(t, err)
	assert.Len(t, hooks, total)
	assert.Equal(t, []string{"1", "2"}, pages)
	assert.Equal(t, int64(total), hooks[total-1].ID)
}

func TestCreateHookIdempotentMatchesOnLaterPage(t *testing.T) {
	posts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts++
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":99}`))
			return
		}
		if r.URL.Query().Get("page") == "1" {
			items := make([]string, 100)
			for i := range items {
				items[i] = fmt.Sprintf(`{"id":%d,"config":{"url":"http://other%d.test/"}}`, i+1, i)
			}
			_, _ = w.Write([]byte("[" + strings.Join(items, ",") + "]"))
			return
		}
		_, _ = w.Write([]byte(`[{"id":101,"config":{"url":"http://example.test:8080/hook"}}]`))
	}))
	defer srv.Close()

	r := New(githubapi.New(), nil, Options{APIBase: srv.URL, Idempotent: true}, islog.Discard())
	id, err := r.CreateHook(context.Background(), testCreds(t))
	require.NoError(t, err)
	assert.Equal(t, HookID(101), id)
	assert.Zero(t, posts)
}

func TestDeleteHook(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ledger := &fakeLedger{}
	r := New(githubapi.New(), ledger, Options{APIBase: srv.URL}, islog.Discard())
	require.NoError(t, r.DeleteHook(context.Background(), testCreds(t), 42))

	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/repos/octo/repo/hooks/42", gotPath)
	assert.Equal(t, []int64{42}, ledger.deleted)
}
