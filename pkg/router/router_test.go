package router

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func namedBackend(t *testing.T, name string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			_ = conn.WriteMessage(websocket.TextMessage, []byte(name))
			return
		}
		_, _ = io.WriteString(w, name)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string, cookie *http.Cookie) (string, *http.Cookie) {
	t.Helper()
	req, err := http.NewRequest("GET", url, nil)
	require.NoError(t, err)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var set *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == DefaultCookieName {
			set = c
		}
	}
	return string(body), set
}

func newRouter(t *testing.T, method string, backends ...BackendConfig) *httptest.Server {
	t.Helper()
	rt, err := New(Config{Backends: backends, Method: method, Cooldown: time.Minute})
	require.NoError(t, err)
	srv := httptest.NewServer(rt.Handler("/_router/status"))
	t.Cleanup(srv.Close)
	return srv
}

func TestRoundRobinAndStickiness(t *testing.T) {
	a, b := namedBackend(t, "a"), namedBackend(t, "b")
	srv := newRouter(t, RoundRobin, BackendConfig{ID: "a", URL: a.URL}, BackendConfig{ID: "b", URL: b.URL})

	first, cookie := get(t, srv.URL+"/health", nil)
	second, _ := get(t, srv.URL+"/health", nil)
	assert.ElementsMatch(t, []string{"a", "b"}, []string{first, second})
	require.NotNil(t, cookie)
	assert.Equal(t, first, cookie.Value)

	for i := 0; i < 5; i++ {
		body, set := get(t, srv.URL+"/health", cookie)
		assert.Equal(t, first, body)
		assert.Nil(t, set, "cookie is not reissued when it already matches")
	}
}

func TestFailedBackendIsBenched(t *testing.T) {
	good := namedBackend(t, "good")
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	srv := newRouter(t, RoundRobin, BackendConfig{ID: "dead", URL: deadURL}, BackendConfig{ID: "good", URL: good.URL})

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	for i := 0; i < 3; i++ {
		body, _ := get(t, srv.URL+"/", nil)
		assert.Equal(t, "good", body)
	}

	body, set := get(t, srv.URL+"/", &http.Cookie{Name: DefaultCookieName, Value: "dead"})
	assert.Equal(t, "good", body)
	require.NotNil(t, set)
	assert.Equal(t, "good", set.Value)
}

func TestLeastConnections(t *testing.T) {
	rt, err := New(Config{
		Backends: []BackendConfig{{ID: "a", URL: "http://a.invalid"}, {ID: "b", URL: "http://b.invalid"}},
		Method:   LeastConnections,
	})
	require.NoError(t, err)
	rt.byID["a"].active.Store(3)
	rt.byID["b"].active.Store(1)

	r := httptest.NewRequest("GET", "/", nil)
	assert.Equal(t, "b", rt.pick(r).id)

	r.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "a"})
	assert.Equal(t, "a", rt.pick(r).id)
}

func TestWebsocketIsProxied(t *testing.T) {
	a := namedBackend(t, "a")
	srv := newRouter(t, RoundRobin, BackendConfig{ID: "a", URL: a.URL})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/doc", nil)
	require.NoError(t, err)
	defer conn.Close()

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "a", string(msg))
}

func TestStatusEndpoint(t *testing.T) {
	a := namedBackend(t, "a")
	srv := newRouter(t, LeastConnections, BackendConfig{ID: "a", URL: a.URL})

	resp, err := http.Get(srv.URL + "/_router/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		Method   string          `json:"method"`
		Backends []BackendStatus `json:"backends"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, LeastConnections, body.Method)
	require.Len(t, body.Backends, 1)
	assert.True(t, body.Backends[0].Up)
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoBackends)

	_, err = New(Config{Backends: []BackendConfig{{ID: "a", URL: "http://x"}}, Method: "random"})
	assert.Error(t, err)

	_, err = New(Config{Backends: []BackendConfig{{ID: "a", URL: "http://x"}, {ID: "a", URL: "http://y"}}})
	assert.Error(t, err)

	_, err = New(Config{Backends: []BackendConfig{{ID: "a", URL: "not a url"}}})
	assert.Error(t, err)
}
