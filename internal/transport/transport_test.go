package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gitopslab/e2e/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientEncodesJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"branch":"main"}`, string(body))

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write([]byte(`{"number":7}`))
	}))
	defer srv.Close()

	c := NewHTTPClient()
	var out struct {
		Number int `json:"number"`
	}
	err := c.DoJSON(context.Background(), Request{
		Method: http.MethodPost,
		URL:    srv.URL,
		Header: BearerHeader("tok"),
		Body:   map[string]string{"branch": "main"},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, 7, out.Number)
}

func TestHTTPClientValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/json" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"ok":true}`))
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c := NewHTTPClient()

	resp, err := c.Do(context.Background(), Request{URL: srv.URL + "/json"})
	require.NoError(t, err)
	v, err := resp.Value()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, v)

	resp, err = c.Do(context.Background(), Request{URL: srv.URL + "/text"})
	require.NoError(t, err)
	v, err = resp.Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), v)
}

func TestHTTPClientSurfacesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"message": "not found"})
	}))
	defer srv.Close()

	c := NewHTTPClient()

	_, err := c.Do(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusNotFound, httpErr.Status)
	assert.Contains(t, string(httpErr.Body), "not found")
	assert.True(t, IsStatus(err, 404, 410))
	assert.False(t, IsStatus(err, 409))
	assert.False(t, IsStatus(errors.New("plain"), 404))

	resp, err := c.Send(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestExecRunnerElevation(t *testing.T) {
	r := NewExecRunner(logging.Discard(), SudoAuto)

	r.geteuid = func() int { return 1000 }
	assert.Equal(t, []string{"sudo", "docker", "ps"}, r.argv([]string{"docker", "ps"}))
	assert.Equal(t, []string{"kubectl", "get"}, r.argv([]string{"kubectl", "get"}))

	r.geteuid = func() int { return 0 }
	assert.Equal(t, []string{"docker", "ps"}, r.argv([]string{"docker", "ps"}))

	r.sudo = SudoNever
	r.geteuid = func() int { return 1000 }
	assert.Equal(t, []string{"docker", "ps"}, r.argv([]string{"docker", "ps"}))

	r.sudo = SudoAlways
	r.geteuid = func() int { return 0 }
	assert.Equal(t, []string{"sudo", "docker", "ps"}, r.argv([]string{"docker", "ps"}))
}

func TestExecRunnerExitCodes(t *testing.T) {
	r := NewExecRunner(logging.Discard(), SudoNever)
	ctx := context.Background()

	res, err := r.Run(ctx, Command{Argv: []string{"sh", "-c", "echo out; echo err >&2; exit 3"}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)

	_, err = r.Run(ctx, Command{Argv: []string{"sh", "-c", "exit 2"}, Strict: true})
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 2, cmdErr.ExitCode)

	res, err = r.Run(ctx, Command{Argv: []string{"cat"}, Stdin: "piped"})
	require.NoError(t, err)
	assert.Equal(t, "piped", res.Stdout)
}

func TestExecRunnerMissingBinary(t *testing.T) {
	r := NewExecRunner(logging.Discard(), SudoNever)
	_, err := r.Run(context.Background(), Command{Argv: []string{"definitely-not-a-binary-e2e"}})
	require.Error(t, err)
	var cmdErr *CommandError
	assert.False(t, errors.As(err, &cmdErr))
}
