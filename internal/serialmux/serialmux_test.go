package serialmux

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvLine(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case line, ok := <-ch:
		if !ok {
			t.Fatal("subscriber channel closed")
		}
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for line")
	}
	return ""
}

func TestSerialMux_SubscribeUnique(t *testing.T) {
	mux, _ := NewMockSerialMux(nil)

	id1, ch1 := mux.Subscribe()
	id2, ch2 := mux.Subscribe()

	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)
	assert.NotNil(t, ch1)
	assert.NotNil(t, ch2)
	assert.Equal(t, subscriberBuffer, cap(ch1))

	mux.Unsubscribe(id1)
	_, ok := <-ch1
	assert.False(t, ok, "unsubscribed channel should be closed")

	// unknown IDs are ignored
	mux.Unsubscribe("missing")
}

func TestSerialMux_SendCommandAppendsNewline(t *testing.T) {
	mux, port := NewMockSerialMux(nil)

	require.NoError(t, mux.SendCommand("/get pos"))
	require.NoError(t, mux.SendCommand("/home\n"))

	assert.Equal(t, []string{"/get pos", "/home"}, port.Commands())
}

func TestSerialMux_SendCommandWriteError(t *testing.T) {
	mux, port := NewMockSerialMux(nil)
	boom := errors.New("boom")
	port.FailNextWrite(boom)

	err := mux.SendCommand("/stop")
	assert.ErrorIs(t, err, boom)
}

func TestSerialMux_MonitorFansOutLines(t *testing.T) {
	mux, port := NewMockSerialMux(func(cmd string) []string {
		if cmd == "/get pos" {
			return []string{"@01 0 OK IDLE -- 10 10", "@02 0 OK IDLE -- 20"}
		}
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, a := mux.Subscribe()
	_, b := mux.Subscribe()

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	require.NoError(t, mux.SendCommand("/get pos"))

	for _, ch := range []chan string{a, b} {
		assert.Equal(t, "@01 0 OK IDLE -- 10 10", recvLine(t, ch))
		assert.Equal(t, "@02 0 OK IDLE -- 20", recvLine(t, ch))
	}

	port.Feed("!01 0 IDLE --\r\n")
	assert.Equal(t, "!01 0 IDLE --", recvLine(t, a))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
}

func TestSerialMux_CloseEndsMonitor(t *testing.T) {
	mux, port := NewMockSerialMux(nil)
	_, ch := mux.Subscribe()

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()

	require.NoError(t, mux.Close())
	assert.True(t, port.Closed())

	_, ok := <-ch
	assert.False(t, ok)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after Close")
	}
}

func TestSerialMux_AdminRoutes(t *testing.T) {
	mux, port := NewMockSerialMux(func(cmd string) []string {
		return []string{"@01 0 OK IDLE -- 0"}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux, "zaber")
	srv := httptest.NewServer(httpMux)
	defer srv.Close()

	t.Run("console page", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/debug/zaber-send-command")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("send rejects GET", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/debug/zaber-send-command-api")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("send requires command", func(t *testing.T) {
		resp, err := http.PostForm(srv.URL+"/debug/zaber-send-command-api", url.Values{})
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("tail streams replies", func(t *testing.T) {
		reqCtx, reqCancel := context.WithCancel(ctx)
		defer reqCancel()
		req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, srv.URL+"/debug/zaber-tail", nil)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

		r := bufio.NewReader(resp.Body)
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, ": ping\n", line)

		resp2, err := http.PostForm(srv.URL+"/debug/zaber-send-command-api", url.Values{"command": {"/1"}})
		require.NoError(t, err)
		resp2.Body.Close()
		assert.Equal(t, http.StatusOK, resp2.StatusCode)

		for {
			line, err = r.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "data: ") {
				break
			}
		}
		assert.Equal(t, "data: @01 0 OK IDLE -- 0\n", line)
		assert.Contains(t, port.Commands(), "/1")
	})
}
