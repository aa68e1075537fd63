// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httppool

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoUpgradeHandler switches to the "echo" protocol and echoes raw bytes
// until the client goes away. It sends a greeting right after the 101 so
// that the tunnel has to deliver bytes already buffered with the head.
func echoUpgradeHandler(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") != "echo" {
			http.Error(w, "upgrade required", http.StatusUpgradeRequired)
			return
		}
		conn, rw, err := http.NewResponseController(w).Hijack()
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		_, _ = rw.WriteString("HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: echo\r\n\r\nhello")
		if err := rw.Flush(); err != nil {
			return
		}
		_, _ = io.Copy(conn, rw.Reader)
	})
}

func recvAll(ctx context.Context, t *testing.T, recv func(context.Context) ([]byte, error), want int) string {
	t.Helper()
	var got []byte
	for len(got) < want {
		chunk, err := recv(ctx)
		require.NoError(t, err)
		got = append(got, chunk...)
	}
	return string(got)
}

func TestUpgradeTunnel(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	server, _ := startServer(t, echoUpgradeHandler(t))
	client := newTestClient(t)

	tunnel, resp, err := client.NewRequest(http.MethodGet, server.URL+"/chat").
		WithHeader("Upgrade", "echo").
		Upgrade(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.True(t, resp.Body.IsEOF())
	assert.Equal(t, resp.Endpoint, tunnel.Endpoint())
	assert.Equal(t, 1, client.Stats().Exclusive.Leases)

	sender, receiver := tunnel.Split()
	assert.Equal(t, "hello", recvAll(ctx, t, receiver.Recv, len("hello")))
	require.NoError(t, sender.Send(ctx, []byte("ping")))
	assert.Equal(t, "ping", recvAll(ctx, t, receiver.Recv, len("ping")))
	require.NoError(t, tunnel.Send(ctx, []byte("pong")))
	assert.Equal(t, "pong", recvAll(ctx, t, tunnel.Recv, len("pong")))

	// a receive that gives up leaves the tunnel usable
	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = tunnel.Recv(shortCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, tunnel.Send(ctx, []byte("again")))
	assert.Equal(t, "again", recvAll(ctx, t, tunnel.Recv, len("again")))

	require.NoError(t, tunnel.Close())
	require.NoError(t, tunnel.Close())
	// the tunnel's connection is never pooled again
	stats := client.Stats()
	assert.Equal(t, 0, stats.Exclusive.Live)
	assert.Equal(t, 0, stats.Exclusive.Leases)
}

func TestUpgradeTunnelLeak(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	server, _ := startServer(t, echoUpgradeHandler(t))
	client := newTestClient(t)

	tunnel, _, err := client.NewRequest(http.MethodGet, server.URL).
		WithHeader("Upgrade", "echo").
		Upgrade(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, client.Stats().Exclusive.Live)
	tunnel.Leak()
	assert.Equal(t, 0, client.Stats().Exclusive.Live)

	// the leaked connection still works and is now the caller's to close
	assert.Equal(t, "hello", recvAll(ctx, t, tunnel.Recv, len("hello")))
	require.NoError(t, tunnel.Send(ctx, []byte("still here")))
	assert.Equal(t, "still here", recvAll(ctx, t, tunnel.Recv, len("still here")))
	require.NoError(t, tunnel.Close())
	assert.Equal(t, PoolStats{}, client.Stats())
}

func TestUpgradeRefused(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	server, counter := startServer(t, echoUpgradeHandler(t))
	client := newTestClient(t)

	tunnel, resp, err := client.NewRequest(http.MethodGet, server.URL).
		WithHeader("Upgrade", "something-else").
		Upgrade(ctx)
	require.ErrorIs(t, err, ErrUpgradeRefused)
	assert.Nil(t, tunnel)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
	text, err := resp.Text()
	require.NoError(t, err)
	assert.Equal(t, "upgrade required\n", text)

	// the refusal was an ordinary response, so the connection is reusable
	resp, err = client.Get(ctx, server.URL)
	require.NoError(t, err)
	require.NoError(t, resp.Close())
	assert.Equal(t, 1, counter.load())
}

func TestWebSocket(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	upgrader := websocket.Upgrader{}
	server, _ := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, http.Header{"X-Echo": {r.Header.Get("X-Token")}})
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}))
	client := newTestClient(t)
	uri := "ws://" + server.Listener.Addr().String() + "/socket"

	tunnel, resp, err := client.WebSocket(ctx, uri, http.Header{"X-Token": {"secret"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Equal(t, "secret", resp.Header.Get("X-Echo"))

	sender, receiver := tunnel.Split()
	for _, msg := range []WebSocketMessage{
		{Type: websocket.TextMessage, Data: []byte("hello")},
		{Type: websocket.BinaryMessage, Data: []byte{0, 1, 2, 3}},
	} {
		require.NoError(t, sender.Send(ctx, msg))
		got, err := receiver.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, msg, got)
	}
	require.NoError(t, tunnel.Close())
	assert.Equal(t, 0, client.Stats().Exclusive.Live)
}

func TestWebSocketRejected(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	server, _ := startServer(t, textHandler("not a websocket"))
	client := newTestClient(t)

	_, _, err := client.WebSocket(ctx, "ws://"+server.Listener.Addr().String()+"/", nil)
	require.Error(t, err)
	assert.Equal(t, 0, client.Stats().Exclusive.Live)
}

func TestStreamDuplexBufferedBytes(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	go func() {
		_, _ = server.Write([]byte("abc"))
	}()
	reader := bufio.NewReader(client)
	peeked, err := reader.Peek(1)
	require.NoError(t, err)
	assert.Equal(t, "a", string(peeked))
	duplex := &streamDuplex{conn: client, r: reader}
	got, err := duplex.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}
