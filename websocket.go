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
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/bufbuild/httppool/endpoint"
	"github.com/bufbuild/httppool/internal/deadline"
	"github.com/gorilla/websocket"
)

// WebSocketMessage is one WebSocket message. Type is one of the message
// type constants of github.com/gorilla/websocket, such as
// websocket.TextMessage.
type WebSocketMessage struct {
	Type int
	Data []byte
}

// WebSocket opens a WebSocket over an HTTP/1.1 connection from the pool.
// The uri uses the ws or wss scheme. The returned response is the
// server's handshake response, with an empty body.
func (c *Client) WebSocket(ctx context.Context, uri string, header http.Header) (*Tunnel[WebSocketMessage], *Response, error) {
	req := c.NewRequest(http.MethodGet, uri)
	if req.err != nil {
		return nil, nil, req.err
	}
	if header != nil {
		req.Header = header.Clone()
	}
	timer, target, held, err := c.open(ctx, req, endpoint.HTTP11)
	if err != nil {
		return nil, nil, err
	}
	conn, ok := held.lease.Value().(*h1Conn)
	if !ok || conn.idle() != nil {
		return nil, nil, c.fail(timer, held, &UnexpectedStateError{State: RemainingData})
	}
	c.armRequest(timer, req)
	// the connection is already secured, so the handshake always goes out
	// as plain ws over it
	handshakeURL, err := url.ParseRequestURI(target.RequestURI)
	if err != nil {
		held.lease.Release()
		timer.Stop()
		return nil, nil, &InvalidURIError{URI: uri, Reason: MissingPathQuery, Err: err}
	}
	handshakeURL.Scheme, handshakeURL.Host = "ws", target.Authority()
	dialer := &websocket.Dialer{
		NetDialContext: func(context.Context, string, string) (net.Conn, error) {
			return conn.conn, nil
		},
	}
	stop := deadline.BindConn(timer.Context(), conn.conn)
	wsConn, httpResp, err := dialer.DialContext(timer.Context(), handshakeURL.String(), req.Header)
	if fired := stop(); err == nil && fired {
		err = context.Cause(timer.Context())
	}
	c.metrics.requests.WithLabelValues(endpoint.HTTP11.String(), resultLabel(c.expired(timer, err))).Inc()
	if err != nil {
		return nil, nil, c.fail(timer, held, err)
	}
	timer.Stop()
	resp := responseHead(req, held, httpResp)
	resp.Body = emptyBody(endpoint.HTTP11)
	duplex := &wsDuplex{conn: wsConn, raw: conn.conn}
	return newTunnel[WebSocketMessage](duplex, held), resp, nil
}

type wsDuplex struct {
	conn *websocket.Conn
	raw  net.Conn
}

func (d *wsDuplex) Send(ctx context.Context, msg WebSocketMessage) error {
	stop := deadline.BindConn(ctx, d.raw)
	err := d.conn.WriteMessage(msg.Type, msg.Data)
	return d.result(ctx, stop(), err)
}

func (d *wsDuplex) Recv(ctx context.Context) (WebSocketMessage, error) {
	stop := deadline.BindConn(ctx, d.raw)
	msgType, data, err := d.conn.ReadMessage()
	if err = d.result(ctx, stop(), err); err != nil {
		return WebSocketMessage{}, err
	}
	return WebSocketMessage{Type: msgType, Data: data}, nil
}

// Close sends a close frame, if it can do so quickly, and closes the
// connection.
func (d *wsDuplex) Close() error {
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = d.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
	return d.conn.Close()
}

func (d *wsDuplex) result(ctx context.Context, fired bool, err error) error {
	if fired {
		return context.Cause(ctx)
	}
	return err
}
