// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package agent

import (
	"net"

	"github.com/gorilla/websocket"
)

// TransportKind names the three physical transports a pool member can
// use; all three carry the same frame grammar, so Client never needs to
// know which one it was handed.
type TransportKind uint8

const (
	TransportUDS TransportKind = iota
	TransportGRPC
	TransportReverse
)

// udsTransport adapts a Unix domain socket net.Conn to Transport. It is
// the default, lowest-latency path for a co-located agent process.
type udsTransport struct {
	conn net.Conn
}

// DialUDS connects to an agent listening on a Unix domain socket.
func DialUDS(path string) (Transport, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	return &udsTransport{conn: conn}, nil
}

func (t *udsTransport) Read(p []byte) (int, error)  { return t.conn.Read(p) }
func (t *udsTransport) Write(p []byte) (int, error) { return t.conn.Write(p) }
func (t *udsTransport) Close() error                { return t.conn.Close() }

// wsTransport adapts a gorilla/websocket connection to Transport,
// buffering partial reads across the frame-oriented websocket API so
// the byte-oriented frame codec can read arbitrary slice sizes. This is
// the reverse-connection path: the agent dials the proxy and the pool
// accepts it, rather than the pool dialing out.
type wsTransport struct {
	conn *websocket.Conn
	rbuf []byte
}

// AcceptReverse wraps an already-upgraded websocket connection from an
// agent that dialed in, as used by the pool's reverse-connection
// listener.
func AcceptReverse(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Read(p []byte) (int, error) {
	for len(t.rbuf) == 0 {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		t.rbuf = data
	}
	n := copy(p, t.rbuf)
	t.rbuf = t.rbuf[n:]
	return n, nil
}

func (t *wsTransport) Write(p []byte) (int, error) {
	if err := t.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *wsTransport) Close() error { return t.conn.Close() }
