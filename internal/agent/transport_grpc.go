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
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

// rawCodecName is registered with grpc's codec registry so a stream can
// carry this package's own length-prefixed frames as opaque bytes
// instead of requiring a generated protobuf message type: the frame
// grammar is already self-describing, so a second serialization layer
// on top of it would just be overhead.
const rawCodecName = "sentinelproxy-raw"

type rawCodec struct{}

func (rawCodec) Name() string { return rawCodecName }

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return v.([]byte), nil
	}
	return *b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return nil
	}
	*b = append((*b)[:0], data...)
	return nil
}

func init() {
	encoding.RegisterCodec(rawCodec{})
}

var agentStreamDesc = grpc.StreamDesc{
	StreamName:    "Stream",
	ServerStreams: true,
	ClientStreams: true,
}

// grpcTransport adapts a raw-codec bidirectional grpc.ClientStream to
// Transport, the same partial-read buffering wsTransport uses since grpc
// streams are also message-framed rather than byte-oriented.
type grpcTransport struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	rbuf   []byte
}

// DialGRPC opens a raw-codec bidi stream to an agent listening on a grpc
// endpoint. method is "/<service>/<method>" as registered by the agent's
// server; the proxy only needs SendMsg/RecvMsg, never a typed stub.
func DialGRPC(ctx context.Context, addr, method string) (Transport, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rawCodecName)),
	)
	if err != nil {
		return nil, err
	}
	stream, err := conn.NewStream(ctx, &agentStreamDesc, method)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &grpcTransport{conn: conn, stream: stream}, nil
}

func (t *grpcTransport) Read(p []byte) (int, error) {
	for len(t.rbuf) == 0 {
		var msg []byte
		if err := t.stream.RecvMsg(&msg); err != nil {
			return 0, err
		}
		t.rbuf = msg
	}
	n := copy(p, t.rbuf)
	t.rbuf = t.rbuf[n:]
	return n, nil
}

func (t *grpcTransport) Write(p []byte) (int, error) {
	msg := append([]byte(nil), p...)
	if err := t.stream.SendMsg(msg); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *grpcTransport) Close() error {
	_ = t.stream.CloseSend()
	return t.conn.Close()
}
