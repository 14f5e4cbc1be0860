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
	"encoding/binary"

	"github.com/sentinelproxy/sentinelproxy/internal/errs"
	"github.com/sentinelproxy/sentinelproxy/internal/protocol"
)

// The handshake and control-channel records are small and fixed-shape
// enough that hand-written codecs here are clearer than routing them
// through protocol's general encoder/decoder, which is sized for the
// higher-volume event/response path.

func putStr(buf []byte, s string) []byte {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	buf = append(buf, l[:]...)
	return append(buf, s...)
}

func getStr(buf []byte, pos int) (string, int, error) {
	if len(buf)-pos < 2 {
		return "", pos, errs.New(errs.KindInvalidMessage, "truncated string length")
	}
	n := int(binary.BigEndian.Uint16(buf[pos:]))
	pos += 2
	if len(buf)-pos < n {
		return "", pos, errs.New(errs.KindInvalidMessage, "truncated string")
	}
	s := string(buf[pos : pos+n])
	return s, pos + n, nil
}

func encodeHandshakeRequest(req protocol.HandshakeRequest, scratch []byte) []byte {
	buf := scratch[:0]
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(req.SupportedVersions)))
	buf = append(buf, n[:]...)
	for _, v := range req.SupportedVersions {
		var vb [4]byte
		binary.BigEndian.PutUint32(vb[:], v)
		buf = append(buf, vb[:]...)
	}
	buf = putStr(buf, req.ProxyID)
	buf = putStr(buf, req.ProxyVersion)
	var cfgLen [2]byte
	binary.BigEndian.PutUint16(cfgLen[:], uint16(len(req.Config)))
	buf = append(buf, cfgLen[:]...)
	for k, v := range req.Config {
		buf = putStr(buf, k)
		buf = putStr(buf, v)
	}
	return buf
}

func decodeHandshakeResponse(buf []byte) (protocol.HandshakeResponse, error) {
	var resp protocol.HandshakeResponse
	pos := 0
	if len(buf)-pos < 4 {
		return resp, errs.New(errs.KindInvalidMessage, "truncated handshake response")
	}
	resp.ProtocolVersion = binary.BigEndian.Uint32(buf[pos:])
	pos += 4

	if len(buf)-pos < 1 {
		return resp, errs.New(errs.KindInvalidMessage, "truncated success flag")
	}
	resp.Success = buf[pos] == 1
	pos++

	var err error
	resp.Error, pos, err = getStr(buf, pos)
	if err != nil {
		return resp, err
	}

	resp.Capabilities, pos, err = decodeCapabilities(buf, pos)
	if err != nil {
		return resp, err
	}
	return resp, nil
}

func decodeCapabilities(buf []byte, pos int) (protocol.Capabilities, int, error) {
	var caps protocol.Capabilities
	var err error
	if len(buf)-pos < 4 {
		return caps, pos, errs.New(errs.KindInvalidMessage, "truncated capabilities version")
	}
	caps.ProtocolVersion = binary.BigEndian.Uint32(buf[pos:])
	pos += 4
	caps.AgentID, pos, err = getStr(buf, pos)
	if err != nil {
		return caps, pos, err
	}
	caps.Name, pos, err = getStr(buf, pos)
	if err != nil {
		return caps, pos, err
	}
	caps.Version, pos, err = getStr(buf, pos)
	if err != nil {
		return caps, pos, err
	}
	if len(buf)-pos < 2 {
		return caps, pos, errs.New(errs.KindInvalidMessage, "truncated supported events count")
	}
	n := int(binary.BigEndian.Uint16(buf[pos:]))
	pos += 2
	caps.SupportedEvents = make(map[protocol.EventKind]struct{}, n)
	for i := 0; i < n; i++ {
		if len(buf)-pos < 1 {
			return caps, pos, errs.New(errs.KindInvalidMessage, "truncated event kind")
		}
		caps.SupportedEvents[protocol.EventKind(buf[pos])] = struct{}{}
		pos++
	}
	if len(buf)-pos < 1 {
		return caps, pos, errs.New(errs.KindInvalidMessage, "truncated features")
	}
	flags := buf[pos]
	pos++
	caps.Features.StreamingBody = flags&(1<<0) != 0
	caps.Features.WebSocket = flags&(1<<1) != 0
	caps.Features.Guardrails = flags&(1<<2) != 0
	caps.Features.ConfigPush = flags&(1<<3) != 0
	caps.Features.MetricsExport = flags&(1<<4) != 0
	caps.Features.Cancellation = flags&(1<<5) != 0
	caps.Features.FlowControl = flags&(1<<6) != 0
	caps.Features.HealthReporting = flags&(1<<7) != 0
	if len(buf)-pos < 4 {
		return caps, pos, errs.New(errs.KindInvalidMessage, "truncated concurrent requests")
	}
	caps.Features.ConcurrentRequests = binary.BigEndian.Uint32(buf[pos:])
	pos += 4

	if len(buf)-pos < 24 {
		return caps, pos, errs.New(errs.KindInvalidMessage, "truncated limits")
	}
	caps.Limits.MaxBodySize = binary.BigEndian.Uint64(buf[pos:])
	pos += 8
	caps.Limits.MaxConcurrency = binary.BigEndian.Uint32(buf[pos:])
	pos += 4
	caps.Limits.PreferredChunkSize = binary.BigEndian.Uint32(buf[pos:])
	pos += 4
	caps.Limits.MaxProcessingTimeMS = binary.BigEndian.Uint64(buf[pos:])
	pos += 8

	if len(buf)-pos < 9 {
		return caps, pos, errs.New(errs.KindInvalidMessage, "truncated health config")
	}
	caps.HealthConfig.ReportIntervalMS = binary.BigEndian.Uint64(buf[pos:])
	pos += 8
	hflags := buf[pos]
	pos++
	caps.HealthConfig.IncludeLoadMetrics = hflags&1 != 0
	caps.HealthConfig.IncludeResourceMetrics = hflags&2 != 0

	return caps, pos, nil
}

func encodeCancel(c protocol.Cancel, scratch []byte) []byte {
	buf := scratch[:0]
	buf = putStr(buf, c.CorrelationID)
	buf = putStr(buf, c.Reason)
	return buf
}
