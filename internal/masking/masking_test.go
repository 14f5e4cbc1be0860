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

package masking

import (
	"testing"

	"github.com/sentinelproxy/sentinelproxy/internal/content"
	"github.com/sentinelproxy/sentinelproxy/internal/fpe"
	"github.com/sentinelproxy/sentinelproxy/internal/token"
)

const testFpeHexKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func mustParseJSON(t *testing.T, body string) content.Accessor {
	t.Helper()
	acc, err := content.ParseJSON([]byte(body))
	if err != nil {
		t.Fatalf("ParseJSON() error = %v", err)
	}
	return acc
}

func TestCharMaskKeepsTrailingDigits(t *testing.T) {
	engine := NewEngine(Config{
		FieldRules: []FieldRule{
			{Path: "$.card", Action: ActionCharMask, Direction: DirectionBoth, MaskChar: '*', Keep: 4},
		},
	}, nil, nil)

	acc := mustParseJSON(t, `{"card":"4111111111111111"}`)
	if err := engine.Apply("corr-1", acc, 64, DirectionRequest); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	got, _ := acc.Get("$.card")
	if got != "************1111" {
		t.Errorf("Apply() card = %q, want last 4 preserved", got)
	}
}

func TestRedactAction(t *testing.T) {
	engine := NewEngine(Config{
		FieldRules: []FieldRule{{Path: "$.ssn", Action: ActionRedact, Direction: DirectionBoth}},
	}, nil, nil)
	acc := mustParseJSON(t, `{"ssn":"123-45-6789"}`)
	if err := engine.Apply("corr-1", acc, 64, DirectionRequest); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	got, _ := acc.Get("$.ssn")
	if got != "[REDACTED]" {
		t.Errorf("Apply() ssn = %q, want [REDACTED]", got)
	}
}

func TestTokenizeRoundTripAcrossRequestAndResponse(t *testing.T) {
	tokens := token.New(token.DefaultConfig())
	defer tokens.Stop()
	engine := NewEngine(Config{
		FieldRules: []FieldRule{{Path: "$.account", Action: ActionTokenize, Direction: DirectionBoth}},
	}, tokens, nil)

	reqAcc := mustParseJSON(t, `{"account":"ACC-98765"}`)
	if err := engine.Apply("corr-1", reqAcc, 64, DirectionRequest); err != nil {
		t.Fatalf("Apply() request error = %v", err)
	}
	tokenized, _ := reqAcc.Get("$.account")
	if tokenized == "ACC-98765" {
		t.Fatal("Apply() on request side did not tokenize the field")
	}

	respAcc := mustParseJSON(t, `{"account":"`+tokenized+`"}`)
	if err := engine.Apply("corr-1", respAcc, 64, DirectionResponse); err != nil {
		t.Fatalf("Apply() response error = %v", err)
	}
	got, _ := respAcc.Get("$.account")
	if got != "ACC-98765" {
		t.Errorf("Apply() response-side detokenize = %q, want original value", got)
	}
}

func TestFPERoundTripPreservesSSNDashes(t *testing.T) {
	cipher, err := fpe.NewFeistelCipher(testFpeHexKey)
	if err != nil {
		t.Fatalf("NewFeistelCipher() error = %v", err)
	}
	engine := NewEngine(Config{
		FieldRules: []FieldRule{{Path: "$.ssn", Action: ActionFPE, Direction: DirectionBoth}},
	}, nil, cipher)

	reqAcc := mustParseJSON(t, `{"ssn":"123-45-6789"}`)
	if err := engine.Apply("corr-1", reqAcc, 64, DirectionRequest); err != nil {
		t.Fatalf("Apply() request error = %v", err)
	}
	encrypted, _ := reqAcc.Get("$.ssn")
	if encrypted == "123-45-6789" {
		t.Fatal("Apply() on request side did not transform the field")
	}
	if encrypted[3] != '-' || encrypted[6] != '-' {
		t.Errorf("Apply() ssn = %q, want dashes preserved at positions 3 and 6", encrypted)
	}

	respAcc := mustParseJSON(t, `{"ssn":"`+encrypted+`"}`)
	if err := engine.Apply("corr-1", respAcc, 64, DirectionResponse); err != nil {
		t.Fatalf("Apply() response error = %v", err)
	}
	got, _ := respAcc.Get("$.ssn")
	if got != "123-45-6789" {
		t.Errorf("Apply() response-side decrypt = %q, want original value", got)
	}
}

func TestDirectionRequestOnlyRuleSkipsResponseSide(t *testing.T) {
	engine := NewEngine(Config{
		FieldRules: []FieldRule{{Path: "$.secret", Action: ActionRedact, Direction: DirectionRequest}},
	}, nil, nil)

	acc := mustParseJSON(t, `{"secret":"do-not-touch-on-response"}`)
	if err := engine.Apply("corr-1", acc, 64, DirectionResponse); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	got, _ := acc.Get("$.secret")
	if got != "do-not-touch-on-response" {
		t.Errorf("Apply() on response side modified a request-only rule's field: got %q", got)
	}
}

func TestBuiltinCreditCardPatternRequiresLuhnValidity(t *testing.T) {
	engine := NewEngine(Config{
		PatternRules: []PatternRule{BuiltinCreditCardPattern(ActionRedact, DirectionBoth)},
	}, nil, nil)

	// 4111111111111111 is a well-known Luhn-valid test card number.
	acc := mustParseJSON(t, `{"note":"card 4111111111111111 ok, id 1234567890123 not"}`)
	if err := engine.Apply("corr-1", acc, 256, DirectionRequest); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	got, _ := acc.Get("$.note")
	if got == `card 4111111111111111 ok, id 1234567890123 not` {
		t.Fatal("Apply() did not redact the Luhn-valid card number")
	}
	if got != `card [REDACTED] ok, id 1234567890123 not` {
		t.Errorf("Apply() note = %q, want only the Luhn-valid number redacted", got)
	}
}

func TestFieldRulesTakePriorityOverPatternDetection(t *testing.T) {
	engine := NewEngine(Config{
		FieldRules:   []FieldRule{{Path: "$.email", Action: ActionCharMask, Direction: DirectionBoth, Keep: 0}},
		PatternRules: []PatternRule{BuiltinEmailPattern(ActionRedact, DirectionBoth)},
	}, nil, nil)

	acc := mustParseJSON(t, `{"email":"user@example.com"}`)
	if err := engine.Apply("corr-1", acc, 64, DirectionRequest); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	got, _ := acc.Get("$.email")
	if got == "[REDACTED]" {
		t.Error("pattern rule ran on a field the field rule already claimed")
	}
}

func TestMaxBufferBytesRejectsOversizedBody(t *testing.T) {
	engine := NewEngine(Config{MaxBufferBytes: 10}, nil, nil)
	acc := mustParseJSON(t, `{"a":"b"}`)
	if err := engine.Apply("corr-1", acc, 1000, DirectionRequest); err == nil {
		t.Error("Apply() should reject a body over MaxBufferBytes")
	}
}
