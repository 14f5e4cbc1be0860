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

package fpe

import (
	"strings"
	"testing"
)

const testHexKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func mustCipher(t *testing.T) *FeistelCipher {
	t.Helper()
	c, err := NewFeistelCipher(testHexKey)
	if err != nil {
		t.Fatalf("NewFeistelCipher() error = %v", err)
	}
	return c
}

func TestNewFeistelCipherRejectsBadKeys(t *testing.T) {
	cases := []string{"", "not-hex", "00112233", strings.Repeat("ab", 31)}
	for _, k := range cases {
		if _, err := NewFeistelCipher(k); err == nil {
			t.Errorf("NewFeistelCipher(%q) error = nil, want an error", k)
		}
	}
}

func TestEncryptPreservesLengthAndAlphabet(t *testing.T) {
	c := mustCipher(t)
	plaintext := "4111111111111111"
	ct, err := c.Encrypt(plaintext, Digits, []byte("corr-1"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if len(ct) != len(plaintext) {
		t.Errorf("Encrypt() length = %d, want %d", len(ct), len(plaintext))
	}
	for i := 0; i < len(ct); i++ {
		if _, ok := Digits.index[ct[i]]; !ok {
			t.Errorf("Encrypt() produced out-of-alphabet byte %q", ct[i])
		}
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := mustCipher(t)
	tweak := []byte("correlation-42")
	plaintext := "5500005555555559"

	ct, err := c.Encrypt(plaintext, Digits, tweak)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	pt, err := c.Decrypt(ct, Digits, tweak)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if pt != plaintext {
		t.Errorf("round trip = %q, want %q", pt, plaintext)
	}
}

func TestEncryptDifferentTweaksProduceDifferentCiphertext(t *testing.T) {
	c := mustCipher(t)
	plaintext := "1234567890123456"

	ctA, err := c.Encrypt(plaintext, Digits, []byte("corr-a"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	ctB, err := c.Encrypt(plaintext, Digits, []byte("corr-b"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if ctA == ctB {
		t.Error("Encrypt() with different tweaks produced identical ciphertext")
	}
}

func TestEncryptAlphanumericAlphabet(t *testing.T) {
	c := mustCipher(t)
	plaintext := "Ab3dEf6H"
	ct, err := c.Encrypt(plaintext, Alphanumeric, []byte("corr-1"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	pt, err := c.Decrypt(ct, Alphanumeric, []byte("corr-1"))
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if pt != plaintext {
		t.Errorf("alphanumeric round trip = %q, want %q", pt, plaintext)
	}
}

func TestEncryptPreservesSeparatorsOutsideAlphabet(t *testing.T) {
	c := mustCipher(t)
	plaintext := "123-45-6789"
	ct, err := c.Encrypt(plaintext, Digits, []byte("corr-ssn"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if len(ct) != len(plaintext) {
		t.Fatalf("Encrypt() length = %d, want %d", len(ct), len(plaintext))
	}
	if ct[3] != '-' || ct[6] != '-' {
		t.Errorf("Encrypt() = %q, want dashes preserved at positions 3 and 6", ct)
	}
	for i, r := range ct {
		if i == 3 || i == 6 {
			continue
		}
		if _, ok := Digits.index[byte(r)]; !ok {
			t.Errorf("Encrypt() produced out-of-alphabet byte %q at position %d", r, i)
		}
	}

	pt, err := c.Decrypt(ct, Digits, []byte("corr-ssn"))
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if pt != plaintext {
		t.Errorf("round trip = %q, want %q", pt, plaintext)
	}
}

func TestEncryptAllSeparatorsPassesThroughUnchanged(t *testing.T) {
	c := mustCipher(t)
	if ct, err := c.Encrypt("---", Digits, nil); err != nil || ct != "---" {
		t.Errorf("Encrypt(%q) = (%q, %v), want (%q, nil)", "---", ct, err, "---")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !ConstantTimeEqual("abc", "abc") {
		t.Error("ConstantTimeEqual() = false for identical strings")
	}
	if ConstantTimeEqual("abc", "abd") {
		t.Error("ConstantTimeEqual() = true for differing strings")
	}
	if ConstantTimeEqual("abc", "ab") {
		t.Error("ConstantTimeEqual() = true for differing-length strings")
	}
}
