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

package content

import (
	"strings"
	"testing"
)

func TestSupported(t *testing.T) {
	cases := map[string]bool{
		"application/json; charset=utf-8":       true,
		"application/xml":                       true,
		"application/x-www-form-urlencoded":     true,
		"text/plain":                            false,
		"application/octet-stream":              false,
	}
	for ct, want := range cases {
		if got := Supported(ct); got != want {
			t.Errorf("Supported(%q) = %v, want %v", ct, got, want)
		}
	}
}

func TestParseByContentTypeRejectsUnknown(t *testing.T) {
	if _, err := ParseByContentType("text/plain", []byte("hi")); err == nil {
		t.Error("ParseByContentType() with an unsupported type should error")
	}
}

func TestJSONGetSetNested(t *testing.T) {
	acc, err := ParseJSON([]byte(`{"user":{"name":"alice","tags":["a","b"]},"age":30}`))
	if err != nil {
		t.Fatalf("ParseJSON() error = %v", err)
	}

	name, ok := acc.Get("$.user.name")
	if !ok || name != "alice" {
		t.Errorf("Get($.user.name) = (%q, %v), want (alice, true)", name, ok)
	}

	tag, ok := acc.Get("$.user.tags[1]")
	if !ok || tag != "b" {
		t.Errorf("Get($.user.tags[1]) = (%q, %v), want (b, true)", tag, ok)
	}

	if err := acc.Set("$.user.name", "bob"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, _ := acc.Get("$.user.name")
	if got != "bob" {
		t.Errorf("Get() after Set() = %q, want bob", got)
	}

	age, ok := acc.Get("$.age")
	if !ok || age != "30" {
		t.Errorf("Get($.age) = (%q, %v), want (30, true)", age, ok)
	}
}

func TestJSONSetPreservesNumericType(t *testing.T) {
	acc, err := ParseJSON([]byte(`{"count":5}`))
	if err != nil {
		t.Fatalf("ParseJSON() error = %v", err)
	}
	if err := acc.Set("$.count", "42"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	out, err := acc.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(out), `"count":42`) {
		t.Errorf("Marshal() = %s, want count to stay numeric", out)
	}
}

func TestJSONSetUnknownPathErrors(t *testing.T) {
	acc, err := ParseJSON([]byte(`{"a":"b"}`))
	if err != nil {
		t.Fatalf("ParseJSON() error = %v", err)
	}
	if err := acc.Set("$.missing", "x"); err == nil {
		t.Error("Set() on a nonexistent path should error")
	}
}

func TestJSONFindPathsAndAllValues(t *testing.T) {
	acc, err := ParseJSON([]byte(`{"card":"4111111111111111","note":"hello"}`))
	if err != nil {
		t.Fatalf("ParseJSON() error = %v", err)
	}

	paths := acc.FindPaths(func(path, value string) bool {
		return len(value) == 16
	})
	if len(paths) != 1 || paths[0] != "$.card" {
		t.Errorf("FindPaths() = %v, want [$.card]", paths)
	}

	values := acc.AllValues()
	if values["$.note"] != "hello" {
		t.Errorf("AllValues()[$.note] = %q, want hello", values["$.note"])
	}
}

func TestJSONInvalidBody(t *testing.T) {
	if _, err := ParseJSON([]byte(`{not json`)); err == nil {
		t.Error("ParseJSON() on malformed JSON should error")
	}
}

func TestXMLGetSet(t *testing.T) {
	acc, err := ParseXML([]byte(`<root><name>alice</name></root>`))
	if err != nil {
		t.Fatalf("ParseXML() error = %v", err)
	}
	got, ok := acc.Get("$.root.name")
	if !ok || got != "alice" {
		t.Errorf("Get($.root.name) = (%q, %v), want (alice, true)", got, ok)
	}
	if err := acc.Set("$.root.name", "bob"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, _ = acc.Get("$.root.name")
	if got != "bob" {
		t.Errorf("Get() after Set() = %q, want bob", got)
	}
}

func TestFormGetSet(t *testing.T) {
	acc, err := ParseForm([]byte("user=alice&age=30"))
	if err != nil {
		t.Fatalf("ParseForm() error = %v", err)
	}
	got, ok := acc.Get("$.user")
	if !ok || got != "alice" {
		t.Errorf("Get($.user) = (%q, %v), want (alice, true)", got, ok)
	}
	if err := acc.Set("$.user", "bob"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	out, err := acc.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(out), "user=bob") {
		t.Errorf("Marshal() = %s, want user=bob", out)
	}
}

func TestFormSetUnknownKeyErrors(t *testing.T) {
	acc, err := ParseForm([]byte("user=alice"))
	if err != nil {
		t.Fatalf("ParseForm() error = %v", err)
	}
	if err := acc.Set("$.missing", "x"); err == nil {
		t.Error("Set() on a nonexistent form key should error")
	}
}
