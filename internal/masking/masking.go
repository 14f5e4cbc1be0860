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

// Package masking applies field rules and pattern detection to a parsed
// body, in that fixed order: explicit field rules run first so an
// operator's path-scoped intent always wins, then pattern detection
// sweeps whatever the field rules left untouched.
package masking

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"

	"github.com/sentinelproxy/sentinelproxy/internal/content"
	"github.com/sentinelproxy/sentinelproxy/internal/errs"
	"github.com/sentinelproxy/sentinelproxy/internal/fpe"
	"github.com/sentinelproxy/sentinelproxy/internal/token"
)

// Action selects how a matched field or pattern match is transformed.
type Action uint8

const (
	ActionTokenize Action = iota
	ActionFPE
	ActionCharMask
	ActionRedact
	ActionHash
)

// Direction scopes a rule to the request side, the response side, or
// both. A Both rule tokenizes/encrypts on the way in and reverses the
// same transform on the way out, provided the same correlationID is
// passed to both Apply calls.
type Direction uint8

const (
	DirectionRequest Direction = iota
	DirectionResponse
	DirectionBoth
)

// appliesTo reports whether a rule's Direction covers body.
func (d Direction) appliesTo(body Direction) bool {
	return d == DirectionBoth || d == body
}

// FieldRule scopes an Action to a specific content path. Priority breaks
// ties when more than one rule matches the same path: higher priority
// wins, then rule declaration order.
type FieldRule struct {
	Path      string
	Action    Action
	Direction Direction
	Priority  int
	// MaskChar is used by ActionCharMask; Keep is how many trailing
	// characters ActionCharMask leaves untouched (e.g. last 4 digits).
	MaskChar byte
	Keep     int
}

// PatternKind names a built-in pattern detector.
type PatternKind string

const (
	PatternCreditCard PatternKind = "credit_card"
	PatternEmail      PatternKind = "email"
	PatternSSN        PatternKind = "ssn"
	PatternCustom     PatternKind = "custom"
)

// PatternRule detects free-text matches of a regex (or a built-in kind)
// anywhere pattern detection still runs, i.e. on fields field rules did
// not already claim.
type PatternRule struct {
	Kind      PatternKind
	Regex     *regexp.Regexp
	Action    Action
	Direction Direction
	Require   func(match string) bool // e.g. Luhn check for credit cards
}

// Config is a compiled masking configuration: field rules sorted by
// priority (descending) then declaration order, and pattern rules
// applied in slice order.
type Config struct {
	FieldRules   []FieldRule
	PatternRules []PatternRule
	MaxBufferBytes int
}

// BuiltinCreditCardPattern matches a sequence of 13-19 digits (optionally
// grouped with spaces or dashes) and requires it to pass a Luhn check,
// so plain numeric IDs of similar length aren't misclassified.
func BuiltinCreditCardPattern(action Action, direction Direction) PatternRule {
	return PatternRule{
		Kind:      PatternCreditCard,
		Regex:     regexp.MustCompile(`\b\d(?:[ -]?\d){12,18}\b`),
		Action:    action,
		Direction: direction,
		Require:   luhnValid,
	}
}

// BuiltinEmailPattern matches a conventional email address shape.
func BuiltinEmailPattern(action Action, direction Direction) PatternRule {
	return PatternRule{
		Kind:      PatternEmail,
		Regex:     regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
		Action:    action,
		Direction: direction,
	}
}

// BuiltinSSNPattern matches a US Social Security Number shape.
func BuiltinSSNPattern(action Action, direction Direction) PatternRule {
	return PatternRule{
		Kind:      PatternSSN,
		Regex:     regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		Action:    action,
		Direction: direction,
	}
}

func luhnValid(s string) bool {
	var digits []byte
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			digits = append(digits, s[i]-'0')
		}
	}
	if len(digits) < 13 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i])
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// Engine applies a Config to parsed content, consulting the token store
// for ActionTokenize and an fpe.Cipher for ActionFPE.
type Engine struct {
	cfg    Config
	tokens *token.Store
	cipher fpe.Cipher
}

// NewEngine builds an Engine. cipher may be nil if no FieldRule or
// PatternRule uses ActionFPE.
func NewEngine(cfg Config, tokens *token.Store, cipher fpe.Cipher) *Engine {
	sorted := append([]FieldRule(nil), cfg.FieldRules...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	cfg.FieldRules = sorted
	return &Engine{cfg: cfg, tokens: tokens, cipher: cipher}
}

// Apply runs field rules then pattern detection over acc in place,
// scoped to correlationID for any tokens it mints or resolves. body
// names which traffic side acc came from: DirectionRequest transforms
// forward (mint/encrypt), DirectionResponse reverses (detokenize/
// decrypt) for any rule whose Direction covers this side.
func (e *Engine) Apply(correlationID string, acc content.Accessor, bodySize int, body Direction) error {
	if e.cfg.MaxBufferBytes > 0 && bodySize > e.cfg.MaxBufferBytes {
		return errs.New(errs.KindBufferOverflow, "body exceeds masking buffer limit")
	}

	claimed := make(map[string]bool)
	for _, rule := range e.cfg.FieldRules {
		if !rule.Direction.appliesTo(body) || claimed[rule.Path] {
			continue
		}
		val, ok := acc.Get(rule.Path)
		if !ok {
			continue
		}
		masked, err := e.transform(correlationID, val, rule.Action, body, rule.MaskChar, rule.Keep)
		if err != nil {
			return err
		}
		if err := acc.Set(rule.Path, masked); err != nil {
			return err
		}
		claimed[rule.Path] = true
	}

	for _, pr := range e.cfg.PatternRules {
		if !pr.Direction.appliesTo(body) {
			continue
		}
		paths := acc.FindPaths(func(path, value string) bool {
			if claimed[path] {
				return false
			}
			return pr.Regex.MatchString(value)
		})
		for _, path := range paths {
			val, _ := acc.Get(path)
			newVal := pr.Regex.ReplaceAllStringFunc(val, func(match string) string {
				if pr.Require != nil && !pr.Require(match) {
					return match
				}
				masked, err := e.transform(correlationID, match, pr.Action, body, '*', 0)
				if err != nil {
					return match
				}
				return masked
			})
			if newVal != val {
				if err := acc.Set(path, newVal); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (e *Engine) transform(correlationID, value string, action Action, body Direction, maskChar byte, keep int) (string, error) {
	switch action {
	case ActionTokenize:
		if e.tokens == nil {
			return "", errs.New(errs.KindTokenNotFound, "no token store configured")
		}
		if body == DirectionResponse {
			return e.tokens.Resolve(correlationID, value)
		}
		return e.tokens.Mint(correlationID, value)
	case ActionFPE:
		if e.cipher == nil {
			return "", errs.New(errs.KindFpeNotConfigured, "no fpe cipher configured")
		}
		// Only a letter forces the wider alphabet: digits mixed with
		// separators (an SSN's dashes, a card number's spaces) stay on
		// Digits, which fpe.Cipher transforms in preservation mode,
		// leaving the separators untouched instead of drifting into the
		// alphanumeric radix.
		alphabet := fpe.Digits
		for i := 0; i < len(value); i++ {
			c := value[i]
			if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
				alphabet = fpe.Alphanumeric
				break
			}
		}
		if body == DirectionResponse {
			return e.cipher.Decrypt(value, alphabet, []byte(correlationID))
		}
		return e.cipher.Encrypt(value, alphabet, []byte(correlationID))
	case ActionCharMask:
		return charMask(value, maskChar, keep), nil
	case ActionRedact:
		return "[REDACTED]", nil
	case ActionHash:
		sum := sha256.Sum256([]byte(value))
		return hex.EncodeToString(sum[:]), nil
	default:
		return value, nil
	}
}

func charMask(value string, maskChar byte, keep int) string {
	if maskChar == 0 {
		maskChar = '*'
	}
	n := len(value)
	if keep >= n {
		return value
	}
	masked := make([]byte, n)
	for i := 0; i < n-keep; i++ {
		masked[i] = maskChar
	}
	copy(masked[n-keep:], value[n-keep:])
	return string(masked)
}
