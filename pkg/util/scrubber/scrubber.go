// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package scrubber masks credentials in free-form text before it is logged
// or written to the audit trail.
package scrubber

import (
	"fmt"
	"regexp"
	"strings"
)

// replacer pairs a regex with its replacement. Hints allow skipping the
// regex entirely when none of them occur in the input.
type replacer struct {
	regex *regexp.Regexp
	hints []string
	repl  string
}

var replacers []replacer

func init() {
	uriPasswordReplacer := replacer{
		regex: regexp.MustCompile(`([A-Za-z][A-Za-z0-9+-.]+\:\/\/|\b)([^\:\s]+)\:([^\s]+)\@`),
		hints: []string{"@"},
		repl:  `$1$2:********@`,
	}
	passwordReplacer := replacer{
		regex: matchKeyPart(`(pass(word)?|pwd)`),
		hints: []string{"pass", "pwd"},
		repl:  `$1 ********`,
	}
	tokenReplacer := replacer{
		regex: matchKeyEnding(`token`),
		hints: []string{"token"},
		repl:  `$1 ********`,
	}
	secretReplacer := replacer{
		regex: matchKeyPart(`secret`),
		hints: []string{"secret"},
		repl:  `$1 ********`,
	}
	certReplacer := replacer{
		regex: regexp.MustCompile(`-----BEGIN (?:.*)-----[A-Za-z0-9=\+\/\s]*-----END (?:.*)-----`),
		hints: []string{"BEGIN"},
		repl:  `********`,
	}
	replacers = []replacer{uriPasswordReplacer, passwordReplacer, tokenReplacer, secretReplacer, certReplacer}
}

// matchKeyPart matches a "key: value" or "key=value" pair whose key contains
// the given part, capturing the key so the value can be masked.
func matchKeyPart(part string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`(?i)((\w|_)*%s(\w|_)*\s*[:=]).+`, part))
}

func matchKeyEnding(ending string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`(?i)((\w|_)*%s\s*[:=]).+`, ending))
}

// ScrubString masks credentials in s and returns the result.
func ScrubString(s string) string {
	for _, r := range replacers {
		matched := false
		for _, hint := range r.hints {
			if strings.Contains(s, hint) {
				matched = true
				break
			}
		}
		if len(r.hints) == 0 || matched {
			s = r.regex.ReplaceAllString(s, r.repl)
		}
	}
	return s
}
