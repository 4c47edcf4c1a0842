// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spark

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf8"
)

// buildDescription renders the describe reply. Functions and variables keep
// the order the application lists them in, which a map-based encoder would
// not preserve.
func buildDescription(cb DeviceCallbacks) []byte {
	var sb strings.Builder
	sb.WriteString(`{"f":[`)
	for i, name := range cb.Functions() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.Write(jsonString(truncateKey(name, MaxFunctionKeyLength)))
	}
	sb.WriteString(`],"v":{`)
	for i, v := range cb.Variables() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.Write(jsonString(truncateKey(v.Name, MaxVariableKeyLength)))
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(int(v.Type)))
	}
	sb.WriteByte('}')
	if sd, ok := cb.(SystemDescriber); ok {
		if extra := strings.TrimSpace(sd.DescribeSystem()); extra != "" {
			sb.WriteByte(',')
			sb.WriteString(extra)
		}
	}
	sb.WriteByte('}')
	return []byte(sb.String())
}

func jsonString(s string) []byte {
	// marshalling a string cannot fail
	b, _ := json.Marshal(s)
	return b
}

// truncateKey cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncateKey(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Description is the decoded describe reply as seen by the cloud.
type Description struct {
	Functions []string
	Variables []Variable
}
