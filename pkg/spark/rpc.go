// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spark

import (
	"errors"
)

// maxErrorText bounds the error text returned in a 5.00 response so the
// reply always fits a single frame.
const maxErrorText = 200

func (s *Session) handleDescribe(m *Message) error {
	hi, lo := m.idBytes()
	s.stats.Describes++
	return s.send(piggybacked(m.TokenByte(), CodeContent, hi, lo, buildDescription(s.callbacks)))
}

// requestKey returns the second Uri-Path segment, the function or variable
// name, cut to n bytes.
func requestKey(m *Message, n int) string {
	path := m.Path()
	if len(path) < 2 {
		return ""
	}
	return truncateKey(path[1], n)
}

func (s *Session) handleFunctionCall(m *Message) error {
	hi, lo := m.idBytes()
	token := m.TokenByte()
	key := requestKey(m, MaxFunctionKeyLength)

	var arg []byte
	if q := m.Queries(); len(q) > 0 {
		arg = q[0]
	}

	switch {
	case len(arg) > MaxFunctionArgLength:
		s.log.Warn().Str("function", key).Int("len", len(arg)).Msg("Function argument too long")
		return s.send(codedAck(CodeBadRequest, hi, lo))
	case !s.hasFunction(key):
		s.log.Warn().Str("function", key).Msg("Unknown function")
		s.stats.UnknownKeys++
		return s.send(codedAck(CodeNotFound, hi, lo))
	}

	if err := s.send(codedAck(CodeEmpty, hi, lo)); err != nil {
		return err
	}

	s.stats.FunctionCalls++
	result, err := s.callbacks.CallFunction(key, string(arg))
	if err != nil {
		s.log.Warn().Err(err).Str("function", key).Msg("Function failed")
		if errors.Is(err, ErrUnknownKey) {
			return s.send(separateResponse(s.nextMessageID(), token, CodeNotFound, nil))
		}
		return s.send(separateResponse(s.nextMessageID(), token, CodeInternalError, errorText(err)))
	}
	s.log.Debug().Str("function", key).Int32("result", result).Msg("Function returned")
	return s.send(functionReturn(s.nextMessageID(), token, result))
}

func (s *Session) hasFunction(key string) bool {
	if key == "" {
		return false
	}
	for _, name := range s.callbacks.Functions() {
		if truncateKey(name, MaxFunctionKeyLength) == key {
			return true
		}
	}
	return false
}

func (s *Session) hasVariable(key string) bool {
	if key == "" {
		return false
	}
	for _, v := range s.callbacks.Variables() {
		if truncateKey(v.Name, MaxVariableKeyLength) == key {
			return true
		}
	}
	return false
}

func (s *Session) handleVariableRequest(m *Message) error {
	hi, lo := m.idBytes()
	token := m.TokenByte()
	key := requestKey(m, MaxVariableKeyLength)

	if !s.hasVariable(key) {
		s.log.Warn().Str("variable", key).Msg("Unknown variable")
		s.stats.UnknownKeys++
		return s.send(piggybacked(token, CodeNotFound, hi, lo, nil))
	}

	s.stats.VariableReads++
	v, err := s.callbacks.GetVariable(key)
	switch {
	case errors.Is(err, ErrUnknownKey):
		s.stats.UnknownKeys++
		return s.send(piggybacked(token, CodeNotFound, hi, lo, nil))
	case err != nil:
		s.log.Warn().Err(err).Str("variable", key).Msg("Variable read failed")
		return s.send(piggybacked(token, CodeInternalError, hi, lo, errorText(err)))
	}
	return s.send(variableValue(token, hi, lo, v))
}

func errorText(err error) []byte {
	text := err.Error()
	if len(text) > maxErrorText {
		text = text[:maxErrorText]
	}
	return []byte(text)
}
