// Package keyval parses and formats the space delimited key=value tokens of
// the PMI-1 wire protocol.
//
// A token is located by an exact "key=" match at the start of the line or
// immediately after whitespace, so "key" never matches inside "kvskey=".
// Words end at the next whitespace and may contain '='. Strings run to the end
// of the line and must be the final token.
package keyval

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrNoKey indicates the key is not present on the line.
	ErrNoKey = errors.New("keyval: key not found")
	// ErrValLen indicates the value does not fit the caller's length limit.
	ErrValLen = errors.New("keyval: value too long")
	// ErrValNoMatch indicates the value differs from the expected literal.
	ErrValNoMatch = errors.New("keyval: value does not match")
	// ErrValParse indicates the value is not a number of the requested type.
	ErrValParse = errors.New("keyval: value parse error")
)

// foundSuffix is appended to get_result values by some vendor servers.
const foundSuffix = " found=TRUE"

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}

// locate returns the text following "key=" on line.
func locate(line, key string) (string, error) {
	tok := key + "="
	off := 0
	for {
		i := strings.Index(line[off:], tok)
		if i < 0 {
			return "", ErrNoKey
		}
		i += off
		if i == 0 || isSpace(line[i-1]) {
			return line[i+len(tok):], nil
		}
		off = i + 1
	}
}

func word(rest string) string {
	for i := 0; i < len(rest); i++ {
		if isSpace(rest[i]) {
			return rest[:i]
		}
	}
	return rest
}

// checkLen mirrors a C buffer of size max that must also hold a NUL.
// A non-positive max disables the check.
func checkLen(val string, max int) error {
	if max > 0 && len(val) >= max {
		return ErrValLen
	}
	return nil
}

// ParseWord returns the whitespace delimited value of key.
func ParseWord(line, key string, max int) (string, error) {
	rest, err := locate(line, key)
	if err != nil {
		return "", err
	}
	val := word(rest)
	if err := checkLen(val, max); err != nil {
		return "", err
	}
	return val, nil
}

// ParseString returns everything after "key=" up to the end of the line. For
// the key "value", a trailing " found=TRUE" is removed.
func ParseString(line, key string, max int) (string, error) {
	rest, err := locate(line, key)
	if err != nil {
		return "", err
	}
	val := strings.TrimRight(rest, "\r\n")
	if key == "value" {
		val = strings.TrimSuffix(val, foundSuffix)
	}
	if err := checkLen(val, max); err != nil {
		return "", err
	}
	return val, nil
}

// ParseIsWord reports whether key's word value equals want.
func ParseIsWord(line, key, want string) error {
	val, err := ParseWord(line, key, 0)
	if err != nil {
		return err
	}
	if val != want {
		return ErrValNoMatch
	}
	return nil
}

// ParseInt parses key's value as a signed 32 bit integer.
func ParseInt(line, key string) (int, error) {
	val, err := ParseWord(line, key, 0)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(val, 10, 32)
	if err != nil {
		return 0, ErrValParse
	}
	return int(n), nil
}

// ParseUint parses key's value as an unsigned 32 bit integer. A leading '+'
// is accepted, a leading '-' is not.
func ParseUint(line, key string) (uint, error) {
	val, err := ParseWord(line, key, 0)
	if err != nil {
		return 0, err
	}
	val = strings.TrimPrefix(val, "+")
	if val == "" || val[0] == '-' || val[0] == '+' {
		return 0, ErrValParse
	}
	n, err := strconv.ParseUint(val, 10, 32)
	if err != nil || n > math.MaxUint32 {
		return 0, ErrValParse
	}
	return uint(n), nil
}
