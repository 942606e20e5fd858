package keyval

import (
	"strconv"
	"strings"
)

// Builder assembles one wire line. Tokens are emitted in the order added.
type Builder struct {
	b strings.Builder
}

// Command starts a line with cmd=name.
func Command(name string) *Builder {
	return new(Builder).Word("cmd", name)
}

// Word appends key=val.
func (l *Builder) Word(key, val string) *Builder {
	if l.b.Len() > 0 {
		l.b.WriteByte(' ')
	}
	l.b.WriteString(key)
	l.b.WriteByte('=')
	l.b.WriteString(val)
	return l
}

// Int appends key=n.
func (l *Builder) Int(key string, n int) *Builder {
	return l.Word(key, strconv.Itoa(n))
}

// String returns the line including its trailing newline.
func (l *Builder) String() string {
	return l.b.String() + "\n"
}
