package keyval

import (
	"errors"
	"testing"
)

func TestParseWord(t *testing.T) {
	line := "cmd=put kvsname=job key=foo value=bar\n"
	cases := []struct {
		key  string
		want string
		err  error
	}{
		{key: "cmd", want: "put"},
		{key: "kvsname", want: "job"},
		{key: "key", want: "foo"},
		{key: "value", want: "bar"},
		{key: "name", err: ErrNoKey},
		{key: "missing", err: ErrNoKey},
	}
	for _, tc := range cases {
		got, err := ParseWord(line, tc.key, 0)
		if !errors.Is(err, tc.err) {
			t.Fatalf("ParseWord(%q): err %v want %v", tc.key, err, tc.err)
		}
		if got != tc.want {
			t.Fatalf("ParseWord(%q): got %q want %q", tc.key, got, tc.want)
		}
	}
}

func TestParseWordSubstringKey(t *testing.T) {
	line := "cmd=get xkey=wrong key=right"
	got, err := ParseWord(line, "key", 0)
	if err != nil {
		t.Fatalf("ParseWord: %v", err)
	}
	if got != "right" {
		t.Fatalf("matched substring key: got %q", got)
	}
}

func TestParseWordContainsEquals(t *testing.T) {
	got, err := ParseWord("cmd=x attr=a=b next=1", "attr", 0)
	if err != nil || got != "a=b" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestParseWordLength(t *testing.T) {
	if _, err := ParseWord("key=abcd", "key", 4); !errors.Is(err, ErrValLen) {
		t.Fatalf("expected ErrValLen, got %v", err)
	}
	got, err := ParseWord("key=abc", "key", 4)
	if err != nil || got != "abc" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestParseString(t *testing.T) {
	got, err := ParseString("cmd=get_result rc=0 value=hello world a=b\n", "value", 0)
	if err != nil {
		t.Fatalf("ParseString: %v", err)
	}
	if got != "hello world a=b" {
		t.Fatalf("got %q", got)
	}
}

func TestParseStringFoundSuffix(t *testing.T) {
	got, err := ParseString("cmd=get_result rc=0 value=xyz found=TRUE\n", "value", 0)
	if err != nil || got != "xyz" {
		t.Fatalf("got %q, %v", got, err)
	}
	got, err = ParseString("cmd=x msg=xyz found=TRUE", "msg", 0)
	if err != nil || got != "xyz found=TRUE" {
		t.Fatalf("suffix stripped for non-value key: %q, %v", got, err)
	}
}

func TestParseIsWord(t *testing.T) {
	if err := ParseIsWord("cmd=barrier_out rc=0", "cmd", "barrier_out"); err != nil {
		t.Fatalf("ParseIsWord: %v", err)
	}
	if err := ParseIsWord("cmd=barrier_outx rc=0", "cmd", "barrier_out"); !errors.Is(err, ErrValNoMatch) {
		t.Fatalf("expected ErrValNoMatch, got %v", err)
	}
	if err := ParseIsWord("rc=0", "cmd", "barrier_out"); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
}

func TestParseInt(t *testing.T) {
	cases := []struct {
		line string
		want int
		err  error
	}{
		{line: "rc=0", want: 0},
		{line: "rc=-1", want: -1},
		{line: "rc=+42", want: 42},
		{line: "rc=2147483647", want: 2147483647},
		{line: "rc=2147483648", err: ErrValParse},
		{line: "rc=12abc", err: ErrValParse},
		{line: "rc=", err: ErrValParse},
		{line: "rc=7 next=1", want: 7},
		{line: "x=1", err: ErrNoKey},
	}
	for _, tc := range cases {
		got, err := ParseInt(tc.line, "rc")
		if !errors.Is(err, tc.err) {
			t.Fatalf("ParseInt(%q): err %v want %v", tc.line, err, tc.err)
		}
		if err == nil && got != tc.want {
			t.Fatalf("ParseInt(%q): got %d want %d", tc.line, got, tc.want)
		}
	}
}

func TestParseUint(t *testing.T) {
	cases := []struct {
		line string
		want uint
		err  error
	}{
		{line: "size=4", want: 4},
		{line: "size=+4", want: 4},
		{line: "size=4294967295", want: 4294967295},
		{line: "size=4294967296", err: ErrValParse},
		{line: "size=-1", err: ErrValParse},
		{line: "size=1.5", err: ErrValParse},
	}
	for _, tc := range cases {
		got, err := ParseUint(tc.line, "size")
		if !errors.Is(err, tc.err) {
			t.Fatalf("ParseUint(%q): err %v want %v", tc.line, err, tc.err)
		}
		if err == nil && got != tc.want {
			t.Fatalf("ParseUint(%q): got %d want %d", tc.line, got, tc.want)
		}
	}
}

func TestBuilder(t *testing.T) {
	got := Command("maxes").Int("rc", 0).Int("kvsname_max", 64).Word("x", "y").String()
	if got != "cmd=maxes rc=0 kvsname_max=64 x=y\n" {
		t.Fatalf("got %q", got)
	}
}
