package sanitize

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestBlank(t *testing.T) {
	for _, in := range []string{"", "   ", "\n\t\n"} {
		assert.Equal(t, EmptyOutput, Sanitize(in, 10, 100, false))
	}
	assert.Equal(t, EmptyOutput, Sanitize(".eh_frame 0x10\nlibunwind: x", 10, 100, true))
}

func TestIdempotentUnderBudget(t *testing.T) {
	inputs := []string{
		"",
		"hello",
		"line1\nline2\nline3",
		"0x1000 .text main\n0x2000 .eh_frame junk\n0x3000 .data str",
		"unicodé ✓ output",
	}
	for _, in := range inputs {
		for _, filter := range []bool{false, true} {
			once := Sanitize(in, 50, 1000, filter)
			assert.Equal(t, once, Sanitize(once, 50, 1000, filter), "input %q filter %v", in, filter)
		}
	}
}

func TestCharTruncation(t *testing.T) {
	for _, n := range []int{1, 10, 100, 999} {
		in := strings.Repeat("é", n+50)
		out := Sanitize(in, 0, n, false)
		marker := CharsMarker(n)
		assert.True(t, strings.HasSuffix(out, marker))
		assert.LessOrEqual(t, utf8.RuneCountInString(out), n+utf8.RuneCountInString(marker))
		assert.True(t, utf8.ValidString(out))
		assert.True(t, Truncated(out))
	}
}

func TestCharTruncationWinsOverLines(t *testing.T) {
	in := strings.Repeat("abcdefghij\n", 100)
	out := Sanitize(in, 5, 50, false)
	assert.Contains(t, out, "chars and was truncated")
	assert.NotContains(t, out, "lines (total")
}

func TestLineTruncation(t *testing.T) {
	lines := make([]string, 20)
	for i := range lines {
		lines[i] = "fcn.0000"
	}
	out := Sanitize(strings.Join(lines, "\n"), 5, 10000, false)
	assert.True(t, strings.HasSuffix(out, LinesMarker(5, 20)))
	assert.Equal(t, 5, strings.Count(strings.TrimSuffix(out, LinesMarker(5, 20)), "fcn.0000"))
}

func TestNoiseFilter(t *testing.T) {
	in := "0 0x100 .rodata hello\n1 0x200 .eh_frame zR\n2 0x300 .gcc_except_table x\n3 libunwind: bad\n4 0x400 .rodata world"
	out := Sanitize(in, 100, 10000, true)
	assert.Equal(t, "0 0x100 .rodata hello\n4 0x400 .rodata world", out)

	unfiltered := Sanitize(in, 100, 10000, false)
	assert.Equal(t, in, unfiltered)
}

func TestUnlimited(t *testing.T) {
	in := strings.Repeat("x\n", 5000)
	assert.Equal(t, in, Sanitize(in, 0, 0, false))
}
