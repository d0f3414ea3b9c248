package heuristic

import (
	"errors"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/reflow/truncate"
	"github.com/muesli/reflow/wordwrap"
	"github.com/muesli/reflow/wrap"
	"github.com/spf13/cast"
)

var errNonPositive = errors.New("must be a positive integer")

func positive(value any) (int, error) {
	n, err := cast.ToIntE(value)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errNonPositive
	}
	return n, nil
}

// Width hard-wraps every line at N columns.
type Width struct{ N int }

func newWidth(value any) (Heuristic, error) {
	n, err := positive(value)
	if err != nil {
		return nil, err
	}
	return Width{N: n}, nil
}

func (Width) Name() string { return "width" }

func (h Width) Apply(text string) string {
	if text == "" {
		return ""
	}
	w := wrap.NewWriter(h.N)
	w.PreserveSpace = true
	_, _ = w.Write([]byte(text))
	return w.String()
}

// WordWrap wraps on word boundaries at N columns; words longer than N are left intact.
type WordWrap struct{ N int }

func newWordWrap(value any) (Heuristic, error) {
	n, err := positive(value)
	if err != nil {
		return nil, err
	}
	return WordWrap{N: n}, nil
}

func (WordWrap) Name() string { return "wordwrap" }

func (h WordWrap) Apply(text string) string { return wordwrap.String(text, h.N) }

// Truncate cuts every line down to N columns.
type Truncate struct{ N int }

func newTruncate(value any) (Heuristic, error) {
	n, err := positive(value)
	if err != nil {
		return nil, err
	}
	return Truncate{N: n}, nil
}

func (Truncate) Name() string { return "truncate" }

func (h Truncate) Apply(text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = truncate.String(l, uint(h.N))
	}
	return strings.Join(lines, "\n")
}

// MaxLines keeps only the last N lines of a chunk.
type MaxLines struct{ N int }

func newMaxLines(value any) (Heuristic, error) {
	n, err := positive(value)
	if err != nil {
		return nil, err
	}
	return MaxLines{N: n}, nil
}

func (MaxLines) Name() string { return "max_lines" }

func (h MaxLines) Apply(text string) string {
	trailing := strings.HasSuffix(text, "\n")
	body := strings.TrimSuffix(text, "\n")
	lines := strings.Split(body, "\n")
	if len(lines) <= h.N {
		return text
	}
	out := strings.Join(lines[len(lines)-h.N:], "\n")
	if trailing {
		out += "\n"
	}
	return out
}

// StripANSI removes terminal escape sequences.
type StripANSI struct{}

func newStripANSI(value any) (Heuristic, error) {
	on, err := cast.ToBoolE(value)
	if err != nil {
		return nil, err
	}
	if !on {
		return identity{name: "strip_ansi"}, nil
	}
	return StripANSI{}, nil
}

func (StripANSI) Name() string { return "strip_ansi" }

func (StripANSI) Apply(text string) string { return ansi.Strip(text) }

type identity struct{ name string }

func (i identity) Name() string           { return i.name }
func (identity) Apply(text string) string { return text }
