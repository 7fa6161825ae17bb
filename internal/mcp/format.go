package mcp

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// keyWidth aligns the values of a block.
const keyWidth = 20

// block renders one titled markdown section of aligned key/value lines.
type block struct {
	sb strings.Builder
}

func newBlock(title string) *block {
	b := &block{}
	b.sb.WriteString("## " + title)
	return b
}

func (b *block) kv(key string, value any) *block {
	fmt.Fprintf(&b.sb, "\n%-*s %v", keyWidth, key+":", value)
	return b
}

// kvIf adds the pair only when value is not empty.
func (b *block) kvIf(key, value string) *block {
	if value != "" {
		b.kv(key, value)
	}
	return b
}

func (b *block) item(format string, args ...any) *block {
	b.sb.WriteString("\n  ")
	fmt.Fprintf(&b.sb, format, args...)
	return b
}

func (b *block) String() string { return b.sb.String() }

// sections joins rendered blocks with a blank line.
func sections(blocks ...*block) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b != nil {
			parts = append(parts, b.String())
		}
	}
	return strings.Join(parts, "\n\n")
}

// formatNumber renders whole numbers with comma separators and fractions
// with one decimal.
func formatNumber(n any) string {
	switch v := n.(type) {
	case float64:
		if v != float64(int64(v)) {
			return fmt.Sprintf("%.1f", v)
		}
		return humanize.Comma(int64(v))
	case int64:
		return humanize.Comma(v)
	case uint64:
		return humanize.Comma(int64(v))
	case int:
		return humanize.Comma(int64(v))
	default:
		return fmt.Sprintf("%v", n)
	}
}

func formatBytes(v float64) string {
	if v <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(v))
}

func formatPct(v float64) string {
	return fmt.Sprintf("%.1f%%", v)
}

func formatMs(v float64) string {
	return fmt.Sprintf("%.1fms", v)
}

func formatSeconds(ms float64) string {
	return fmt.Sprintf("%.1fs", ms/1000)
}
