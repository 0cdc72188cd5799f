package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

const bytesPerLine = 16

// dumper writes every chunk it receives as hex dump lines in the layout of
// encoding/hex.Dump. Offsets continue across chunks but every chunk starts
// on a new line, so chunk boundaries stay visible.
type dumper struct {
	w      io.Writer
	offset int64

	offsetColor *color.Color
	asciiColor  *color.Color
}

func newDumper(w io.Writer, colorize bool) *dumper {
	d := &dumper{
		w:           w,
		offsetColor: color.New(color.FgCyan),
		asciiColor:  color.New(color.FgGreen),
	}

	for _, c := range []*color.Color{d.offsetColor, d.asciiColor} {
		if colorize {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}

	return d
}

func (d *dumper) Write(p []byte) (int, error) {
	var sb strings.Builder

	for start := 0; start < len(p); start += bytesPerLine {
		end := min(start+bytesPerLine, len(p))
		d.line(&sb, d.offset+int64(start), p[start:end])
	}

	if _, err := io.WriteString(d.w, sb.String()); err != nil {
		return 0, err
	}

	d.offset += int64(len(p))
	return len(p), nil
}

// Offset returns the number of bytes dumped so far.
func (d *dumper) Offset() int64 {
	return d.offset
}

func (d *dumper) line(sb *strings.Builder, offset int64, b []byte) {
	sb.WriteString(d.offsetColor.Sprintf("%08x", uint32(offset)))
	sb.WriteString("  ")

	for i := 0; i < bytesPerLine; i++ {
		if i < len(b) {
			fmt.Fprintf(sb, "%02x ", b[i])
		} else {
			sb.WriteString("   ")
		}

		switch i {
		case 7:
			sb.WriteByte(' ')
		case bytesPerLine - 1:
			sb.WriteString(" |")
		}
	}

	ascii := make([]byte, len(b))
	for i, c := range b {
		ascii[i] = printable(c)
	}
	sb.WriteString(d.asciiColor.Sprint(string(ascii)))
	sb.WriteString("|\n")
}

func printable(b byte) byte {
	if b < 32 || b > 126 {
		return '.'
	}
	return b
}
