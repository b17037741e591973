package process

import (
	"bytes"
	"strconv"
	"strings"
)

// minLineLength filters progress noise the decoder prints between reports.
const minLineLength = 6

// LineKind classifies one diagnostics line.
type LineKind int

const (
	LineOther LineKind = iota
	LineTimestamp
	LineCache
	LineMissed
)

// Line is a parsed diagnostics line.
type Line struct {
	Kind      LineKind
	Timestamp float64
	Cache     int
	Missed    int64
	Text      string
}

// ParseLine recognizes the decoder's timestamp, cache fill and packet loss
// reports. ok is false for lines too short to carry any of them.
func ParseLine(raw string) (Line, bool) {
	text := strings.TrimSpace(raw)
	if len(text) < minLineLength {
		return Line{}, false
	}
	l := Line{Kind: LineOther, Text: text}

	if rest, found := strings.CutPrefix(text, "PTS: "); found {
		if ts, err := strconv.ParseFloat(strings.TrimSpace(rest), 64); err == nil {
			l.Kind = LineTimestamp
			l.Timestamp = ts
		}
		return l, true
	}

	if rest, found := strings.CutPrefix(text, "RTP: missed "); found {
		if f := strings.Fields(rest); len(f) > 0 {
			if n, err := strconv.ParseInt(f[0], 10, 64); err == nil {
				l.Kind = LineMissed
				l.Missed = n
			}
		}
		return l, true
	}

	if strings.HasSuffix(text, "%") {
		fields := strings.Split(text, " ")
		if len(fields) > 3 {
			last := strings.TrimSuffix(fields[len(fields)-1], "%")
			if pct, err := strconv.ParseFloat(last, 64); err == nil {
				l.Kind = LineCache
				l.Cache = int(pct)
			}
		}
	}
	return l, true
}

// ScanLines is a bufio.SplitFunc that breaks on '\n' and on '\r', which the
// decoder uses to redraw its status line.
func ScanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
