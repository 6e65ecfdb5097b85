package agent

import (
	"regexp"
	"strings"
)

var (
	emphasisMarkers = strings.NewReplacer("**", "", "__", "", "`", "")
	newlineRun      = regexp.MustCompile(`[ \t]*(?:\r?\n)+[ \t]*`)
	whitespaceRun   = regexp.MustCompile(`\s+`)
)

// Segmenter turns streamed text deltas into speakable units. A unit ends at
// one of ". ! ? :" followed by whitespace, or at a newline. Abbreviations
// such as "Dr. Smith" are split too; the heuristic is applied as is.
type Segmenter struct {
	pending string
}

// Push appends delta and returns every unit completed by it, normalized.
func (s *Segmenter) Push(delta string) []string {
	if delta == "" {
		return nil
	}
	s.pending += delta

	segments, rest := splitSpeakable(s.pending)
	s.pending = rest

	units := make([]string, 0, len(segments))
	for _, seg := range segments {
		if u := NormalizeSpeech(seg); u != "" {
			units = append(units, u)
		}
	}
	return units
}

// Flush returns the normalized remainder and clears the buffer.
// ok is false when nothing speakable is left.
func (s *Segmenter) Flush() (unit string, ok bool) {
	unit = NormalizeSpeech(s.pending)
	s.pending = ""
	return unit, unit != ""
}

func (s *Segmenter) Reset() {
	s.pending = ""
}

// splitSpeakable cuts text at every boundary and returns the complete
// segments plus the unterminated remainder. A newline stays with the segment
// it ends so normalization can terminate the line; whitespace after a cut is
// dropped.
func splitSpeakable(text string) (segments []string, rest string) {
	start := 0
	for i := 0; i < len(text); i++ {
		var end int
		switch c := text[i]; {
		case c == '\n':
			end = i + 1
		case isTerminal(c) && i+1 < len(text) && isSpace(text[i+1]):
			end = i + 1
		default:
			continue
		}

		next := end
		for next < len(text) && isSpace(text[next]) {
			next++
		}
		segments = append(segments, text[start:end])
		start = next
		i = next - 1
	}
	return segments, text[start:]
}

// NormalizeSpeech prepares text for a speech engine: emphasis markers are
// removed, line breaks become sentence ends and whitespace is collapsed.
func NormalizeSpeech(text string) string {
	text = emphasisMarkers.Replace(text)
	text = terminateLines(text)
	text = whitespaceRun.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

func terminateLines(text string) string {
	locs := newlineRun.FindAllStringIndex(text, -1)
	if locs == nil {
		return text
	}

	var sb strings.Builder
	prev := 0
	for _, loc := range locs {
		sb.WriteString(strings.TrimRight(text[prev:loc[0]], " \t\r"))
		if line := strings.TrimRight(sb.String(), " \t\r"); line != "" && !isTerminal(line[len(line)-1]) {
			sb.WriteByte('.')
		}
		sb.WriteByte(' ')
		prev = loc[1]
	}
	sb.WriteString(text[prev:])
	return sb.String()
}

func isTerminal(c byte) bool {
	switch c {
	case '.', '!', '?', ':':
		return true
	}
	return false
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}
