package backend

import "strings"

const (
	openTag  = "<think>"
	closeTag = "</think>"
)

// asciiLower folds an ASCII byte to lowercase.
func asciiLower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + 'a' - 'A'
	}
	return b
}

// indexFold returns the byte index of the first case-insensitive occurrence
// of tag in s, or -1. tag must be ASCII.
func indexFold(s, tag string) int {
	if len(tag) == 0 || len(s) < len(tag) {
		return -1
	}
	for i := 0; i+len(tag) <= len(s); i++ {
		match := true
		for j := 0; j < len(tag); j++ {
			if asciiLower(s[i+j]) != asciiLower(tag[j]) {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// StripThink removes all <think>…</think> regions from s, case-insensitive.
// Reasoning models emit these before or between structured output; the
// regions are not part of the semantic output and must be stripped before
// parsing or persisting.
//
// Expectations:
//   - Removes a single region
//   - Removes multiple regions
//   - Matches tags case-insensitively (<THINK>, <Think>)
//   - Strips an unclosed region from its opening tag to end of string
//   - Returns s trimmed but otherwise unchanged when no tag is present
func StripThink(s string) string {
	for {
		start := indexFold(s, openTag)
		if start == -1 {
			break
		}
		rest := s[start:]
		end := indexFold(rest, closeTag)
		if end == -1 {
			s = s[:start]
			break
		}
		s = s[:start] + rest[end+len(closeTag):]
	}
	return strings.TrimSpace(s)
}

// StripFences removes surrounding markdown code fences (```json … ```) from
// model output, after stripping think regions.
//
// Expectations:
//   - Removes an opening fence line and the trailing closing fence
//   - Leaves unfenced output unchanged apart from trimming
func StripFences(s string) string {
	s = StripThink(strings.TrimSpace(s))
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if i := strings.LastIndex(s, "```"); i != -1 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

// ThinkFilter elides think regions from a chunk stream on a rolling
// character buffer, so forwarded output never shows scratch-pad text even
// when a tag is split across chunk boundaries. Feed returns the visible
// portion of each chunk; Flush drains whatever remains at end-of-stream
// (an unclosed region is discarded).
type ThinkFilter struct {
	buf     []byte
	inThink bool
}

// Feed consumes one raw chunk and returns the text safe to forward.
//
// Expectations:
//   - Passes plain text through unchanged
//   - Elides a region contained in one chunk
//   - Elides a region whose tags are split across chunk boundaries
//   - Holds back a trailing partial tag prefix until resolved
func (f *ThinkFilter) Feed(chunk string) string {
	f.buf = append(f.buf, chunk...)
	var out []byte
	for {
		s := string(f.buf)
		if f.inThink {
			i := indexFold(s, closeTag)
			if i < 0 {
				// Inside a region: keep only enough tail to detect a
				// close tag split across the boundary.
				keep := len(closeTag) - 1
				if len(f.buf) > keep {
					f.buf = append(f.buf[:0], f.buf[len(f.buf)-keep:]...)
				}
				return string(out)
			}
			f.buf = append(f.buf[:0], f.buf[i+len(closeTag):]...)
			f.inThink = false
			continue
		}
		i := indexFold(s, openTag)
		if i < 0 {
			keep := partialTagSuffix(s, openTag)
			emit := len(f.buf) - keep
			out = append(out, f.buf[:emit]...)
			f.buf = append(f.buf[:0], f.buf[emit:]...)
			return string(out)
		}
		out = append(out, f.buf[:i]...)
		f.buf = append(f.buf[:0], f.buf[i+len(openTag):]...)
		f.inThink = true
	}
}

// Flush returns any held-back text once the stream ends. Text inside an
// unclosed region is dropped.
func (f *ThinkFilter) Flush() string {
	defer func() { f.buf = f.buf[:0] }()
	if f.inThink {
		return ""
	}
	return string(f.buf)
}

// partialTagSuffix returns the length of the longest proper suffix of s that
// is a case-insensitive prefix of tag.
func partialTagSuffix(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for k := max; k > 0; k-- {
		match := true
		for j := 0; j < k; j++ {
			if asciiLower(s[len(s)-k+j]) != asciiLower(tag[j]) {
				match = false
				break
			}
		}
		if match {
			return k
		}
	}
	return 0
}
