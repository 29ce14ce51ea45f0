package httpapi

import (
	"bytes"
	"strings"

	"github.com/rantslabs/rants/internal/engine"
)

// intentScrubber filters a token stream so the tool-intent marker never
// reaches a client. It holds back at most len(marker)-1 bytes of lookahead;
// once a marker is seen, bytes through the end of that line are dropped.
type intentScrubber struct {
	marker   []byte
	tail     []byte
	dropping bool
	emit     func(string)
}

func newIntentScrubber(emit func(string)) *intentScrubber {
	return &intentScrubber{marker: []byte(engine.IntentPrefix), emit: emit}
}

// Write pushes one raw delta through the scrubber.
func (s *intentScrubber) Write(chunk string) {
	data := append(s.tail, chunk...)
	s.tail = nil

	var out bytes.Buffer
	for len(data) > 0 {
		if s.dropping {
			nl := bytes.IndexByte(data, '\n')
			if nl < 0 {
				break
			}
			s.dropping = false
			out.WriteByte('\n')
			data = data[nl+1:]
			continue
		}

		idx := bytes.Index(data, s.marker)
		if idx >= 0 {
			out.Write(data[:idx])
			data = data[idx+len(s.marker):]
			s.dropping = true
			continue
		}

		hold := longestMarkerPrefixSuffix(data, s.marker)
		out.Write(data[:len(data)-hold])
		s.tail = append(s.tail, data[len(data)-hold:]...)
		break
	}
	if out.Len() > 0 {
		s.emit(out.String())
	}
}

// Flush releases held-back bytes and resets line state. It runs at step
// boundaries and at end of stream: a pending marker prefix that never
// completed is ordinary text and is emitted, while a suppressed intent line
// that ended without a newline stays suppressed.
func (s *intentScrubber) Flush() {
	if !s.dropping && len(s.tail) > 0 {
		s.emit(string(s.tail))
	}
	s.tail = nil
	s.dropping = false
}

// longestMarkerPrefixSuffix returns the length of the longest suffix of data
// that is a proper prefix of marker.
func longestMarkerPrefixSuffix(data, marker []byte) int {
	max := len(marker) - 1
	if max > len(data) {
		max = len(data)
	}
	for n := max; n > 0; n-- {
		if bytes.Equal(data[len(data)-n:], marker[:n]) {
			return n
		}
	}
	return 0
}

// chunkText splits text into fixed-size pieces for post-hoc streaming.
func chunkText(text string, size int) []string {
	if size <= 0 {
		size = 64
	}
	var chunks []string
	for len(text) > 0 {
		n := size
		if n > len(text) {
			n = len(text)
		}
		chunks = append(chunks, text[:n])
		text = text[n:]
	}
	return chunks
}

// sanitizeText strips any intent marker content from accumulated text for
// non-streaming responses.
func sanitizeText(text string) string {
	if !strings.Contains(text, engine.IntentPrefix) {
		return text
	}
	var b strings.Builder
	scrubber := newIntentScrubber(func(s string) { b.WriteString(s) })
	scrubber.Write(text)
	scrubber.Flush()
	return b.String()
}
