package sshterminal

import (
	"bytes"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

const (
	// DefaultMarkerPhrase is printed by the provisioning script once the
	// build has been verified.
	DefaultMarkerPhrase = "Success! vLLM version:"
	// DefaultMarkerWindow is the number of characters of stripped output the
	// scanner keeps.
	DefaultMarkerWindow = 8000
	// maxEscapeCarry bounds how much of an unterminated control sequence is
	// held back waiting for its final byte.
	maxEscapeCarry = 512
	// VerifiedSentinel is broadcast once after the marker phrase is seen.
	VerifiedSentinel = "\r\n[__VLLM_INSTALL_VERIFIED__]\r\n"
)

// MarkerScanner looks for a fixed phrase in a live byte stream. It keeps a
// bounded tail of output with terminal control sequences removed, so the
// phrase is found even when split across chunks or interleaved with cursor
// movement.
type MarkerScanner struct {
	phrase string
	window int

	mu       sync.Mutex
	tail     string
	carry    []byte
	verified bool
}

// NewMarkerScanner returns a scanner for phrase over a window of characters.
func NewMarkerScanner(phrase string, window int) *MarkerScanner {
	if phrase == "" {
		phrase = DefaultMarkerPhrase
	}
	if window < len(phrase) {
		window = DefaultMarkerWindow
	}
	return &MarkerScanner{phrase: phrase, window: window}
}

// Scan feeds one output chunk. It returns true only for the chunk that
// completes the first match; the verified flag never reverts.
func (m *MarkerScanner) Scan(chunk []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.verified {
		return false
	}

	buf := append(m.carry, chunk...)
	hold := partialEscapeLen(buf)
	if hold == 0 {
		hold = partialRuneLen(buf)
	}
	cut := len(buf) - hold
	m.carry = append([]byte(nil), buf[cut:]...)

	m.tail += ansi.Strip(string(buf[:cut]))
	m.trim()

	if strings.Contains(m.tail, m.phrase) {
		m.verified = true
		m.tail = ""
		m.carry = nil
		return true
	}
	return false
}

// trim drops the oldest characters beyond the window.
func (m *MarkerScanner) trim() {
	if len(m.tail) <= m.window {
		return
	}
	excess := utf8.RuneCountInString(m.tail) - m.window
	i := 0
	for ; excess > 0 && i < len(m.tail); excess-- {
		_, size := utf8.DecodeRuneInString(m.tail[i:])
		i += size
	}
	m.tail = m.tail[i:]
}

// Verified reports whether the phrase has been seen.
func (m *MarkerScanner) Verified() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verified
}

// partialRuneLen returns how many trailing bytes of b start a UTF-8 sequence
// that the next chunk will complete.
func partialRuneLen(b []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		if utf8.RuneStart(b[len(b)-i]) {
			if utf8.FullRune(b[len(b)-i:]) {
				return 0
			}
			return i
		}
	}
	return 0
}

// partialEscapeLen returns how many trailing bytes of b belong to a control
// sequence whose final byte has not arrived yet.
func partialEscapeLen(b []byte) int {
	start := bytes.LastIndexByte(b, ansi.ESC)
	if start < 0 || len(b)-start > maxEscapeCarry {
		return 0
	}
	seq := b[start+1:]
	if len(seq) == 0 {
		return len(b) - start
	}
	switch seq[0] {
	case '[':
		// CSI: parameter and intermediate bytes up to a final byte in 0x40-0x7E.
		for _, c := range seq[1:] {
			if c >= 0x40 && c <= 0x7e {
				return 0
			}
			if c < 0x20 || c > 0x3f {
				return 0
			}
		}
		return len(b) - start
	case ']', 'P', 'X', '^', '_':
		// String sequences end with BEL or ST. ST itself starts with ESC, so a
		// terminated string never has its opening ESC as the last one.
		if bytes.IndexByte(seq[1:], ansi.BEL) >= 0 {
			return 0
		}
		return len(b) - start
	}
	// nF escapes: intermediates 0x20-0x2F then one final byte.
	for _, c := range seq {
		if c < 0x20 || c > 0x2f {
			return 0
		}
	}
	return len(b) - start
}
