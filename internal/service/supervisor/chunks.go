package supervisor

import (
	"io"
	"iter"
	"unicode/utf8"
)

const defaultChunkSize = 4096

// Chunks yields raw reads from r until EOF or a read error. Chunks are not
// line framed; a chunk may hold a partial line or several lines. A multibyte
// character split across reads is held back and yielded whole with the next
// chunk. Whatever is left at EOF is yielded as is.
func Chunks(r io.Reader, size int) iter.Seq[string] {
	if size <= 0 {
		size = defaultChunkSize
	}
	return func(yield func(string) bool) {
		buf := make([]byte, size+utf8.UTFMax)
		carry := 0
		for {
			n, err := r.Read(buf[carry : carry+size])
			n += carry
			cut := n
			if err == nil {
				cut = completeRunes(buf[:n])
			}
			if cut > 0 && !yield(string(buf[:cut])) {
				return
			}
			carry = copy(buf, buf[cut:n])
			if err != nil {
				return
			}
		}
	}
}

// completeRunes returns the length of the longest prefix of b that does not
// end inside a multibyte character. Invalid bytes count as complete.
func completeRunes(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}
