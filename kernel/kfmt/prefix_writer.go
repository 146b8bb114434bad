package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	// midLine is set when the last write did not end with a newline.
	midLine bool
}

// Write writes len(p) bytes from p to the underlying data stream and returns
// back the number of bytes written. The injected prefix is not included in
// the number of written bytes returned by this method.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written int

	for len(p) != 0 {
		if !w.midLine {
			if _, err := w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		// Emit up to and including the next newline
		lineLen := len(p)
		for i, b := range p {
			if b == '\n' {
				lineLen = i + 1
				w.midLine = false
				break
			}
		}

		n, err := w.Sink.Write(p[:lineLen])
		written += n
		if err != nil {
			return written, err
		}
		p = p[lineLen:]
	}

	return written, nil
}
