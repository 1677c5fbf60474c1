package supervisor

import "bytes"

// lineWriter splits a byte stream into lines and hands each complete one to
// emit, in order. A trailing "\r" is stripped. Bytes after the last "\n"
// are held until the next Write.
//
// Lines longer than limit are dropped whole: the partial buffer is discarded
// and everything up to the next "\n" is skipped.
type lineWriter struct {
	limit      int
	buf        []byte
	discarding bool
	emit       func(line string)
	oversize   func()
}

func newLineWriter(limit int, emit func(string), oversize func()) *lineWriter {
	if oversize == nil {
		oversize = func() {}
	}
	return &lineWriter{limit: limit, emit: emit, oversize: oversize}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			if !w.discarding {
				w.buf = append(w.buf, p...)
				if len(w.buf) > w.limit {
					w.drop()
					w.discarding = true
				}
			}
			return n, nil
		}

		chunk := p[:i]
		p = p[i+1:]
		if w.discarding {
			w.discarding = false
			continue
		}
		if len(w.buf)+len(chunk) > w.limit {
			w.drop()
			continue
		}

		line := chunk
		if len(w.buf) > 0 {
			w.buf = append(w.buf, chunk...)
			line = w.buf
		}
		line = bytes.TrimSuffix(line, []byte{'\r'})
		w.emit(string(line))
		w.buf = w.buf[:0]
	}
	return n, nil
}

func (w *lineWriter) drop() {
	w.buf = w.buf[:0]
	w.oversize()
}

// reset discards any unterminated remainder and reports its length.
func (w *lineWriter) reset() int {
	n := len(w.buf)
	w.buf = w.buf[:0]
	w.discarding = false
	return n
}
