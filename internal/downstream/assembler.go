package downstream

import "bytes"

// lineAssembler turns an arbitrary byte stream (as read off a child
// process's stdout in whatever chunk sizes the OS delivers) into complete
// newline-terminated lines, holding any trailing partial line in an
// internal buffer until the next Feed call completes it.
type lineAssembler struct {
	buf []byte
}

// Feed appends chunk to the internal buffer and returns every complete
// line found (without the trailing newline), retaining any trailing
// partial line for the next call.
func (a *lineAssembler) Feed(chunk []byte) []string {
	a.buf = append(a.buf, chunk...)
	var lines []string
	for {
		idx := bytes.IndexByte(a.buf, '\n')
		if idx < 0 {
			break
		}
		line := a.buf[:idx]
		a.buf = a.buf[idx+1:]
		lines = append(lines, string(bytes.TrimRight(line, "\r")))
	}
	return lines
}
