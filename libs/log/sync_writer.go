package log

import (
	"io"
	"sync"
)

type syncWriter struct {
	mtx sync.Mutex
	w   io.Writer
}

// newSyncWriter returns a writer that is safe for concurrent use by multiple
// goroutines. Writes to the returned writer are passed on to w.
func newSyncWriter(w io.Writer) io.Writer {
	if sw, ok := w.(*syncWriter); ok {
		return sw
	}
	return &syncWriter{w: w}
}

func (sw *syncWriter) Write(p []byte) (int, error) {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()
	return sw.w.Write(p)
}
