package logfilewriter

import (
	"bytes"
	"sync"

	"go.uber.org/zap"
)

// NewLineWriter returns a writer that logs each complete line written to it at debug level.
// It is used to forward a subprocess's stderr into the daemon log.
func NewLineWriter(logger *zap.SugaredLogger) *LineWriter {
	return &LineWriter{logger: logger}
}

// LineWriter forwards newline separated output to a logger.
type LineWriter struct {
	logger *zap.SugaredLogger

	mu  sync.Mutex
	buf bytes.Buffer
}

// Write implements the io.Writer interface by sending data to the given logger.
// Incoming data may contain partial lines, which are held until their newline arrives.
func (o *LineWriter) Write(p []byte) (n int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.buf.Write(p)
	for {
		idx := bytes.IndexByte(o.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimRight(o.buf.Next(idx+1), "\r\n"))
		if len(line) > 0 {
			o.logger.Debug(line)
		}
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (o *LineWriter) Flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.buf.Len() > 0 {
		o.logger.Debug(o.buf.String())
		o.buf.Reset()
	}
}
