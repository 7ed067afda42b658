// Package logging builds the bridge's zap logger. All human-visible output
// goes to stderr; stdout is reserved for JSON-RPC frames. An optional log
// file receives a duplicate of every entry through a buffered writer.
package logging

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	flushInterval   = 5 * time.Second
	flushBatchSize  = 50
	maxBufferedRows = 200
)

// Options controls logger construction.
type Options struct {
	Debug   bool
	LogFile string
}

// New returns a configured logger and a shutdown function that flushes any
// buffered file output. The returned logger never writes to stdout.
func New(opts Options) (*zap.Logger, func(), error) {
	level := zapcore.InfoLevel
	if opts.Debug {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	stderrCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)

	cores := []zapcore.Core{stderrCore}
	shutdown := func() {}

	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		bw := newBufferedWriter(f)
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(fileCfg),
			zapcore.AddSync(bw),
			level,
		)
		cores = append(cores, fileCore)
		shutdown = func() {
			bw.Close()
			_ = f.Close()
		}
	}

	logger := zap.New(zapcore.NewTee(cores...))
	return logger, shutdown, nil
}

// bufferedWriter batches log entries before handing them to the underlying
// file. Entries are flushed every flushInterval or once flushBatchSize are
// pending. If the underlying write fails, entries are retained for the next
// attempt; beyond maxBufferedRows the oldest entries are dropped.
type bufferedWriter struct {
	mu      sync.Mutex
	out     *os.File
	pending [][]byte
	ticker  *time.Ticker
	done    chan struct{}
	once    sync.Once
}

func newBufferedWriter(out *os.File) *bufferedWriter {
	w := &bufferedWriter{
		out:    out,
		ticker: time.NewTicker(flushInterval),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *bufferedWriter) Write(p []byte) (int, error) {
	entry := append([]byte(nil), p...)
	w.mu.Lock()
	w.pending = append(w.pending, entry)
	if len(w.pending) > maxBufferedRows {
		w.pending = w.pending[len(w.pending)-maxBufferedRows:]
	}
	flushNow := len(w.pending) >= flushBatchSize
	w.mu.Unlock()
	if flushNow {
		w.flush()
	}
	return len(p), nil
}

func (w *bufferedWriter) loop() {
	for {
		select {
		case <-w.ticker.C:
			w.flush()
		case <-w.done:
			return
		}
	}
}

func (w *bufferedWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.pending) > 0 {
		if _, err := w.out.Write(w.pending[0]); err != nil {
			// Keep what we could not write; the size cap in Write bounds it.
			return
		}
		w.pending = w.pending[1:]
	}
}

// Close stops the flush loop and performs a final flush.
func (w *bufferedWriter) Close() {
	w.once.Do(func() {
		w.ticker.Stop()
		close(w.done)
	})
	w.flush()
}
