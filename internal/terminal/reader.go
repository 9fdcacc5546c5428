package terminal

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
)

// CardReader produces card ids as riders tap. Implementations wrap the
// actual NFC hardware; the simulated reader below stands in for it during
// development and tests.
type CardReader interface {
	// ReadCardID blocks until a card is presented or ctx is cancelled.
	// io.EOF means the reader was shut down.
	ReadCardID(ctx context.Context) (string, error)
}

// SimulatedReader reads card ids line by line, typically from stdin. Blank
// lines are ignored. Once the underlying stream ends, every subsequent read
// returns the same terminal error.
type SimulatedReader struct {
	lines chan string
	errCh chan error

	mu  sync.Mutex
	err error
}

func NewSimulatedReader(r io.Reader) *SimulatedReader {
	sr := &SimulatedReader{
		lines: make(chan string),
		errCh: make(chan error, 1),
	}
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			sr.lines <- line
		}
		if err := scanner.Err(); err != nil {
			sr.errCh <- err
		} else {
			sr.errCh <- io.EOF
		}
		close(sr.lines)
	}()
	return sr
}

func (sr *SimulatedReader) ReadCardID(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case id, ok := <-sr.lines:
		if !ok {
			return "", sr.terminalErr()
		}
		return id, nil
	}
}

func (sr *SimulatedReader) terminalErr() error {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.err == nil {
		sr.err = <-sr.errCh
	}
	return sr.err
}
