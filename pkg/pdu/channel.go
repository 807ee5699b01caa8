package pdu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	readBufSize   = 4096
	maxLineLen    = 64 * 1024
	chunkQueueLen = 64

	// promptIdle is how long a prompt-like fragment must stay unterminated
	// before it is taken as the prompt.
	promptIdle = 20 * time.Millisecond
	// defaultSettle is the quiet window closing replies that have no
	// prompt, end token or line count.
	defaultSettle = 250 * time.Millisecond
)

var errWaitExpired = errors.New("wait expired")

// channel frames a device stream into CRLF-terminated commands and reply lines.
// One command owns the channel from write until its reply is complete.
type channel struct {
	mu      sync.Mutex // held for a command's full send and receive cycle
	stream  io.ReadWriteCloser
	eol     string
	prompt  *regexp.Regexp
	settle  time.Duration
	logger  *slog.Logger
	chunks  chan []byte
	closeCh chan struct{}
	deadCh  chan struct{}
	readErr error
	once    sync.Once

	// guarded by mu
	pending []byte
	backlog []string
	dirty   bool
}

func newChannel(stream io.ReadWriteCloser, eol string, prompt *regexp.Regexp, settle time.Duration, logger *slog.Logger) *channel {
	if settle <= 0 {
		settle = defaultSettle
	}
	c := &channel{
		stream:  stream,
		eol:     eol,
		prompt:  prompt,
		settle:  settle,
		logger:  logger,
		chunks:  make(chan []byte, chunkQueueLen),
		closeCh: make(chan struct{}),
		deadCh:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// readLoop hands raw inbound bytes to whoever holds the channel.
// Line segmentation happens on the receiving side so it can tell a
// finished prompt from a fragment that is still arriving.
func (c *channel) readLoop() {
	defer close(c.deadCh)
	for {
		buf := make([]byte, readBufSize)
		n, err := c.stream.Read(buf)
		if n > 0 {
			select {
			case c.chunks <- buf[:n]:
			case <-c.closeCh:
				return
			}
		}
		if err != nil {
			c.readErr = err
			select {
			case <-c.closeCh:
			default:
				if c.logger != nil {
					c.logger.Error("failed to read from device", "error", err)
				}
			}
			return
		}
	}
}

func (c *channel) isPrompt(line string) bool {
	return c.prompt != nil && c.prompt.MatchString(line)
}

// split appends b to the pending bytes and moves complete lines to the backlog.
func (c *channel) split(b []byte) {
	c.pending = append(c.pending, b...)
	for {
		i := bytes.IndexByte(c.pending, '\n')
		if i < 0 {
			break
		}
		c.backlog = append(c.backlog, strings.TrimRight(string(c.pending[:i]), "\r"))
		c.pending = c.pending[:copy(c.pending, c.pending[i+1:])]
	}
	if len(c.pending) > maxLineLen {
		c.backlog = append(c.backlog, c.flush())
	}
}

// flush returns the unterminated fragment as a line.
func (c *channel) flush() string {
	line := strings.TrimRight(string(c.pending), "\r")
	c.pending = c.pending[:0]
	return line
}

// nextLine returns the next complete line. An unterminated fragment that
// matches the prompt counts as a line once no data follows it for promptIdle.
// errWaitExpired is returned when wait fires first.
func (c *channel) nextLine(ctx context.Context, wait <-chan time.Time) (string, error) {
	var idle *time.Timer
	var idleC <-chan time.Time
	defer func() {
		if idle != nil {
			idle.Stop()
		}
	}()

	for {
		if len(c.backlog) > 0 {
			line := c.backlog[0]
			c.backlog = c.backlog[1:]
			return line, nil
		}
		if idleC == nil && len(c.pending) > 0 && c.isPrompt(string(c.pending)) {
			if idle == nil {
				idle = time.NewTimer(promptIdle)
			} else {
				idle.Reset(promptIdle)
			}
			idleC = idle.C
		}

		select {
		case b := <-c.chunks:
			c.split(b)
			if idleC != nil {
				idle.Stop()
				idleC = nil
			}
		case <-idleC:
			return c.flush(), nil
		case <-wait:
			return "", errWaitExpired
		case <-c.deadCh:
			// The device may have answered and then hung up.
			select {
			case b := <-c.chunks:
				c.split(b)
				continue
			default:
			}
			if len(c.pending) > 0 {
				return c.flush(), nil
			}
			return "", c.brokenErr()
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// exchange writes cmd and collects reply lines until done reports the reply
// complete. A nil done collects until the device stays quiet for the settle
// window, so an unacknowledged command still owns any error it provokes.
func (c *channel) exchange(ctx context.Context, cmd string, done func([]string) bool, timeout time.Duration) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.resync(ctx, timeout); err != nil {
		return nil, err
	}
	c.drain()
	if err := c.send(cmd); err != nil {
		return nil, err
	}
	if done == nil {
		return c.receiveQuiet(ctx, timeout)
	}
	return c.receiveUntil(ctx, done, timeout)
}

// post writes cmd without waiting for anything.
func (c *channel) post(cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(cmd)
}

// await collects lines without sending anything first.
func (c *channel) await(ctx context.Context, done func([]string) bool, timeout time.Duration) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receiveUntil(ctx, done, timeout)
}

// resync runs after a command gave up on its reply. It discards input until
// the late reply ends at a prompt or the device stays quiet for the settle
// window, bounded by timeout.
func (c *channel) resync(ctx context.Context, timeout time.Duration) error {
	if !c.dirty {
		return nil
	}
	deadline := time.Now().Add(timeout)
	discarded := 0
	for {
		d := min(c.settle, time.Until(deadline))
		if d <= 0 {
			break
		}
		t := time.NewTimer(d)
		line, err := c.nextLine(ctx, t.C)
		t.Stop()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return c.failed(ctxErr, timeout, discarded)
			}
			break
		}
		discarded++
		if c.isPrompt(line) {
			break
		}
	}
	c.pending = c.pending[:0]
	c.dirty = false
	if c.logger != nil {
		c.logger.Debug("discarded late reply", "lines", discarded)
	}
	return nil
}

// drain discards input left over from an earlier exchange.
func (c *channel) drain() {
	for {
		select {
		case b := <-c.chunks:
			if c.logger != nil {
				c.logger.Debug("discarding stale input", "bytes", len(b))
			}
		default:
			c.backlog = nil
			c.pending = c.pending[:0]
			return
		}
	}
}

func (c *channel) send(text string) error {
	select {
	case <-c.deadCh:
		return c.brokenErr()
	default:
	}
	if _, err := c.stream.Write([]byte(text + c.eol)); err != nil {
		return fmt.Errorf("%w: write: %w", ErrIO, err)
	}
	if c.logger != nil {
		c.logger.Debug("command sent", "command", text)
	}
	return nil
}

func (c *channel) receiveUntil(ctx context.Context, done func([]string) bool, timeout time.Duration) ([]string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var acc []string
	for {
		line, err := c.nextLine(ctx, timer.C)
		if err != nil {
			return nil, c.failed(err, timeout, len(acc))
		}
		acc = append(acc, line)
		if done(acc) {
			if c.logger != nil {
				c.logger.Debug("reply received", "lines", len(acc))
			}
			return acc, nil
		}
	}
}

// receiveQuiet collects lines until none arrives for the settle window.
func (c *channel) receiveQuiet(ctx context.Context, timeout time.Duration) ([]string, error) {
	deadline := time.Now().Add(timeout)
	var acc []string
	for {
		d := min(c.settle, time.Until(deadline))
		if d <= 0 {
			return nil, c.failed(errWaitExpired, timeout, len(acc))
		}
		t := time.NewTimer(d)
		line, err := c.nextLine(ctx, t.C)
		t.Stop()
		switch {
		case errors.Is(err, errWaitExpired) && d == c.settle:
			if len(c.pending) > 0 {
				acc = append(acc, c.flush())
			}
			if c.logger != nil {
				c.logger.Debug("reply settled", "lines", len(acc))
			}
			return acc, nil
		case err != nil:
			return nil, c.failed(err, timeout, len(acc))
		}
		acc = append(acc, line)
	}
}

// failed maps a receive error. A reply abandoned for any reason but a dead
// connection leaves the channel dirty.
func (c *channel) failed(err error, timeout time.Duration, partial int) error {
	switch {
	case errors.Is(err, errWaitExpired):
		c.dirty = true
		if c.logger != nil {
			c.logger.Warn("reply timeout", "partial", partial)
		}
		return fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case errors.Is(err, context.DeadlineExceeded):
		c.dirty = true
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		c.dirty = true
		return fmt.Errorf("reply canceled: %w", err)
	default:
		return err
	}
}

// broken reports whether the read side has failed for good.
func (c *channel) broken() bool {
	select {
	case <-c.deadCh:
		return true
	default:
		return false
	}
}

func (c *channel) brokenErr() error {
	switch {
	case c.readErr == nil:
		return fmt.Errorf("%w: session closed", ErrIO)
	case errors.Is(c.readErr, io.EOF):
		return fmt.Errorf("%w: connection closed by device", ErrIO)
	}
	return fmt.Errorf("%w: %w", ErrIO, c.readErr)
}

func (c *channel) close() error {
	var err error
	c.once.Do(func() {
		close(c.closeCh)
		err = c.stream.Close()
	})
	return err
}
