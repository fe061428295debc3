package redis

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chrisbrine/ncache/cache"
)

type conn struct {
	nc net.Conn
	br *bufio.Reader
	bw *bufio.Writer
}

func (c *conn) close() { _ = c.nc.Close() }

// deadline is now+timeout, pulled in to the ctx deadline when that is sooner.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	var t time.Time
	if timeout > 0 {
		t = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (t.IsZero() || d.Before(t)) {
		t = d
	}
	return t
}

// roundTrip writes cmds in one flush and reads one reply per command. Every
// reply is consumed even after an error reply, which is then returned with
// the replies so the connection can be reused.
func (s *Store) roundTrip(ctx context.Context, c *conn, cmds [][]string) ([]any, error) {
	if err := c.nc.SetWriteDeadline(deadline(ctx, s.opts.WriteTimeout)); err != nil {
		return nil, err
	}
	for _, cmd := range cmds {
		writeCommand(c.bw, cmd)
	}
	if err := c.bw.Flush(); err != nil {
		return nil, err
	}

	if err := c.nc.SetReadDeadline(deadline(ctx, s.opts.ReadTimeout)); err != nil {
		return nil, err
	}
	replies := make([]any, len(cmds))
	var first error
	for i := range cmds {
		v, err := readReply(c.br)
		var re replyError
		switch {
		case errors.As(err, &re):
			if first == nil {
				first = re
			}
		case err != nil:
			return nil, err
		}
		replies[i] = v
	}
	return replies, first
}

// pipe runs cmds on one pooled connection. A transport failure discards the
// connection; an error reply does not.
func (s *Store) pipe(ctx context.Context, cmds ...[]string) ([]any, error) {
	if err := cache.CtxErr(ctx); err != nil {
		return nil, err
	}
	c, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	replies, err := s.roundTrip(ctx, c, cmds)
	var re replyError
	s.release(c, err != nil && !errors.As(err, &re))
	return replies, err
}

// do runs a single command and returns its reply.
func (s *Store) do(ctx context.Context, args ...string) (any, error) {
	replies, err := s.pipe(ctx, args)
	if len(replies) == 0 {
		return nil, err
	}
	return replies[0], err
}

func (s *Store) acquire(ctx context.Context) (*conn, error) {
	select {
	case c := <-s.pool:
		return c, nil
	default:
	}
	return s.dial(ctx)
}

func (s *Store) release(c *conn, broken bool) {
	if broken || s.closed.Load() {
		c.close()
		return
	}
	select {
	case s.pool <- c:
	default:
		c.close()
	}
}

// dial connects and runs AUTH and SELECT, pipelined, when configured.
func (s *Store) dial(ctx context.Context) (*conn, error) {
	d := net.Dialer{Timeout: s.opts.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return nil, err
	}
	c := &conn{nc: nc, br: bufio.NewReader(nc), bw: bufio.NewWriter(nc)}

	var hello [][]string
	if s.opts.Password != "" {
		hello = append(hello, []string{"AUTH", s.opts.Password})
	}
	if s.opts.DB > 0 {
		hello = append(hello, []string{"SELECT", strconv.Itoa(s.opts.DB)})
	}
	if len(hello) == 0 {
		return c, nil
	}
	replies, err := s.roundTrip(ctx, c, hello)
	if err == nil {
		for i, r := range replies {
			if msg, _ := r.(string); !strings.EqualFold(msg, "OK") {
				err = fmt.Errorf("redis: %s: unexpected reply %v", hello[i][0], r)
				break
			}
		}
	}
	if err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

// drain closes every pooled connection.
func (s *Store) drain() {
	for {
		select {
		case c := <-s.pool:
			c.close()
		default:
			return
		}
	}
}

// Pipeline batches raw commands for a single round-trip on a connection
// taken from the Store's pool.
type Pipeline struct {
	store *Store
	mu    sync.Mutex
	cmds  [][]string
	done  bool
}

// Pipeline starts an empty batch.
func (s *Store) Pipeline(ctx context.Context) (*Pipeline, error) {
	if s.closed.Load() {
		return nil, cache.ErrClosed
	}
	if err := cache.CtxErr(ctx); err != nil {
		return nil, err
	}
	return &Pipeline{store: s}, nil
}

// Queue appends a command. Commands queued after Exec or Close are ignored.
func (p *Pipeline) Queue(args ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.done {
		p.cmds = append(p.cmds, append([]string(nil), args...))
	}
}

// Exec sends the batch and returns one reply per command. If any command got
// an error reply, the replies are returned together with the first such error.
func (p *Pipeline) Exec(ctx context.Context) ([]any, error) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return nil, errors.New("redis: pipeline already executed")
	}
	p.done = true
	cmds := p.cmds
	p.cmds = nil
	p.mu.Unlock()

	if len(cmds) == 0 {
		return nil, nil
	}
	return p.store.pipe(ctx, cmds...)
}

// Close discards queued commands.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.done = true
	p.cmds = nil
	p.mu.Unlock()
}
