package go_pathtrace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

type Receiver interface {
	Receive() (chan []byte, error)
	Close()
}

type rcvIpv4 struct {
	fd      int
	read    func(p []byte) (int, error)
	backoff time.Duration
	logger  *slog.Logger
	ctx     context.Context
	cancel  func()

	mu      sync.Mutex
	started bool
	closeFd sync.Once
}

// newRcvIpv4 opens a raw ICMP socket. Reads block for at most readTimeout
// so Close is noticed promptly.
func newRcvIpv4(readTimeout time.Duration, logger *slog.Logger) (Receiver, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_ICMP)
	if err != nil {
		return nil, fmt.Errorf("open icmp socket: %w", err)
	}
	if err = setSockOptReceiveErr(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err = setSockOptRcvTimeout(fd, readTimeout); err != nil {
		unix.Close(fd)
		return nil, err
	}
	r := newRcv(fd, func(p []byte) (int, error) {
		n, _, err := unix.Recvfrom(fd, p, 0)
		return n, err
	}, readTimeout, logger)
	return r, nil
}

func newRcv(fd int, read func(p []byte) (int, error), backoff time.Duration, logger *slog.Logger) *rcvIpv4 {
	ctx, cancel := context.WithCancel(context.Background())
	return &rcvIpv4{
		fd:      fd,
		read:    read,
		backoff: backoff,
		logger:  orDiscard(logger),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (r *rcvIpv4) Receive() (chan []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil, fmt.Errorf("icmp receiver already started")
	}
	if r.ctx.Err() != nil {
		return nil, fmt.Errorf("icmp receiver closed")
	}
	r.started = true
	ch := make(chan []byte, 1024)
	go r.loop(ch)
	return ch, nil
}

func (r *rcvIpv4) loop(ch chan<- []byte) {
	defer close(ch)
	defer r.release()
	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}
		bts := make([]byte, 1500)
		n, err := r.read(bts)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK), errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EBADF), errors.Is(err, unix.ENOTSOCK), errors.Is(err, unix.EINVAL):
				r.logger.Warn("icmp socket unusable, receive stopped", "error", err)
				return
			}
			r.logger.Debug("icmp receive failed", "error", err)
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(r.backoff):
			}
			continue
		}
		select {
		case ch <- bts[:n]:
		case <-r.ctx.Done():
			return
		default:
			r.logger.Warn("receive ch full, dropping icmp packet", "bytes", n)
		}
	}
}

func (r *rcvIpv4) release() {
	r.closeFd.Do(func() {
		if r.fd >= 0 {
			unix.Close(r.fd)
		}
	})
}

// Close stops the receive loop, which closes the socket. A receiver that
// was never started closes it directly.
func (r *rcvIpv4) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel()
	if !r.started {
		r.release()
	}
}

func setSockOptRcvTimeout(fd int, timeout time.Duration) error {
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	return unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
}
