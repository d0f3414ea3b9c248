package mux

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// Poller waits until at least one descriptor is readable or the timeout
// elapses. An interrupted wait returns no fds and no error.
type Poller interface {
	Wait(fds []int, timeout time.Duration) ([]int, error)
}

// PollPoller is a Poller backed by poll(2).
type PollPoller struct{}

func (PollPoller) Wait(fds []int, timeout time.Duration) ([]int, error) {
	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}
	n, err := unix.Poll(pfds, int(timeout/time.Millisecond))
	if errors.Is(err, unix.EINTR) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	ready := make([]int, 0, n)
	for _, p := range pfds {
		// POLLHUP/POLLERR still have to be read to observe the condition;
		// POLLNVAL means the fd was closed under us and is skipped.
		if p.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			ready = append(ready, int(p.Fd))
		}
	}
	return ready, nil
}
