package api

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"
)

const (
	retryBaseDelay = 1 * time.Second
	retryMaxDelay  = 30 * time.Second
	retryJitter    = 500 * time.Millisecond
)

// IsRetryable classifies transient network failures: connection resets,
// timeouts, DNS failures and aborted requests retry; everything else
// propagates immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	for _, frag := range []string{"connection reset", "connection refused", "broken pipe", "request canceled", "EOF", "timeout"} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// DoWithRetry runs fn up to attempts times with exponential backoff plus
// jitter. Non-retryable errors stop immediately.
func DoWithRetry(ctx context.Context, what string, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if i == attempts-1 {
			break
		}

		delay := retryBaseDelay * (1 << uint(i))
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
		delay += time.Duration(rand.Int63n(int64(retryJitter)))
		log.Printf("[Retry] %s failed (attempt %d/%d): %v - retrying in %v", what, i+1, attempts, lastErr, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
