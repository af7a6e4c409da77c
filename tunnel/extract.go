package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"
)

var (
	// ErrURLTimeout is returned when no public URL appeared in time.
	ErrURLTimeout = errors.New("timed out waiting for tunnel URL")
	// ErrStreamClosed is returned when the diagnostic stream ended before a
	// public URL appeared.
	ErrStreamClosed = errors.New("tunnel output closed before a URL was announced")
)

// DefaultURLTimeout bounds how long Start waits for the URL announcement.
const DefaultURLTimeout = 30 * time.Second

// urlTimer starts the deadline of ExtractPublicURL.
var urlTimer = time.NewTimer

var publicURLPattern = regexp.MustCompile(`https://[a-zA-Z0-9-]+\.trycloudflare\.com`)

// MatchPublicURL returns the first quick tunnel URL found in line.
func MatchPublicURL(line string) (string, bool) {
	url := publicURLPattern.FindString(line)
	return url, url != ""
}

// ExtractPublicURL reads lines until one announces a quick tunnel URL. It
// never blocks past timeout, and stops early when ctx is cancelled or the
// stream closes.
func ExtractPublicURL(ctx context.Context, lines <-chan string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultURLTimeout
	}
	timer := urlTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", fmt.Errorf("%w after %s", ErrURLTimeout, timeout)
		case line, ok := <-lines:
			if !ok {
				return "", ErrStreamClosed
			}
			if url, found := MatchPublicURL(line); found {
				return url, nil
			}
		}
	}
}

// streamLines scans r on its own goroutine. The channel is closed at EOF or
// on the first read error.
func streamLines(r io.Reader) <-chan string {
	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}
