package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	DefaultProbeAttempts = 20
	DefaultProbeWaitMin  = 250 * time.Millisecond
	DefaultProbeWaitMax  = 2 * time.Second

	probeRequestTimeout = 2 * time.Second
	maxPartialLine      = 16 * 1024
)

var (
	ansiEscapePattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	localURLPattern   = regexp.MustCompile(`(https?)://(localhost|127\.0\.0\.1|0\.0\.0\.0|\[::1\]):(\d{1,5})`)
)

// DetectServerURLs extracts loopback server addresses announced in a line of
// dev server output. 0.0.0.0 is reported as localhost.
func DetectServerURLs(line string) []ReadinessEvent {
	clean := ansiEscapePattern.ReplaceAllString(line, "")
	matches := localURLPattern.FindAllStringSubmatch(clean, -1)
	if len(matches) == 0 {
		return nil
	}

	var events []ReadinessEvent
	seen := make(map[int]bool)
	for _, match := range matches {
		port, err := strconv.Atoi(match[3])
		if err != nil || port <= 0 || port > 65535 || seen[port] {
			continue
		}
		seen[port] = true
		host := match[2]
		if host == "0.0.0.0" {
			host = "localhost"
		}
		events = append(events, ReadinessEvent{
			Port: port,
			URL:  fmt.Sprintf("%s://%s:%d", match[1], host, port),
		})
	}
	return events
}

// lineBuffer reassembles lines from output chunks that may split anywhere.
type lineBuffer struct {
	partial strings.Builder
}

func (b *lineBuffer) Feed(chunk string) []string {
	var lines []string
	for {
		idx := strings.IndexAny(chunk, "\r\n")
		if idx < 0 {
			break
		}
		b.partial.WriteString(chunk[:idx])
		if line := b.partial.String(); line != "" {
			lines = append(lines, line)
		}
		b.partial.Reset()
		chunk = chunk[idx+1:]
	}
	b.partial.WriteString(chunk)
	if b.partial.Len() > maxPartialLine {
		lines = append(lines, b.partial.String())
		b.partial.Reset()
	}
	return lines
}

func (b *lineBuffer) Flush() string {
	rest := b.partial.String()
	b.partial.Reset()
	return rest
}

// ReadinessProber confirms that an announced address actually accepts HTTP
// connections. Any HTTP response counts as reachable.
type ReadinessProber struct {
	client *retryablehttp.Client
}

func NewReadinessProber(logger *slog.Logger, attempts int, waitMin, waitMax time.Duration) *ReadinessProber {
	if attempts <= 0 {
		attempts = DefaultProbeAttempts
	}
	if waitMin <= 0 {
		waitMin = DefaultProbeWaitMin
	}
	if waitMax < waitMin {
		waitMax = DefaultProbeWaitMax
		if waitMax < waitMin {
			waitMax = waitMin
		}
	}

	client := retryablehttp.NewClient()
	client.RetryMax = attempts - 1
	client.RetryWaitMin = waitMin
	client.RetryWaitMax = waitMax
	client.HTTPClient.Timeout = probeRequestTimeout
	client.CheckRetry = retryOnConnectionError
	if logger != nil {
		client.Logger = logger.With("component", "readiness_probe")
	} else {
		client.Logger = nil
	}

	return &ReadinessProber{client: client}
}

func (p *ReadinessProber) Probe(ctx context.Context, url string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", url, err)
	}
	resp.Body.Close()
	return nil
}

func retryOnConnectionError(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return err != nil, nil
}
