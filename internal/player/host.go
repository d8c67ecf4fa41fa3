package player

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/awarelab/awarelab/internal/catalog"
	"github.com/jonboulle/clockwork"
)

const readyProbeInterval = 500 * time.Millisecond

// VideoResolver looks up static video reference data.
type VideoResolver interface {
	Video(id string) (catalog.VideoDescriptor, bool)
}

// RemoteHost embeds catalog videos as RemoteWidgets. When an oEmbed endpoint
// is configured it is used both as the readiness probe and to check that each
// video exists and may be embedded.
type RemoteHost struct {
	videos    VideoResolver
	oembedURL string
	http      *http.Client
	clock     clockwork.Clock
	ttl       time.Duration

	mu      sync.Mutex
	readyAt time.Time
	probes  map[string]probeEntry
}

type probeEntry struct {
	code      int
	expiresAt time.Time
}

func NewRemoteHost(videos VideoResolver, oembedURL string, ttl time.Duration, clock clockwork.Clock) *RemoteHost {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RemoteHost{
		videos:    videos,
		oembedURL: oembedURL,
		http:      &http.Client{Timeout: 5 * time.Second},
		clock:     clock,
		ttl:       ttl,
		probes:    make(map[string]probeEntry),
	}
}

// Ready polls the oEmbed endpoint until it answers or ctx expires.
func (h *RemoteHost) Ready(ctx context.Context) error {
	if h.oembedURL == "" || h.recentlyReady() {
		return nil
	}

	for {
		err := h.probeReady(ctx)
		if err == nil {
			h.mu.Lock()
			h.readyAt = h.clock.Now()
			h.mu.Unlock()
			return nil
		}
		slog.Warn("player: host not ready", "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for host: %w", ctx.Err())
		case <-h.clock.After(readyProbeInterval):
		}
	}
}

func (h *RemoteHost) Embed(ctx context.Context, containerID, videoID string, opts Options) (Widget, error) {
	desc, ok := h.videos.Video(videoID)
	if !ok {
		return nil, NewPlayerError(CodeNotFound)
	}

	if h.oembedURL != "" {
		code, err := h.embeddable(ctx, desc)
		if err != nil {
			return nil, err
		}
		if code != 0 {
			return nil, NewPlayerError(code)
		}
	}

	w := NewRemoteWidget(h.clock, desc.DurationSeconds())
	if opts.StartSeconds > 0 {
		start := opts.StartSeconds
		w.Apply(Report{Position: &start})
	}
	return w, nil
}

func (h *RemoteHost) recentlyReady() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.readyAt.IsZero() && h.clock.Since(h.readyAt) < h.ttl
}

func (h *RemoteHost) probeReady(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.oembedURL, nil)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return fmt.Errorf("probe host: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe host: status %d", resp.StatusCode)
	}
	return nil
}

// embeddable returns 0 when the video can be embedded, otherwise the widget
// error code that describes why not.
func (h *RemoteHost) embeddable(ctx context.Context, desc catalog.VideoDescriptor) (int, error) {
	now := h.clock.Now()

	h.mu.Lock()
	entry, ok := h.probes[desc.ID]
	h.mu.Unlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.code, nil
	}

	original := desc.OriginalURL()
	if original == "" {
		return 0, nil
	}

	q := url.Values{}
	q.Set("url", original)
	q.Set("format", "json")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.oembedURL+"?"+q.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("create oembed request: %w", err)
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("oembed lookup: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	code := 0
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		code = CodeNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		code = CodeEmbedNotAllowed
	default:
		code = CodeHTML5Error
	}

	if h.ttl > 0 && code != CodeHTML5Error {
		h.mu.Lock()
		h.probes[desc.ID] = probeEntry{code: code, expiresAt: now.Add(h.ttl)}
		h.mu.Unlock()
	}
	return code, nil
}
