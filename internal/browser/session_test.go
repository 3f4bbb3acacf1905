package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWithDefaults(t *testing.T) {
	t.Parallel()

	cfg := withDefaults(Config{})
	require.Equal(t, 45*time.Second, cfg.NavigationTimeout)
	require.Equal(t, 15*time.Second, cfg.ActionTimeout)
	require.Equal(t, 1366, cfg.WindowWidth)

	cfg = withDefaults(Config{NavigationTimeout: time.Second, WindowWidth: 800})
	require.Equal(t, time.Second, cfg.NavigationTimeout)
	require.Equal(t, 800, cfg.WindowWidth)
}

func TestAllocatorOptionsExtendDefaults(t *testing.T) {
	t.Parallel()

	base := len(allocatorOptions(Config{Headless: true}))
	withExtras := len(allocatorOptions(Config{Headless: true, UserAgent: "ua", ExecPath: "/usr/bin/chromium"}))
	require.Equal(t, base+2, withExtras)
}

func TestAcquireTabBoundsOpenTabs(t *testing.T) {
	t.Parallel()

	s := &Session{tabs: make(chan struct{}, 1), closed: make(chan struct{})}
	release, err := s.acquireTab(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.acquireTab(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	again, err := s.acquireTab(context.Background())
	require.NoError(t, err)
	again()
}

func TestForwardCancel(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	child, cancelChild := context.WithCancel(context.Background())
	defer cancelChild()
	stop := forwardCancel(parent, cancelChild)
	defer stop()

	cancelParent()
	require.Eventually(t, func() bool { return child.Err() != nil }, time.Second, time.Millisecond)
}

func TestResponseMetaSnapshot(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 404, URL: "https://kvitki.example/missing"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 500, URL: "https://kvitki.example/logo.png"},
	})
	got := meta.snapshot("https://kvitki.example/req", "")
	require.Equal(t, Response{Status: 404, URL: "https://kvitki.example/missing"}, got)

	meta.reset()
	got = meta.snapshot("https://kvitki.example/req", "https://kvitki.example/final")
	require.Equal(t, Response{Status: http.StatusOK, URL: "https://kvitki.example/final"}, got)
}

func TestJSStringEscapes(t *testing.T) {
	t.Parallel()

	require.Equal(t, `"a[data-x=\"1\"]"`, jsString(`a[data-x="1"]`))
}

func TestSessionRendersPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<!doctype html><html><body><button id="b" onclick="this.textContent='done'">go</button><script>document.body.insertAdjacentHTML('beforeend', '<div id="late">late content</div>');</script></body></html>`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	session, err := NewSession(ctx, Config{Headless: true, Stealth: true, MaxTabs: 1}, zap.NewNop())
	if err != nil {
		t.Skipf("chrome unavailable: %v", err)
	}
	defer session.Close()

	page, err := session.NewPage(ctx)
	require.NoError(t, err)
	defer page.Close()

	resp, err := page.Navigate(ctx, srv.URL)
	if err != nil {
		t.Skipf("navigation failed: %v", err)
	}
	require.Equal(t, http.StatusOK, resp.Status)

	html, err := page.HTML(ctx)
	require.NoError(t, err)
	require.True(t, strings.Contains(html, "late content"))

	found, err := page.Exists(ctx, "#late")
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, page.JSClick(ctx, "#b"))
	text, err := page.Text(ctx, "#b")
	require.NoError(t, err)
	require.Equal(t, "done", text)

	box, err := page.BoundingBox(ctx, "#b")
	require.NoError(t, err)
	require.Greater(t, box.Width, 0.0)

	session.Close()
	_, err = session.NewPage(ctx)
	require.ErrorIs(t, err, ErrSessionClosed)
}
