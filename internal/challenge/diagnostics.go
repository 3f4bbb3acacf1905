package challenge

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
)

const snapshotTimeout = 15 * time.Second

// capture stores the page DOM and a full screenshot for offline triage. It is
// best effort: failures are logged and skipped.
func (r *Resolver) capture(ctx context.Context, page Page, source string) []string {
	if r.blobs == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), snapshotTimeout)
	defer cancel()

	base := path.Join(r.cfg.DiagnosticsPrefix, safeSegment(source), r.snapshotName())
	var uris []string

	if html, err := page.HTML(ctx); err != nil {
		r.logger.Debug("snapshot dom unavailable", zap.Error(err))
	} else if uri, err := r.blobs.PutObject(ctx, base+".html", "text/html; charset=utf-8", strings.NewReader(html)); err != nil {
		r.logger.Warn("store dom snapshot failed", zap.Error(err))
	} else {
		uris = append(uris, uri)
	}

	if shot, err := page.Screenshot(ctx); err != nil {
		r.logger.Debug("snapshot screenshot unavailable", zap.Error(err))
	} else if uri, err := r.blobs.PutObject(ctx, base+".png", "image/png", bytes.NewReader(shot)); err != nil {
		r.logger.Warn("store screenshot failed", zap.Error(err))
	} else {
		uris = append(uris, uri)
	}
	return uris
}

func (r *Resolver) snapshotName() string {
	if r.ids != nil {
		if id, err := r.ids.NewID(); err == nil {
			return id
		}
	}
	return fmt.Sprintf("%d", time.Now().UTC().UnixNano())
}

func safeSegment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
}
