package challenge

import (
	"context"
	"io"

	"github.com/JakeFAU/event-catalog-crawler/internal/solver"
)

// Rect is an element's bounding box in page coordinates.
type Rect struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Page is the slice of a browser tab the resolver drives.
type Page interface {
	HTML(ctx context.Context) (string, error)
	Location(ctx context.Context) (string, error)
	Click(ctx context.Context, selector string) error
	// JSClick clicks through script, bypassing overlays that intercept pointer events.
	JSClick(ctx context.Context, selector string) error
	SetValue(ctx context.Context, selector, value string) error
	Submit(ctx context.Context, formSelector string) error
	ElementScreenshot(ctx context.Context, selector string) ([]byte, error)
	BoundingBox(ctx context.Context, selector string) (Rect, error)
	ClickAt(ctx context.Context, x, y float64) error
	Screenshot(ctx context.Context) ([]byte, error)
}

// Solver is the external challenge-solving service.
type Solver interface {
	Submit(ctx context.Context, task solver.Task) (string, error)
	Await(ctx context.Context, jobID string) (string, error)
}

// BlobStore persists diagnostic snapshots.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// IDGenerator names diagnostic snapshots.
type IDGenerator interface {
	NewID() (string, error)
}
