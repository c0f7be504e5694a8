// Package imagegen adapts external image generation APIs.
package imagegen

import (
	"context"
	"strings"
)

// Accepted parameter values after normalization.
const (
	SizeSquare    = "1024x1024"
	SizeLandscape = "1792x1024"
	SizePortrait  = "1024x1792"

	QualityStandard = "standard"
	QualityHD       = "hd"

	StyleVivid   = "vivid"
	StyleNatural = "natural"
)

// Request is one generation call.
type Request struct {
	Prompt  string
	Size    string
	Quality string
	Style   string
}

// Result is the provider outcome. A successful result carries base64 image
// data, a URL, or both.
type Result struct {
	ImageBase64   string
	ImageURL      string
	RevisedPrompt string
}

// Provider generates images. Implementations must honour ctx cancellation.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req Request) (*Result, error)

func (f ProviderFunc) Generate(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// NormalizeSize maps free-form input to a supported size, defaulting to 1024x1024.
func NormalizeSize(size string) string {
	switch s := strings.ToLower(strings.TrimSpace(size)); s {
	case SizeSquare, SizeLandscape, SizePortrait:
		return s
	default:
		return SizeSquare
	}
}

// NormalizeQuality maps "hd" and "high" to hd and everything else to standard.
func NormalizeQuality(quality string) string {
	switch strings.ToLower(strings.TrimSpace(quality)) {
	case "hd", "high":
		return QualityHD
	default:
		return QualityStandard
	}
}

// NormalizeStyle maps "natural" to natural and everything else to vivid.
func NormalizeStyle(style string) string {
	if strings.EqualFold(strings.TrimSpace(style), StyleNatural) {
		return StyleNatural
	}
	return StyleVivid
}

// Normalize returns req with every parameter mapped to a supported value.
func Normalize(req Request) Request {
	req.Size = NormalizeSize(req.Size)
	req.Quality = NormalizeQuality(req.Quality)
	req.Style = NormalizeStyle(req.Style)
	return req
}
