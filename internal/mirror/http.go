package mirror

import (
	"strings"

	"github.com/mirrorctl/powerloader/internal/transfer"
)

// HTTPKind is the plain HTTP(S)/file mirror: no preparation round trip, no
// auth headers beyond whatever the caller configured on the Context.
// Grounded on original_source/src/mirror.cpp's default Mirror behavior.
type HTTPKind struct {
	BaseURL string
}

// NewHTTPKind builds an HTTPKind rooted at baseURL.
func NewHTTPKind(baseURL string) *HTTPKind {
	return &HTTPKind{BaseURL: strings.TrimSuffix(baseURL, "/")}
}

func (h *HTTPKind) NeedsPreparation(path string) bool { return false }

func (h *HTTPKind) PrepareRequest(path string) (*transfer.Handle, error) {
	return nil, nil
}

func (h *HTTPKind) FinishPreparation(path string) error { return nil }

func (h *HTTPKind) AuthHeaders(path string) ([]string, error) { return nil, nil }

func (h *HTTPKind) FormatURL(path string) (string, error) {
	if h.BaseURL == "" {
		// An empty BaseURL means path is already the full URL (spec
		// §4.5's absolute-URL dispatch bypasses joining entirely).
		return path, nil
	}
	return h.BaseURL + "/" + strings.TrimPrefix(path, "/"), nil
}
