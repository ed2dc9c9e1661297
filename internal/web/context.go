package web

import (
	"context"
	"net/http"
	"strings"

	"github.com/vendorregistry/importer/internal/importer"
)

// maxCreatorLen bounds the X-User value stored on a run.
const maxCreatorLen = 255

// withCreator tags ctx with the caller named in X-User. Without the header
// the run is attributed to importer.DefaultCreator.
func withCreator(ctx context.Context, r *http.Request) context.Context {
	user := strings.TrimSpace(r.Header.Get("X-User"))
	if user == "" {
		return ctx
	}
	if len(user) > maxCreatorLen {
		user = user[:maxCreatorLen]
	}
	return importer.ContextWithCreator(ctx, user)
}
