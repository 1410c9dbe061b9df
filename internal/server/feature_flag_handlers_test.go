package server

import (
	"net/http"
	"testing"

	"lectern/internal/config"
	"lectern/internal/featureflags"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetFeatureFlags(t *testing.T) {
	env := newTestServer(t, func(cfg *config.Config) {
		cfg.FeatureFlags = "image_thumbnails=on,quiz_links=0%"
	})

	var out struct {
		Flags []featureflags.FlagState `json:"flags"`
	}
	require.Equal(t, http.StatusOK, env.call(t, http.MethodGet, "/api/feature-flags", "ana", nil, &out))
	assert.Equal(t, []featureflags.FlagState{
		{Name: featureflags.ImageThumbnails, Rule: "on", Enabled: true, Configured: true},
		{Name: "quiz_links", Rule: "0%", Configured: true},
	}, out.Flags)

	assert.Equal(t, http.StatusUnauthorized, env.call(t, http.MethodGet, "/api/feature-flags", "", nil, nil))
}
