// SPDX-License-Identifier: MIT

package log

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobIDRoundTrip(t *testing.T) {
	ctx := ContextWithJobID(context.Background(), "job-123")
	assert.Equal(t, "job-123", JobIDFromContext(ctx))
}

func TestSourceURLRoundTrip(t *testing.T) {
	ctx := ContextWithSourceURL(context.Background(), "https://example.com/v.mp4")
	assert.Equal(t, "https://example.com/v.mp4", SourceURLFromContext(ctx))
}

func TestFromNilContext(t *testing.T) {
	assert.Equal(t, "", JobIDFromContext(nil)) //nolint:staticcheck
	assert.Equal(t, "", SourceURLFromContext(nil))
}

func TestWithContextNoFields(t *testing.T) {
	logger := WithComponent("test")
	enriched := WithContext(context.Background(), logger)
	// No correlation fields present, logger is returned unchanged.
	assert.Equal(t, logger, enriched)
}
