// SPDX-License-Identifier: MIT

package log

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-123")
	assert.Equal(t, "req-123", RequestIDFromContext(ctx))
}

func TestRequestIDAbsent(t *testing.T) {
	assert.Equal(t, "", RequestIDFromContext(context.Background()))
	assert.Equal(t, "", RequestIDFromContext(nil)) //nolint:staticcheck
}

func TestWithComponent(t *testing.T) {
	l := WithComponent("store")
	// Logger construction must not panic and must be usable.
	l.Debug().Msg("component logger works")
}

func TestConfigureIsIdempotent(t *testing.T) {
	Configure(Config{Level: "debug"})
	Configure(Config{Level: "error"}) // second call is a no-op
	assert.NotPanics(t, func() {
		l := Base()
		l.Info().Msg("ok")
	})
}
