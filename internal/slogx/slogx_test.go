// SPDX-License-Identifier: GPL-3.0-or-later

package slogx_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/rbmk-project/tcpchain/internal/slogx"
	"github.com/stretchr/testify/assert"
)

func TestOrDiscard(t *testing.T) {
	t.Run("nil logger", func(t *testing.T) {
		logger := slogx.OrDiscard(nil)
		assert.NotNil(t, logger)
		assert.False(t, logger.Enabled(context.Background(), slog.LevelError))
	})

	t.Run("non-nil logger", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		assert.Same(t, logger, slogx.OrDiscard(logger))
		slogx.OrDiscard(logger).Info("hello")
		assert.Contains(t, buf.String(), "msg=hello")
	})
}
