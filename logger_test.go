package rtpart

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/hupe1980/rtpart/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_ControllerContext(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(slog.NewJSONHandler(&buf, nil))
	c := New(pid, nil, WithLogger(l))

	c.logger.WithVersion(7).Info("hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "controller", rec["component"])
	assert.Equal(t, pid.String(), rec["partition"])
	assert.Equal(t, float64(model.IncVersion(7)), rec["version"])
}
