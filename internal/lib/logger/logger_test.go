package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_ProdIsJSONInfo(t *testing.T) {
	var buf bytes.Buffer
	log := setup(EnvProd, &buf)

	log.Debug("hidden")
	assert.Empty(t, buf.String())

	log.Info("transfer completed")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "transfer completed", entry["msg"])
	assert.Equal(t, "INFO", entry["level"])
}

func TestSetup_DevLogsDebug(t *testing.T) {
	var buf bytes.Buffer
	setup(EnvDev, &buf).Debug("change received")
	assert.Contains(t, buf.String(), `"level":"DEBUG"`)
}

func TestSetup_LocalIsPretty(t *testing.T) {
	var buf bytes.Buffer
	setup(EnvLocal, &buf).Info("starting app")
	assert.Contains(t, buf.String(), "starting app")
	assert.NotContains(t, buf.String(), `"msg"`)
}
