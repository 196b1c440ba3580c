package observability

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vibetune/audiosidecar/internal/config"
)

func TestSetupLogger(t *testing.T) {
	lg := SetupLogger(config.Config{AppEnv: "dev", OTELServiceName: "audio-sidecar"})
	require.NotNil(t, lg)
	lg.Info("logger smoke test")
}

func TestInitMetrics_Idempotent(t *testing.T) {
	// Registering twice must not panic.
	InitMetrics()
	InitMetrics()
}

func TestSetupTracing_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupTracing(config.Config{})
	require.NoError(t, err)
	require.Nil(t, shutdown)
}
