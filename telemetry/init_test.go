package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel"

	"outcraftly/config"
)

func TestInit_WithEndpoint(t *testing.T) {
	shutdown, err := Init(config.TelemetryConfig{ServiceName: "outcraftly-test", Endpoint: "localhost:4318", Insecure: true})
	assert.NoError(t, err)
	assert.NotNil(t, shutdown)
	assert.NotNil(t, otel.GetTracerProvider())
	shutdown()
}

func TestInit_WithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(config.TelemetryConfig{ServiceName: "outcraftly-test"})
	assert.NoError(t, err)
	assert.NotNil(t, shutdown)
	shutdown()
	assert.NotNil(t, Tracer())
}

func TestInit_EmptyServiceName(t *testing.T) {
	shutdown, err := Init(config.TelemetryConfig{Endpoint: "localhost:4318"})
	assert.Error(t, err)
	assert.Nil(t, shutdown)
}
