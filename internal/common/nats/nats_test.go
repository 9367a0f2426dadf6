package nats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"billpay/internal/common/events"
)

func TestConfigEnabled(t *testing.T) {
	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{URL: "nats://localhost:4222"}.Enabled())
}

func TestDefaultStreamConfig(t *testing.T) {
	cfg := DefaultStreamConfig("PAYMENTS", []string{events.AttemptSubjects})

	assert.Equal(t, "PAYMENTS", cfg.Name)
	assert.Equal(t, []string{"payment.attempt.>"}, cfg.Subjects)
	assert.Equal(t, 7*24*time.Hour, cfg.MaxAge)
	assert.Equal(t, 1, cfg.Replicas)
}
