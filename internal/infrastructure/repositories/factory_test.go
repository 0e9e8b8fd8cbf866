package repositories

import (
	"context"
	"testing"

	"camstream/pkg/config"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRepositoryFactory_MemoryWithoutRedis(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = false

	f := NewRepositoryFactory(cfg, zap.NewNop().Sugar())
	defer f.Close()

	assert.False(t, f.UsingRedis())
	assert.Nil(t, f.RedisClient())
	assert.Nil(t, f.LeaseManager())
	assert.NoError(t, f.HealthCheck(context.Background()))
	assert.NotNil(t, f.CreateSessionRepository())
	assert.NotNil(t, f.CreateStreamTokenRepository())
}
