package log_test

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/akaBetsy/cpss/pkg/log"
)

func TestAttrHelpers(t *testing.T) {
	assert.Equal(t, slog.Int("rows", 3), log.Int("rows", 3))
	assert.Equal(t, slog.String("status", "ok"), log.String("status", "ok"))
	assert.Equal(t, slog.Any("payload", 1.5), log.Any("payload", 1.5))

	assert.Equal(t, "count", log.Count(2).Key)
	assert.Equal(t, int64(2), log.Count(2).Value.Int64())
	assert.Equal(t, "file_path", log.FilePath("a.json").Key)
	assert.Equal(t, "domain", log.Domain("example.com").Key)
	assert.Equal(t, "ip", log.IP("203.0.113.5").Key)
	assert.Equal(t, "error", log.Err(assert.AnError).Key)
}

func TestWithPrefix(t *testing.T) {
	logger := log.WithPrefix("modat-host")
	assert.NotNil(t, logger)
	logger.Info("collector ready")
}
