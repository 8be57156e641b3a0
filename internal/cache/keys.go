package cache

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

// RateLimitKey names the counter of key for the window starting at windowStart.
func RateLimitKey(key string, windowStart time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%d", key, windowStart.Unix())
}

// AnalysisKey names a cached pre-analysis. The size distinguishes re-uploads to the same path.
func AnalysisKey(clientID uuid.UUID, inputPath string, sizeBytes int64) string {
	return fmt.Sprintf("analysis:%s:%d:%s", clientID, sizeBytes, inputPath)
}
