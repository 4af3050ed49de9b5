// Package redis announces live pilot runs under TTL keys so fleet tooling
// can discover active allocations; an expired key means the run is gone.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/halverson/pilot/internal/core/domain"
	"github.com/halverson/pilot/internal/core/port"
)

// announceTTL is a multiple of the scheduler heartbeat interval so a
// missed beat does not immediately drop the run from discovery.
const announceTTL = 30 * time.Second

type runRegistry struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRunRegistry creates a Redis-backed run registry on an existing client.
func NewRunRegistry(client *redis.Client, log *zap.Logger) port.RunRegistry {
	return &runRegistry{client: client, log: log}
}

func (r *runRegistry) Announce(ctx context.Context, info *domain.RunInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("pilot:run:%s", info.RunID)
	return r.client.Set(ctx, key, data, announceTTL).Err()
}
