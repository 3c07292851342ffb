package auth

import (
	"context"
	"encoding/json"

	"github.com/harrylevesque/devlink/internal/events"
	"github.com/harrylevesque/devlink/internal/models"
)

// MigrateRequest represents the smart-migrate request payload.
type MigrateRequest struct {
	CurrentUID string `json:"currentUid"`
}

// SmartMigrate asks the authority to move data recorded under an older UID
// of this machine to the current one. When it did, the local session is
// dropped so the next authenticate starts fresh.
func (c *Client) SmartMigrate(ctx context.Context) (*models.MigrationResult, error) {
	uid := c.ids.Current()
	if uid == "" {
		c.log.Info("no uid yet, skipping migration check")
		return &models.MigrationResult{}, nil
	}

	var env envelope
	if err := c.post(ctx, "/desktop/smart-migrate", MigrateRequest{CurrentUID: uid}, "", sideTimeout, &env); err != nil {
		return nil, err
	}
	res := &models.MigrationResult{Migrated: env.Success && env.Migrated, Message: env.Message}
	var data struct {
		Points json.RawMessage `json:"points"`
	}
	if len(env.Data) > 0 && json.Unmarshal(env.Data, &data) == nil {
		res.Points = data.Points
	}
	if !res.Migrated {
		c.log.Info("no migration needed", "message", env.Message)
		return res, nil
	}

	c.log.Info("device data migrated", "message", env.Message)
	if err := c.ClearSession(); err != nil {
		c.log.Warn("failed to clear session after migration", "err", err)
	}
	if c.notices != nil {
		c.notices.Publish(events.MigrationSuccess, res)
	}
	return res, nil
}
