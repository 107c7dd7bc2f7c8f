package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"sudooom.fans.relay/internal/config"
	"sudooom.fans.relay/internal/model"
)

const (
	// 用户位置 TTL: 2 分钟，心跳续期
	locationTTL = 2 * time.Minute
)

// BuildUserLocationKey 用户在线位置 hash,field 为 platform
func BuildUserLocationKey(userID int64) string {
	return "fans:user:location:" + strconv.FormatInt(userID, 10)
}

// BuildUserBlockKey 用户拉黑名单 set
func BuildUserBlockKey(userID int64) string {
	return "fans:user:block:" + strconv.FormatInt(userID, 10)
}

// Client Redis 客户端
// 承担在线位置注册表和拉黑关系查询
type Client struct {
	client *redis.Client
	nodeID string
	logger *slog.Logger
}

// NewClient 创建 Redis 客户端
func NewClient(cfg config.RedisConfig, nodeID string) *Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	return &Client{
		client: client,
		nodeID: nodeID,
		logger: slog.Default(),
	}
}

// RegisterLocation 注册用户位置
// 一个 platform 只维持一个连接，新连接会覆盖旧连接
func (c *Client) RegisterLocation(ctx context.Context, userID, connID int64, deviceID, platform string) error {
	key := BuildUserLocationKey(userID)

	loc := model.Location{
		UserID:    userID,
		NodeID:    c.nodeID,
		ConnID:    connID,
		Platform:  platform,
		DeviceID:  deviceID,
		LoginTime: time.Now(),
	}
	data, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, platform, data)
	pipe.Expire(ctx, key, locationTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	c.logger.Debug("Registered user location",
		"userId", userID,
		"platform", platform,
		"connId", connID,
		"nodeId", c.nodeID)
	return nil
}

// UnregisterLocation 移除用户某平台的位置
func (c *Client) UnregisterLocation(ctx context.Context, userID int64, platform string) error {
	return c.client.HDel(ctx, BuildUserLocationKey(userID), platform).Err()
}

// RefreshLocation 刷新用户位置 TTL（心跳时调用）
func (c *Client) RefreshLocation(ctx context.Context, userID int64) error {
	return c.client.Expire(ctx, BuildUserLocationKey(userID), locationTTL).Err()
}

// Locations 用户全部在线位置 (多端)
func (c *Client) Locations(ctx context.Context, userID int64) ([]*model.Location, error) {
	entries, err := c.client.HGetAll(ctx, BuildUserLocationKey(userID)).Result()
	if err != nil {
		return nil, err
	}

	locs := make([]*model.Location, 0, len(entries))
	for platform, raw := range entries {
		var loc model.Location
		if err := json.Unmarshal([]byte(raw), &loc); err != nil {
			c.logger.Warn("Skipping corrupted location entry",
				"userId", userID,
				"platform", platform,
				"error", err)
			continue
		}
		locs = append(locs, &loc)
	}
	return locs, nil
}

// IsBlocked 任一方向拉黑即返回 true
func (c *Client) IsBlocked(ctx context.Context, userA, userB int64) (bool, error) {
	blocked, err := c.client.SIsMember(ctx, BuildUserBlockKey(userA), userB).Result()
	if err != nil {
		return false, err
	}
	if blocked {
		return true, nil
	}
	return c.client.SIsMember(ctx, BuildUserBlockKey(userB), userA).Result()
}

// Ping 检查 Redis 连接
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close 关闭连接
func (c *Client) Close() error {
	return c.client.Close()
}
