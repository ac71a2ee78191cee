package domain

import "github.com/google/uuid"

type ChannelStatus string

const (
	ChannelActive    ChannelStatus = "active"
	ChannelSuspended ChannelStatus = "suspended"
	ChannelDeleted   ChannelStatus = "deleted"
)

type RateLimitTier string

const (
	RateLimitStandard   RateLimitTier = "standard"
	RateLimitHighVolume RateLimitTier = "high_volume"
)

// Channel is a tenant's messaging identity. It is owned by the channel
// directory; this core only reads it.
type Channel struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	PhoneNumber   string
	DisplayName   string
	Status        ChannelStatus
	RateLimitTier RateLimitTier
	AccessToken   string // never leaves the directory in events
}

func (c *Channel) Active() bool { return c.Status == ChannelActive }
