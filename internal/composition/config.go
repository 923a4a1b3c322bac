// Package composition is the node's composition root: it owns nothing
// but wiring, assembling the packet plane, the group cryptographic
// plane, and the outbox reliability plane into one running Core, the
// way daemonservice assembles aim-chat's domain services around a
// shared waku.Node.
package composition

import (
	"time"

	"meshmux/core/internal/waku"
)

// BLEConfig mirrors the ble.* configuration surface: MTU-driven
// fragmentation thresholds and the three outbox queues' retry cadence.
type BLEConfig struct {
	MTULimitBytes            int           `yaml:"mtuLimitBytes"`
	DefaultFragmentSizeBytes int           `yaml:"defaultFragmentSizeBytes"`
	RelayQueueCapacity       int           `yaml:"relayQueueCapacity"`
	RelayPacing              time.Duration `yaml:"relayPacing"`

	OutgoingMessageRetryInterval time.Duration `yaml:"outgoingMessageRetryInterval"`
	OutgoingMessageMaxAttempts   int           `yaml:"outgoingMessageMaxAttempts"`
	AmigoMessageRetryInterval    time.Duration `yaml:"amigoMessageRetryInterval"`
	AmigoMessageMaxAttempts      int           `yaml:"amigoMessageMaxAttempts"`
	DeliveryAckRetryInterval     time.Duration `yaml:"deliveryAckRetryInterval"`
	DeliveryAckMaxAge            time.Duration `yaml:"deliveryAckMaxAge"`
	OutboxPacing                 time.Duration `yaml:"outboxPacing"`
}

// BloomConfig mirrors the dedup.* configuration surface: the TTL bloom
// filter every inbound packet is checked and recorded against.
type BloomConfig struct {
	Capacity         int           `yaml:"capacity"`
	FalsePositveRate float64       `yaml:"falsePositiveRate"`
	TTL              time.Duration `yaml:"ttl"`
	SnapshotPath     string        `yaml:"snapshotPath"`
}

// GossipConfig mirrors the gossip.* configuration surface.
type GossipConfig struct {
	SeenCapacity         int           `yaml:"seenCapacity"`
	FragmentCapacity     int           `yaml:"fragmentCapacity"`
	MaintenanceInterval  time.Duration `yaml:"maintenanceInterval"`
	MessageSyncInterval  time.Duration `yaml:"messageSyncInterval"`
	FragmentSyncInterval time.Duration `yaml:"fragmentSyncInterval"`
	StalePeerTimeout     time.Duration `yaml:"stalePeerTimeout"`
	MaxMessageAge        time.Duration `yaml:"maxMessageAge"`
}

// RetentionConfig mirrors the retention.* configuration surface.
type RetentionConfig struct {
	MessageMaxAge time.Duration `yaml:"messageMaxAge"`
	PendingMaxAge time.Duration `yaml:"pendingMaxAge"`
}

// StorageConfig configures the store's encrypted-at-rest snapshot and
// the dedup index's own snapshot path.
type StorageConfig struct {
	SnapshotPath   string `yaml:"snapshotPath"`
	SnapshotSecret string `yaml:"-"` // supplied out of band, never serialized
}

// IdentityConfig configures how the local member's seed is loaded.
type IdentityConfig struct {
	SeedEnvelopePath string `yaml:"seedEnvelopePath"`
	Pseudonym        string `yaml:"pseudonym"`
}

// BootstrapConfig points at the signed network manifest (if any) that
// overrides the transport's baked-in bootstrap peer list, mirroring
// aim-chat's control-plane rollout path for relay/store-node changes.
type BootstrapConfig struct {
	ManifestPath    string   `yaml:"manifestPath"`
	TrustBundlePath string   `yaml:"trustBundlePath"`
	CachePath       string   `yaml:"cachePath"`
	BakedNodes      []string `yaml:"bakedNodes"`
	BakedMinPeers   int      `yaml:"bakedMinPeers"`
}

// Config is the full node configuration, loaded from YAML with
// gopkg.in/yaml.v3, matching waku.Config's own tagging convention.
type Config struct {
	Transport waku.Config     `yaml:"transport"`
	BLE       BLEConfig       `yaml:"ble"`
	Bloom     BloomConfig     `yaml:"dedup"`
	Gossip    GossipConfig    `yaml:"gossip"`
	Retention RetentionConfig `yaml:"retention"`
	Storage   StorageConfig   `yaml:"storage"`
	Identity  IdentityConfig  `yaml:"identity"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
}

// DefaultConfig returns a Config with every default named by the
// configuration surface, suitable as a base a YAML file overrides
// fields of.
func DefaultConfig() Config {
	return Config{
		Transport: waku.DefaultConfig(),
		BLE: BLEConfig{
			MTULimitBytes:            185,
			DefaultFragmentSizeBytes: 170,
			RelayQueueCapacity:       500,
			RelayPacing:              100 * time.Millisecond,

			OutgoingMessageRetryInterval: 30 * time.Second,
			OutgoingMessageMaxAttempts:   10,
			AmigoMessageRetryInterval:    30 * time.Second,
			AmigoMessageMaxAttempts:      10,
			DeliveryAckRetryInterval:     60 * time.Second,
			DeliveryAckMaxAge:            24 * time.Hour,
			OutboxPacing:                 100 * time.Millisecond,
		},
		Bloom: BloomConfig{
			Capacity:         1000,
			FalsePositveRate: 0.01,
			TTL:              5 * time.Minute,
		},
		Gossip: GossipConfig{
			SeenCapacity:         1000,
			FragmentCapacity:     600,
			MaintenanceInterval:  30 * time.Second,
			MessageSyncInterval:  15 * time.Second,
			FragmentSyncInterval: 30 * time.Second,
			StalePeerTimeout:     60 * time.Second,
			MaxMessageAge:        15 * time.Minute,
		},
		Retention: RetentionConfig{
			MessageMaxAge: 60 * time.Minute,
			PendingMaxAge: 24 * time.Hour,
		},
		Identity: IdentityConfig{
			Pseudonym: "anonymous",
		},
	}
}

// Normalize fills zero-valued fields with DefaultConfig's values,
// mirroring waku's own normalizeConfig rather than failing a partially
// specified YAML file.
func (c Config) Normalize() Config {
	def := DefaultConfig()
	if c.BLE.MTULimitBytes <= 0 {
		c.BLE.MTULimitBytes = def.BLE.MTULimitBytes
	}
	if c.BLE.DefaultFragmentSizeBytes <= 0 {
		c.BLE.DefaultFragmentSizeBytes = def.BLE.DefaultFragmentSizeBytes
	}
	if c.BLE.RelayQueueCapacity <= 0 {
		c.BLE.RelayQueueCapacity = def.BLE.RelayQueueCapacity
	}
	if c.BLE.RelayPacing <= 0 {
		c.BLE.RelayPacing = def.BLE.RelayPacing
	}
	if c.BLE.OutgoingMessageRetryInterval <= 0 {
		c.BLE.OutgoingMessageRetryInterval = def.BLE.OutgoingMessageRetryInterval
	}
	if c.BLE.OutgoingMessageMaxAttempts <= 0 {
		c.BLE.OutgoingMessageMaxAttempts = def.BLE.OutgoingMessageMaxAttempts
	}
	if c.BLE.AmigoMessageRetryInterval <= 0 {
		c.BLE.AmigoMessageRetryInterval = c.BLE.OutgoingMessageRetryInterval
	}
	if c.BLE.AmigoMessageMaxAttempts <= 0 {
		c.BLE.AmigoMessageMaxAttempts = c.BLE.OutgoingMessageMaxAttempts
	}
	if c.BLE.DeliveryAckRetryInterval <= 0 {
		c.BLE.DeliveryAckRetryInterval = def.BLE.DeliveryAckRetryInterval
	}
	if c.BLE.DeliveryAckMaxAge <= 0 {
		c.BLE.DeliveryAckMaxAge = def.BLE.DeliveryAckMaxAge
	}
	if c.BLE.OutboxPacing <= 0 {
		c.BLE.OutboxPacing = def.BLE.OutboxPacing
	}
	if c.Bloom.Capacity <= 0 {
		c.Bloom.Capacity = def.Bloom.Capacity
	}
	if c.Bloom.FalsePositveRate <= 0 {
		c.Bloom.FalsePositveRate = def.Bloom.FalsePositveRate
	}
	if c.Bloom.TTL <= 0 {
		c.Bloom.TTL = def.Bloom.TTL
	}
	if c.Gossip.SeenCapacity <= 0 {
		c.Gossip.SeenCapacity = def.Gossip.SeenCapacity
	}
	if c.Gossip.FragmentCapacity <= 0 {
		c.Gossip.FragmentCapacity = def.Gossip.FragmentCapacity
	}
	if c.Gossip.MaintenanceInterval <= 0 {
		c.Gossip.MaintenanceInterval = def.Gossip.MaintenanceInterval
	}
	if c.Gossip.MessageSyncInterval <= 0 {
		c.Gossip.MessageSyncInterval = def.Gossip.MessageSyncInterval
	}
	if c.Gossip.FragmentSyncInterval <= 0 {
		c.Gossip.FragmentSyncInterval = def.Gossip.FragmentSyncInterval
	}
	if c.Gossip.StalePeerTimeout <= 0 {
		c.Gossip.StalePeerTimeout = def.Gossip.StalePeerTimeout
	}
	if c.Gossip.MaxMessageAge <= 0 {
		c.Gossip.MaxMessageAge = def.Gossip.MaxMessageAge
	}
	if c.Retention.MessageMaxAge <= 0 {
		c.Retention.MessageMaxAge = def.Retention.MessageMaxAge
	}
	if c.Retention.PendingMaxAge <= 0 {
		c.Retention.PendingMaxAge = def.Retention.PendingMaxAge
	}
	if c.Identity.Pseudonym == "" {
		c.Identity.Pseudonym = def.Identity.Pseudonym
	}
	return c
}
