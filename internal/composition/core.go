package composition

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"meshmux/core/internal/bootstrap/bootstrapmanager"
	"meshmux/core/internal/cgka"
	"meshmux/core/internal/dedup"
	"meshmux/core/internal/dispatcher"
	"meshmux/core/internal/gossip"
	"meshmux/core/internal/member"
	"meshmux/core/internal/meshcodec"
	"meshmux/core/internal/outbox"
	"meshmux/core/internal/platform/metrics"
	"meshmux/core/internal/platform/privacylog"
	"meshmux/core/internal/radio"
	"meshmux/core/internal/relay"
	"meshmux/core/internal/retention"
	"meshmux/core/internal/store"
	"meshmux/core/internal/waku"

	"github.com/tyler-smith/go-bip39"
)

// Identity bundles the local member's durable identity record and the
// cryptographic Member built from it, handed back to the caller once
// so the UI layer can show a freshly created mnemonic exactly once.
type Identity struct {
	Record            member.Identity
	Mnemonic          string // only set when a new seed was just created
	VerificationKeyHex string
}

// Core wires the packet plane, the group cryptographic plane, and the
// outbox reliability plane into one running node, the way daemonservice
// assembles aim-chat's domain services around a shared waku.Node.
type Core struct {
	cfg Config
	log *slog.Logger

	store       *store.Store
	member      *cgka.Member
	dedupIdx    *dedup.Index
	reassembler *meshcodec.Reassembler
	relay       *relay.Relay
	gossip      *gossip.Manager

	messages *outbox.MessageOutbox
	control  *outbox.ControlOutbox
	acks     *outbox.AckOutbox

	retentionGC *retention.GC
	dispatcher  *dispatcher.Dispatcher
	metrics     *metrics.State

	link     radio.Link
	wakuNode *waku.Node // nil when Link was supplied externally (e.g. a test Hub)

	bootstrap *bootstrapmanager.Manager
	refresher *bootstrapmanager.Refresher

	identity Identity
}

// New assembles a Core whose transport is a real (or mock-transport)
// waku.Node, matching the node's normal deployment shape.
func New(cfg Config, password string, log *slog.Logger) (*Core, error) {
	cfg = cfg.Normalize()
	node := waku.NewNode(cfg.Transport)
	core, err := newCore(cfg, password, log)
	if err != nil {
		return nil, err
	}
	core.wakuNode = node
	core.link = radio.NewWakuLink(node, core.identity.VerificationKeyHex)
	if err := core.wireDispatcherToLink(); err != nil {
		return nil, err
	}
	core.wireBootstrap(node)
	return core, nil
}

// wireBootstrap constructs the bootstrap manager and its periodic
// refresher against the owned waku.Node: whichever bootstrap set is
// accepted (signed manifest, cache, or the baked fallback) is applied
// to the node's own dialing config and seeded into the WakuLink's
// broadcast peer set, mirroring aim-chat's control-plane rollout path
// for relay/store-node changes.
func (c *Core) wireBootstrap(node *waku.Node) {
	baked := bootstrapmanager.BootstrapSet{
		Source:         bootstrapmanager.SourceBaked,
		BootstrapNodes: append([]string(nil), c.cfg.Bootstrap.BakedNodes...),
		MinPeers:       c.cfg.Bootstrap.BakedMinPeers,
		ReconnectPolicy: bootstrapmanager.ReconnectPolicy{
			BaseIntervalMS: int(c.cfg.Transport.ReconnectInterval / time.Millisecond),
			MaxIntervalMS:  int(c.cfg.Transport.ReconnectBackoffMax / time.Millisecond),
			JitterRatio:    c.cfg.Transport.ManifestBackoffJitterRatio,
		},
	}
	if len(baked.BootstrapNodes) == 0 {
		baked.BootstrapNodes = append([]string(nil), c.cfg.Transport.BootstrapNodes...)
	}
	if baked.MinPeers <= 0 {
		baked.MinPeers = c.cfg.Transport.MinPeers
	}

	c.bootstrap = bootstrapmanager.New(c.cfg.Bootstrap.ManifestPath, c.cfg.Bootstrap.TrustBundlePath, c.cfg.Bootstrap.CachePath, baked)
	c.refresher = bootstrapmanager.NewRefresher(c.bootstrap, &c.cfg.Transport, func(applied waku.Config) {
		node.ApplyBootstrapConfig(applied)
		if link, ok := c.link.(*radio.WakuLink); ok {
			for _, peer := range applied.BootstrapNodes {
				link.AddPeer(peer)
			}
		}
	})
}

// NewWithLink assembles a Core against a caller-supplied radio.Link,
// e.g. a radio.Hub-backed MockLink in tests or a multi-process
// demonstration harness.
func NewWithLink(cfg Config, password string, link radio.Link, log *slog.Logger) (*Core, error) {
	cfg = cfg.Normalize()
	core, err := newCore(cfg, password, log)
	if err != nil {
		return nil, err
	}
	core.link = link
	if err := core.wireDispatcherToLink(); err != nil {
		return nil, err
	}
	return core, nil
}

func newCore(cfg Config, password string, log *slog.Logger) (*Core, error) {
	if log == nil {
		log = slog.Default()
	}
	log = slog.New(privacylog.WrapHandler(log.Handler()))

	s := store.New()
	if cfg.Storage.SnapshotPath != "" && cfg.Storage.SnapshotSecret != "" {
		if err := s.LoadEncrypted(cfg.Storage.SnapshotPath, cfg.Storage.SnapshotSecret); err != nil {
			log.Warn("composition: starting with an empty store", "error", err)
		}
	}

	identity, keys, err := loadOrCreateIdentity(cfg.Identity, password)
	if err != nil {
		return nil, fmt.Errorf("composition: identity bootstrap: %w", err)
	}
	m, err := cgka.NewMember(identity.Record.ID, cfg.Identity.Pseudonym, keys)
	if err != nil {
		return nil, fmt.Errorf("composition: build member: %w", err)
	}
	identity.VerificationKeyHex = verificationKeyHex(m.Credential().VerificationKey)

	dedupIdx := dedup.New(cfg.Bloom.Capacity, cfg.Bloom.FalsePositveRate, cfg.Bloom.TTL, cfg.Bloom.SnapshotPath)
	reassembler := meshcodec.NewReassembler(meshcodec.DefaultFragmentTTL, time.Now)
	retentionGC := retention.New(s, dedupIdx, cfg.Retention.MessageMaxAge, cfg.Retention.PendingMaxAge, time.Now)

	core := &Core{
		cfg:         cfg,
		log:         log,
		store:       s,
		member:      m,
		dedupIdx:    dedupIdx,
		reassembler: reassembler,
		retentionGC: retentionGC,
		identity:    identity,
		metrics:     metrics.New(),
	}
	return core, nil
}

// wireDispatcherToLink finishes construction once a radio.Link is
// available: the relay, the three outboxes, the gossip manager, and
// the dispatcher they all feed through all depend on it.
func (c *Core) wireDispatcherToLink() error {
	c.relay = relay.New(c.store, c.link, c.cfg.BLE.RelayQueueCapacity, c.cfg.BLE.RelayPacing, time.Now).WithMetrics(c.metrics)

	gossipCfg := gossip.Config{
		SeenCapacity:         c.cfg.Gossip.SeenCapacity,
		FragmentCapacity:     c.cfg.Gossip.FragmentCapacity,
		MaintenanceInterval:  c.cfg.Gossip.MaintenanceInterval,
		MessageSyncInterval:  c.cfg.Gossip.MessageSyncInterval,
		FragmentSyncInterval: c.cfg.Gossip.FragmentSyncInterval,
		StalePeerTimeout:     c.cfg.Gossip.StalePeerTimeout,
		MaxMessageAge:        c.cfg.Gossip.MaxMessageAge,
	}
	c.gossip = gossip.New(gossipCfg, c.link, time.Now).WithMetrics(c.metrics)

	outboxCfg := outbox.Config{
		OutgoingMessageRetryInterval: c.cfg.BLE.OutgoingMessageRetryInterval,
		OutgoingMessageMaxAttempts:   c.cfg.BLE.OutgoingMessageMaxAttempts,
		AmigoMessageRetryInterval:    c.cfg.BLE.AmigoMessageRetryInterval,
		AmigoMessageMaxAttempts:      c.cfg.BLE.AmigoMessageMaxAttempts,
		DeliveryAckRetryInterval:     c.cfg.BLE.DeliveryAckRetryInterval,
		DeliveryAckMaxAge:            c.cfg.BLE.DeliveryAckMaxAge,
		Pacing:                       c.cfg.BLE.OutboxPacing,
		MTULimitBytes:                c.cfg.BLE.MTULimitBytes,
		FragmentSizeBytes:            c.cfg.BLE.DefaultFragmentSizeBytes,
	}.Normalize()
	c.messages = outbox.NewMessageOutbox(c.store, c.member, c.link, outboxCfg, time.Now).WithMetrics(c.metrics)
	c.control = outbox.NewControlOutbox(c.store, c.link, outboxCfg, time.Now).WithMetrics(c.metrics)
	c.acks = outbox.NewAckOutbox(c.store, c.link, c.identity.VerificationKeyHex, outboxCfg, time.Now).WithMetrics(c.metrics)

	c.dispatcher = dispatcher.New(dispatcher.Deps{
		Store:       c.store,
		Dedup:       c.dedupIdx,
		Reassembler: c.reassembler,
		Relay:       c.relay,
		Member:      c.member,
		Gossip:      c.gossip,
		Messages:    c.messages,
		Control:     c.control,
		Acks:        c.acks,
		Metrics:     c.metrics,
		Now:         time.Now,
		Log:         c.log,
	})

	if c.wakuNode != nil {
		c.wakuNode.SetIdentity(c.identity.VerificationKeyHex)
		if link, ok := c.link.(*radio.WakuLink); ok {
			if err := link.Listen(c.dispatcher); err != nil {
				return fmt.Errorf("composition: subscribe to transport: %w", err)
			}
		}
	}
	return nil
}

// Identity returns the local member's identity record. Mnemonic is only
// populated the one time a fresh seed was just created.
func (c *Core) Identity() Identity { return c.identity }

// Dispatcher exposes the radio.Events implementation a caller-supplied
// transport (anything other than the Core-managed waku.Node) should
// deliver inbound activity to.
func (c *Core) Dispatcher() *dispatcher.Dispatcher { return c.dispatcher }

// Store exposes the local message/contact/group store for a UI layer
// to read from.
func (c *Core) Store() *store.Store { return c.store }

// Member exposes the local CGKA identity for group management
// operations (create group, invite, rotate key) a UI layer drives.
func (c *Core) Member() *cgka.Member { return c.member }

// Metrics returns a point-in-time snapshot of the running node's
// counters: dedup hit rate, relay queue throughput, outbox retry and
// exhaustion counts, gossip round trips, and errors by category.
func (c *Core) Metrics() metrics.Snapshot { return c.metrics.Snapshot() }

// Start brings up the transport (if Core owns one) and every periodic
// background loop: outbox retries, gossip maintenance, retention, and
// the dedup snapshot.
// It blocks until ctx is cancelled.
func (c *Core) Start(ctx context.Context) error {
	if c.wakuNode != nil {
		if err := c.wakuNode.Start(ctx); err != nil {
			return fmt.Errorf("composition: start transport: %w", err)
		}
	}
	if n, err := c.relay.FlushPending(); err != nil {
		c.log.Warn("composition: relay flush on startup failed", "error", err, "flushed", n)
	}

	go c.messages.Start(ctx)
	go c.control.Start(ctx)
	go c.acks.Start(ctx)
	go c.gossip.Start(ctx)
	go c.retentionGC.Start(ctx)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.dedupIdx.Save(); err != nil {
					c.log.Warn("composition: periodic dedup snapshot failed", "error", err)
				}
			}
		}
	}()
	if c.refresher != nil {
		go c.refresher.Run(ctx)
	}

	<-ctx.Done()
	return c.shutdown()
}

func (c *Core) shutdown() error {
	if c.wakuNode != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.wakuNode.Stop(stopCtx); err != nil {
			c.log.Warn("composition: transport stop failed", "error", err)
		}
	}
	if c.cfg.Storage.SnapshotPath != "" && c.cfg.Storage.SnapshotSecret != "" {
		if err := c.store.SaveEncrypted(c.cfg.Storage.SnapshotPath, c.cfg.Storage.SnapshotSecret); err != nil {
			c.log.Warn("composition: final store snapshot failed", "error", err)
			return err
		}
	}
	if err := c.dedupIdx.Save(); err != nil {
		c.log.Warn("composition: final dedup snapshot failed", "error", err)
	}
	return nil
}

// loadOrCreateIdentity loads the seed envelope at cfg.SeedEnvelopePath
// if one exists, otherwise creates a fresh identity and persists its
// envelope there. The returned Identity's Mnemonic field is only
// populated on creation — callers must show it to the user exactly
// once and never persist it themselves.
func loadOrCreateIdentity(cfg IdentityConfig, password string) (Identity, *member.DerivedKeys, error) {
	mgr, err := member.NewManager()
	if err != nil {
		return Identity{}, nil, err
	}

	if cfg.SeedEnvelopePath != "" {
		if raw, err := os.ReadFile(cfg.SeedEnvelopePath); err == nil {
			var env member.EncryptedSeedEnvelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return Identity{}, nil, fmt.Errorf("parse seed envelope: %w", err)
			}
			record, keys, err := mgr.Unlock(&env, password)
			if err != nil {
				return Identity{}, nil, err
			}
			return Identity{Record: record}, keys, nil
		}
	}

	record, mnemonic, err := mgr.CreateIdentity(password)
	if err != nil {
		return Identity{}, nil, err
	}
	keys, err := member.DeriveKeys(bip39.NewSeed(mnemonic, ""))
	if err != nil {
		return Identity{}, nil, err
	}
	if cfg.SeedEnvelopePath != "" {
		if err := persistEnvelope(cfg.SeedEnvelopePath, mgr.Envelope()); err != nil {
			return Identity{}, nil, err
		}
	}
	return Identity{Record: record, Mnemonic: mnemonic}, keys, nil
}

func persistEnvelope(path string, env *member.EncryptedSeedEnvelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func verificationKeyHex(verificationKey []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(verificationKey)*2)
	for i, b := range verificationKey {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}
