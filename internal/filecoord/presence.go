package filecoord

import (
	"fmt"
	"time"

	"github.com/go-redis/redis"
)

// Presence is SPEC_FULL.md §2's cross-daemon presenter registry: when
// multiple FileCoordination daemons share a path namespace (e.g. a
// networked filesystem mounted by several hosts), each daemon announces
// which paths it has local presenters for, so a daemon that is asked to
// coordinate a path it doesn't own locally knows which peer to forward
// presenter traffic to. This is the Go-native analogue of the original
// NSFileCoordinator's NSUbiquitousKeyValueStore-backed distributed
// presence; nsxpcd does not implement the forwarding RPC itself (out of
// scope per spec.md §1's "assumed external services"), only the registry.
type Presence struct {
	client   *redis.Client
	daemonID string
	ttl      time.Duration
}

// NewPresence connects to a Redis instance used purely as a shared
// key-value directory; it is never on the critical path of granting local
// access (local admission, per spec.md §4.7, is always decided by this
// process's own Arbiter).
func NewPresence(address, daemonID string, ttl time.Duration) *Presence {
	return &Presence{
		client:   redis.NewClient(&redis.Options{Addr: address}),
		daemonID: daemonID,
		ttl:      ttl,
	}
}

func presenceKey(path string) string { return "fc:presence:" + clean(path) }

// Announce records that this daemon has a locally registered presenter
// for path, refreshing the TTL on every call so departed daemons age out.
func (p *Presence) Announce(path string) error {
	key := presenceKey(path)
	if err := p.client.HSet(key, p.daemonID, time.Now().UTC().Format(time.RFC3339)).Err(); err != nil {
		return fmt.Errorf("presence: announce %s: %w", path, err)
	}
	return p.client.Expire(key, p.ttl).Err()
}

// Withdraw removes this daemon's announcement for path, typically on
// presenter deregistration or clean shutdown.
func (p *Presence) Withdraw(path string) error {
	return p.client.HDel(presenceKey(path), p.daemonID).Err()
}

// Peers returns the set of daemon IDs (excluding this one) that have
// announced a presenter for path.
func (p *Presence) Peers(path string) ([]string, error) {
	all, err := p.client.HGetAll(presenceKey(path)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: peers %s: %w", path, err)
	}
	peers := make([]string, 0, len(all))
	for daemonID := range all {
		if daemonID != p.daemonID {
			peers = append(peers, daemonID)
		}
	}
	return peers, nil
}

// Close releases the underlying Redis connection.
func (p *Presence) Close() error { return p.client.Close() }
