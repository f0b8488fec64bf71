package peerpool

import (
	"sort"
	"strings"

	"github.com/pion/webrtc/v4"
)

const defaultConfigCacheSize = 10

// configCache interns peer connection configurations keyed by a canonical
// serialization of their ICE servers and transport policy. Capacity-bounded
// with oldest-inserted eviction; entries are deep-copied at insert so later
// caller mutations cannot poison the cache.
type configCache struct {
	capacity int
	order    []string
	entries  map[string]webrtc.Configuration
}

func newConfigCache(capacity int) *configCache {
	return &configCache{
		capacity: capacity,
		entries:  make(map[string]webrtc.Configuration, capacity),
	}
}

// intern returns the cached copy for an equivalent configuration, inserting
// a deep copy on miss.
func (c *configCache) intern(cfg webrtc.Configuration) webrtc.Configuration {
	key := configKey(cfg)
	if cached, ok := c.entries[key]; ok {
		return copyConfig(cached)
	}

	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = copyConfig(cfg)
	c.order = append(c.order, key)
	return cfg
}

func (c *configCache) len() int { return len(c.entries) }

func (c *configCache) reset() {
	c.order = nil
	c.entries = make(map[string]webrtc.Configuration, c.capacity)
}

func configKey(cfg webrtc.Configuration) string {
	parts := make([]string, 0, len(cfg.ICEServers)+1)
	for _, s := range cfg.ICEServers {
		urls := append([]string(nil), s.URLs...)
		sort.Strings(urls)
		parts = append(parts, strings.Join(urls, ",")+"#"+s.Username)
	}
	sort.Strings(parts)
	parts = append(parts, "policy="+cfg.ICETransportPolicy.String())
	return strings.Join(parts, ";")
}

func copyConfig(cfg webrtc.Configuration) webrtc.Configuration {
	out := cfg
	out.ICEServers = make([]webrtc.ICEServer, len(cfg.ICEServers))
	for i, s := range cfg.ICEServers {
		cp := s
		cp.URLs = append([]string(nil), s.URLs...)
		out.ICEServers[i] = cp
	}
	return out
}
