package automation

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jakopako/ami/internal/types"
)

// Cache is the local key/value store. The sqlite backed implementation
// lives in internal/store.
type Cache interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
}

// MemoryCache is a Cache kept in memory.
type MemoryCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{data: map[string][]byte{}}
}

func (c *MemoryCache) Get(key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *MemoryCache) Set(key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = append([]byte(nil), value...)
	return nil
}

// DefaultKey is the storage key of the highlight settings.
const DefaultKey = "ami-highlight"

// AutomationKey returns the storage key of the last automation snapshot.
func AutomationKey(key string) string {
	return key + "::automation"
}

// Settings are the visual highlight settings stored under the plain key.
type Settings struct {
	Enabled bool   `json:"enabled"`
	Overlay bool   `json:"overlay"`
	Class   string `json:"class,omitempty"`
}

// LoadSettings reads the settings stored under key. Missing settings are
// not an error.
func LoadSettings(c Cache, key string) (Settings, error) {
	s := Settings{Enabled: true, Overlay: true}
	b, ok, err := c.Get(key)
	if err != nil || !ok {
		return s, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("decode settings %q: %w", key, err)
	}
	return s, nil
}

// SaveSettings stores s under key.
func SaveSettings(c Cache, key string, s Settings) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.Set(key, b)
}

// cachedSnapshot is what is stored under the automation key. The context
// makes sure a snapshot is only reused for the document it belongs to.
type cachedSnapshot struct {
	Context  DocumentContext `json:"context"`
	Snapshot types.Snapshot  `json:"snapshot"`
}
