package tools

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// DataCache keeps the structured data of recent tool results so the
// model can reference ids and lists in follow-up calls. One exists per
// session.
type DataCache struct {
	mu      sync.Mutex
	max     int
	entries []dataEntry
}

type dataEntry struct {
	Tool string    `json:"tool"`
	Data any       `json:"data"`
	At   time.Time `json:"at"`
}

// NewDataCache returns a cache of the last max results.
func NewDataCache(max int) *DataCache {
	return &DataCache{max: max}
}

// Add records a result's data. Nil data and a zero bound are ignored.
func (c *DataCache) Add(tool string, data any) {
	if data == nil || c.max <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, dataEntry{Tool: tool, Data: data, At: time.Now()})
	if over := len(c.entries) - c.max; over > 0 {
		c.entries = append(c.entries[:0:0], c.entries[over:]...)
	}
}

// Len returns the number of cached entries.
func (c *DataCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every entry.
func (c *DataCache) Clear() {
	c.mu.Lock()
	c.entries = nil
	c.mu.Unlock()
}

// Context renders the cache as a context message, or "" when empty.
func (c *DataCache) Context() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return ""
	}
	parts := []string{"Recent tool response data for reference:"}
	for _, e := range c.entries {
		data, err := json.Marshal(e.Data)
		if err != nil {
			continue
		}
		parts = append(parts, "\n"+e.Tool+": "+string(data))
	}
	return strings.Join(parts, "\n")
}
