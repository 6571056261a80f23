// Package device connects to remote detectors over websocket feeds, decodes
// their messages into records and hands them to a Sink.
package device

import (
	"errors"
	"sort"
	"sync/atomic"

	"github.com/aevon-lab/trafficwatch/internal/config"
)

var (
	ErrUnknownType    = errors.New("unknown record type")
	ErrUnknownChannel = errors.New("unknown channel")
	ErrKindNotAllowed = errors.New("record kind not enabled for channel")
)

// Entry is a catalog row for one channel.
type Entry struct {
	DeviceID string
	Channel  config.Channel
	kinds    map[string]bool
}

// Allows reports whether the channel accepts records of kind.
func (e Entry) Allows(kind string) bool {
	return len(e.kinds) == 0 || e.kinds[kind]
}

type snapshot struct {
	channels map[string]Entry
	devices  int
}

// Catalog is the read-mostly channel lookup used by decoders. Readers never
// block; Swap replaces the whole snapshot atomically.
type Catalog struct {
	snap atomic.Pointer[snapshot]
}

// NewCatalog builds a catalog from devices.
func NewCatalog(devices []config.Device) *Catalog {
	c := &Catalog{}
	c.Swap(devices)
	return c
}

// Swap replaces the snapshot with one built from devices.
func (c *Catalog) Swap(devices []config.Device) {
	s := &snapshot{channels: make(map[string]Entry), devices: len(devices)}
	for _, d := range devices {
		for _, ch := range d.Channels {
			e := Entry{DeviceID: d.ID, Channel: ch}
			if len(ch.Kinds) > 0 {
				e.kinds = make(map[string]bool, len(ch.Kinds))
				for _, k := range ch.Kinds {
					e.kinds[k] = true
				}
			}
			s.channels[ch.ID] = e
		}
	}
	c.snap.Store(s)
}

// Lookup returns the entry for channelID.
func (c *Catalog) Lookup(channelID string) (Entry, bool) {
	e, ok := c.snap.Load().channels[channelID]
	return e, ok
}

// Channels returns the known channel ids, sorted.
func (c *Catalog) Channels() []string {
	s := c.snap.Load()
	out := make([]string, 0, len(s.channels))
	for id := range s.channels {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Devices returns the number of devices in the snapshot.
func (c *Catalog) Devices() int {
	return c.snap.Load().devices
}
