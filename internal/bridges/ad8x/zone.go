package ad8x

import (
	"sync"
	"time"
)

// ZoneState is the last-known state of one zone.
// Known is false until the first poll or confirmation for the zone.
type ZoneState struct {
	Known  bool
	Power  bool
	Mute   bool
	Source int
	Volume int
	Bass   int
	Treble int

	// LastPublishedVolume is the volume last sent to the event sink, -1 if none.
	LastPublishedVolume int

	// EchoSuppressUntil hides polled volume changes after an optimistic publish.
	EchoSuppressUntil time.Time
}

// ZoneSnapshot is the externally visible state of a zone.
type ZoneSnapshot struct {
	Zone   int    `json:"zone"`
	Name   string `json:"name,omitempty"`
	Known  bool   `json:"known"`
	Power  bool   `json:"power"`
	Mute   bool   `json:"mute"`
	Source int    `json:"source"`
	Volume int    `json:"volume"`
	Bass   int    `json:"bass"`
	Treble int    `json:"treble"`
}

// zoneCache holds the eight zone records of one amplifier.
// It has its own lock so status reads never wait on a wire transaction.
type zoneCache struct {
	mu    sync.RWMutex
	zones [NumZones]ZoneState
}

func newZoneCache() *zoneCache {
	c := &zoneCache{}
	for i := range c.zones {
		c.zones[i].LastPublishedVolume = -1
	}
	return c
}

// get returns a copy of a zone record. zone must be valid.
func (c *zoneCache) get(zone int) ZoneState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.zones[zone-1]
}

// isOn reports whether the zone is cached as powered on.
func (c *zoneCache) isOn(zone int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.zones[zone-1].Power
}

// update applies fn to a zone record under the write lock.
func (c *zoneCache) update(zone int, fn func(z *ZoneState)) ZoneState {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.zones[zone-1])
	return c.zones[zone-1]
}

// apply stores confirmed status and tone values.
func (c *zoneCache) apply(st StatusReport, tone ToneReport) ZoneState {
	return c.update(st.Zone, func(z *ZoneState) {
		z.Known = true
		z.Power = st.Power
		z.Mute = st.Mute
		z.Source = st.Source
		z.Volume = st.Volume
		z.Bass = tone.Bass
		z.Treble = tone.Treble
	})
}

// shouldPublishVolume decides whether vol goes to the event sink.
// Outside the echo-suppression window a changed value is published and
// recorded as the last published volume.
func (c *zoneCache) shouldPublishVolume(zone, vol int, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	z := &c.zones[zone-1]
	if now.Before(z.EchoSuppressUntil) {
		return false
	}
	if z.LastPublishedVolume == vol {
		return false
	}
	z.LastPublishedVolume = vol
	return true
}

// markOptimisticVolume records an optimistically published volume and opens
// the echo-suppression window. Returns true if the value differs from the
// last published one.
func (c *zoneCache) markOptimisticVolume(zone, vol int, until time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	z := &c.zones[zone-1]
	changed := z.LastPublishedVolume != vol
	z.LastPublishedVolume = vol
	z.EchoSuppressUntil = until
	return changed
}

// snapshot returns the public view of a zone.
func (c *zoneCache) snapshot(zone int, name string) ZoneSnapshot {
	return snapshotOf(zone, name, c.get(zone))
}

func snapshotOf(zone int, name string, z ZoneState) ZoneSnapshot {
	return ZoneSnapshot{
		Zone:   zone,
		Name:   name,
		Known:  z.Known,
		Power:  z.Power,
		Mute:   z.Mute,
		Source: z.Source,
		Volume: z.Volume,
		Bass:   z.Bass,
		Treble: z.Treble,
	}
}
