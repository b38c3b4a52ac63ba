package sdid

import "sync"

// Registry caches manufacturer names keyed by the CID manufacturer ID.
// SD and MMC draw from separate ID spaces, so the two are kept apart.
type Registry struct {
	sd  map[uint8]string
	mmc map[uint8]string
	mu  sync.RWMutex
}

// New creates a registry seeded with the well-known manufacturer IDs.
func New() *Registry {
	r := &Registry{
		sd:  make(map[uint8]string, len(defaultSD)),
		mmc: make(map[uint8]string, len(defaultMMC)),
	}
	for id, name := range defaultSD {
		r.sd[id] = name
	}
	for id, name := range defaultMMC {
		r.mmc[id] = name
	}
	return r
}

// RegisterSD adds or overrides an SD manufacturer ID mapping.
func (r *Registry) RegisterSD(id uint8, name string) {
	r.mu.Lock()
	r.sd[id] = name
	r.mu.Unlock()
}

// RegisterMMC adds or overrides an MMC manufacturer ID mapping.
func (r *Registry) RegisterMMC(id uint8, name string) {
	r.mu.Lock()
	r.mmc[id] = name
	r.mu.Unlock()
}

// LookupSD returns the manufacturer name for an SD card's CID
// manufacturer ID.
func (r *Registry) LookupSD(id uint8) (string, bool) {
	r.mu.RLock()
	name, ok := r.sd[id]
	r.mu.RUnlock()
	return name, ok
}

// LookupMMC returns the manufacturer name for an MMC card's CID
// manufacturer ID.
func (r *Registry) LookupMMC(id uint8) (string, bool) {
	r.mu.RLock()
	name, ok := r.mmc[id]
	r.mu.RUnlock()
	return name, ok
}

// Lookup queries the SD or MMC ID space as selected by mmc.
func (r *Registry) Lookup(id uint8, mmc bool) (string, bool) {
	if mmc {
		return r.LookupMMC(id)
	}
	return r.LookupSD(id)
}

var defaultRegistry = New()

// Lookup queries the package default registry.
func Lookup(id uint8, mmc bool) (string, bool) {
	return defaultRegistry.Lookup(id, mmc)
}

// Manufacturer IDs assigned by the SD Association. The assignments are
// not published centrally; this set is collected from cards in the wild.
var defaultSD = map[uint8]string{
	0x01: "Panasonic",
	0x02: "Toshiba",
	0x03: "SanDisk",
	0x09: "ATP",
	0x13: "KingMax",
	0x1B: "Samsung",
	0x1D: "ADATA",
	0x27: "Phison",
	0x28: "Lexar",
	0x31: "Silicon Power",
	0x41: "Kingston",
	0x74: "Transcend",
	0x82: "Sony",
}

// Manufacturer IDs from the JEDEC MMC/eMMC space.
var defaultMMC = map[uint8]string{
	0x11: "Toshiba",
	0x13: "Micron",
	0x15: "Samsung",
	0x45: "SanDisk",
	0x70: "Kingston",
	0x90: "SK Hynix",
	0xFE: "Micron",
}
