// Package sdid maps the manufacturer ID from a card's CID register to a
// human-readable manufacturer name.
//
// SD manufacturer IDs are assigned by the SD Association and MMC/eMMC
// IDs by JEDEC; the two spaces overlap, so lookups select one or the
// other. Neither body publishes a complete registry, so the seeded set
// covers the manufacturers commonly seen in the wild and callers can
// register additional mappings.
//
// # Usage
//
// Look up through the package default registry:
//
//	name, ok := sdid.Lookup(id.ManufacturerID, version.IsMMC())
//
// Or build a registry with site-specific additions:
//
//	reg := sdid.New()
//	reg.RegisterSD(0x6F, "Longsys")
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package sdid
