package sd

import (
	"encoding/binary"

	"github.com/ardnew/softsd/pkg"
	"github.com/ardnew/softsd/sd/hal"
)

// mediaParameters is the geometry and speed information decoded from the
// card specific data register.
type mediaParameters struct {
	version          Version // Valid for MMC only; SD version comes from SCR
	clockSpeed       hal.ClockSpeed
	readBlockLength  uint32
	writeBlockLength uint32
	blockCount       uint64
	eraseGroupSize   uint32
	highCapacity     bool
}

// parseCSD decodes a raw 136-bit CSD response. Words are ordered most
// significant first. The high-capacity layout is selected by the OCR
// capacity bit negotiated earlier, not by the CSD structure field, to
// match the addressing mode the card is actually using.
func parseCSD(csd [4]uint32, mmc, highCapacity bool) (mediaParameters, error) {
	var p mediaParameters
	p.highCapacity = highCapacity

	if mmc {
		index := csd[0] >> csd0MMCVersionShift & csd0MMCVersionMask
		if int(index) >= len(mmcCSDVersions) {
			index = uint32(len(mmcCSDVersions) - 1)
		}
		p.version = mmcCSDVersions[index]
	}

	frequency := uint64(frequencyBase)
	for exponent := csd[0] & csd0FrequencyBaseMask; exponent > 0; exponent-- {
		frequency *= 10
	}
	multiplier := csd[0] >> csd0FrequencyMultiplierShift & csd0FrequencyMultiplierMask
	p.clockSpeed = hal.ClockSpeed(frequency * uint64(frequencyMultipliers[multiplier]))
	if p.clockSpeed == 0 {
		return p, pkg.ErrDeviceIO
	}

	p.readBlockLength = 1 << (csd[1] >> csd1ReadBlockLengthShift & csd1ReadBlockLengthMask)
	p.writeBlockLength = 1 << (csd[1] >> csd1WriteBlockLengthShift & csd1WriteBlockLengthMask)

	var base, shift uint64
	if highCapacity {
		base = uint64(csd[1]&csd1HighCapacityMask)<<csd1HighCapacityShift |
			uint64(csd[2]&csd2HighCapacityMask)>>csd2HighCapacityShift
		shift = csdHighCapacityMultiplier
	} else {
		base = uint64(csd[1]&csd1CapacityMask)<<csd1CapacityShift |
			uint64(csd[2]&csd2CapacityMask)>>csd2CapacityShift
		shift = uint64(csd[2] & csd2CapacityMultiplierMask >> csd2CapacityMultiplierShift)
	}
	capacity := (base + 1) << (shift + 2) * uint64(p.readBlockLength)

	if mmc {
		groupSize := csd[2]>>csd2EraseGroupSizeShift&
			(csd2EraseGroupSizeMask>>csd2EraseGroupSizeShift) + 1
		groupMultiplier := csd[2]>>csd2EraseGroupMultiplierShift&
			(csd2EraseGroupMultiplierMask>>csd2EraseGroupMultiplierShift) + 1
		p.eraseGroupSize = groupSize * groupMultiplier
	}

	// Larger block lengths exist on paper but every card accepts 512, and
	// the transfer framing assumes it.
	if p.readBlockLength > hal.BlockSize {
		p.readBlockLength = hal.BlockSize
	}
	if p.writeBlockLength > hal.BlockSize {
		p.writeBlockLength = hal.BlockSize
	}
	if p.readBlockLength == 0 || p.readBlockLength != p.writeBlockLength {
		pkg.LogWarn(pkg.ComponentInit, "unsupported block lengths",
			"read", p.readBlockLength,
			"write", p.writeBlockLength)
		return p, pkg.ErrNotSupported
	}
	p.blockCount = capacity / uint64(p.readBlockLength)
	return p, nil
}

// CardID is the decoded card identification register.
type CardID struct {
	ManufacturerID uint8
	OEMID          [2]byte
	ProductName    string
	Revision       uint8
	SerialNumber   uint32
	// Manufacture date
	Year  int
	Month int
}

// decodeCardID unpacks a raw 136-bit CID response. SD and MMC pack the
// fields differently; words are ordered most significant first.
func decodeCardID(cid [4]uint32, mmc bool) CardID {
	id := CardID{ManufacturerID: uint8(cid[0] >> 24)}
	if mmc {
		id.OEMID[1] = byte(cid[0] >> 8)
		name := [6]byte{
			byte(cid[0]), byte(cid[1] >> 24), byte(cid[1] >> 16),
			byte(cid[1] >> 8), byte(cid[1]), byte(cid[2] >> 24),
		}
		id.ProductName = trimmedName(name[:])
		id.Revision = uint8(cid[2] >> 16)
		id.SerialNumber = cid[2]<<16 | cid[3]>>16
		date := uint8(cid[3] >> 8)
		id.Year = 1997 + int(date&0xF)
		id.Month = int(date >> 4)
		return id
	}
	id.OEMID[0] = byte(cid[0] >> 16)
	id.OEMID[1] = byte(cid[0] >> 8)
	name := [5]byte{
		byte(cid[0]), byte(cid[1] >> 24), byte(cid[1] >> 16),
		byte(cid[1] >> 8), byte(cid[1]),
	}
	id.ProductName = trimmedName(name[:])
	id.Revision = uint8(cid[2] >> 24)
	id.SerialNumber = cid[2]<<8 | cid[3]>>24
	date := cid[3] >> 8 & 0xFFF
	id.Year = 2000 + int(date>>4&0xFF)
	id.Month = int(date & 0xF)
	return id
}

func trimmedName(raw []byte) string {
	end := len(raw)
	for end > 0 && (raw[end-1] == 0 || raw[end-1] == ' ') {
		end--
	}
	return string(raw[:end])
}

// extendedCSD is the subset of the MMC extended CSD the stack consumes.
type extendedCSD struct {
	version          Version
	sectorCount      uint64 // Bytes, despite the register name
	highSpeed52MHz   bool
	partitionSupport bool
	eraseGroupBlocks uint32 // High-capacity erase unit in blocks
	partitionUnit    uint64 // Bytes per partition size unit
	bootSize         uint64
	rpmbSize         uint64
	generalPartition [generalPartitionCount]uint64
}

// extCSDRevisionVersions maps the EXT_CSD revision byte to an MMC
// version. Revision 4 is reserved.
var extCSDRevisionVersions = map[uint8]Version{
	0: VersionMMC4,
	1: VersionMMC4p1,
	2: VersionMMC4p2,
	3: VersionMMC4p3,
	5: VersionMMC4p41,
	6: VersionMMC4p5,
}

// parseExtendedCSD decodes the 512-byte extended CSD blob. Multi-byte
// fields are little-endian.
func parseExtendedCSD(data []byte) (extendedCSD, error) {
	var e extendedCSD
	if len(data) < hal.BlockSize {
		return e, pkg.ErrBufferTooSmall
	}
	version, ok := extCSDRevisionVersions[data[extCSDRevision]]
	if !ok {
		return e, pkg.ErrNotSupported
	}
	e.version = version
	e.sectorCount = uint64(binary.LittleEndian.Uint32(data[extCSDSectorCount:])) *
		hal.BlockSize
	e.highSpeed52MHz = data[extCSDCardType]&extCSDCardTypeMask&
		extCSDCardTypeHighSpeed52 != 0
	e.partitionSupport = data[extCSDPartitioningSupport]&mmcPartitionSupport != 0
	e.eraseGroupBlocks = uint32(data[extCSDEraseGroupSize]) * 1024
	e.partitionUnit = uint64(data[extCSDEraseGroupSize]) *
		uint64(data[extCSDWriteProtectGroupSize]) * 512 * 1024
	e.bootSize = uint64(data[extCSDBootSize]) << extCSDPartitionShift
	e.rpmbSize = uint64(data[extCSDRPMBSize]) << extCSDPartitionShift
	for i := 0; i < generalPartitionCount; i++ {
		offset := extCSDGeneralPartitionSize + i*3
		size := uint64(data[offset]) |
			uint64(data[offset+1])<<8 |
			uint64(data[offset+2])<<16
		e.generalPartition[i] = size * e.partitionUnit
	}
	return e, nil
}
