package rawimage

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/stratafs/strata-server/pkg/object"
)

const (
	PluginName = "rawimage"
	version    = "1.0.0"

	sectorSize     = 512
	partTableOff   = 446
	partEntrySize  = 16
	partEntryCount = 4
	bootSigOff     = 510
)

// RawImage opens raw (dd) disk images. Partitions from the MBR table
// are exposed as segments "p0".."p3"; each opens as a zero-copy window
// into the parent image, leaving the contained filesystem or archive
// to the next plugin in the chain.
type RawImage struct{}

// New creates the raw disk image plugin.
func New() *RawImage {
	return &RawImage{}
}

type partition struct {
	index    int
	ptype    byte
	start    int64 // bytes
	size     int64 // bytes
	bootable bool
}

func (p *RawImage) Name() string {
	return PluginName
}

func (p *RawImage) Version() string {
	return version
}

func (p *RawImage) CanHandle(sig object.Signature) bool {
	// A valid image must at least hold one full sector.
	return sig.Size < 0 || sig.Size >= sectorSize
}

func (p *RawImage) Open(ctx context.Context, parent *object.Object, segment string) (*object.Object, error) {
	parts, err := p.partitions(parent)
	if err != nil {
		return nil, err
	}

	idx, err := partitionIndex(segment)
	if err != nil {
		return nil, object.NotFoundError(parent.Path, segment)
	}
	for _, part := range parts {
		if part.index != idx {
			continue
		}

		head := make([]byte, sectorSize)
		n, err := parent.ReaderAt.ReadAt(head, part.start)
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to read partition %s: %w", segment, err)
		}

		sig := object.NewSignature(segment, part.size, head[:n])
		return &object.Object{
			Sig:      sig,
			ReaderAt: io.NewSectionReader(parent.ReaderAt, part.start, part.size),
			Size:     part.size,
		}, nil
	}
	return nil, object.NotFoundError(parent.Path, segment)
}

func (p *RawImage) List(ctx context.Context, parent *object.Object) (*object.Listing, error) {
	parts, err := p.partitions(parent)
	if err != nil {
		return nil, err
	}

	listing := &object.Listing{Plugin: PluginName}
	for _, part := range parts {
		listing.Entries = append(listing.Entries, object.ListEntry{
			Name:     fmt.Sprintf("p%d", part.index),
			Size:     part.size,
			MimeType: fmt.Sprintf("application/x-partition; type=0x%02x", part.ptype),
		})
	}
	return listing, nil
}

// partitions parses the MBR partition table from sector 0.
func (p *RawImage) partitions(parent *object.Object) ([]partition, error) {
	sector := make([]byte, sectorSize)
	if _, err := parent.ReaderAt.ReadAt(sector, 0); err != nil {
		return nil, object.ExtractionError(PluginName, parent.Path,
			fmt.Errorf("image shorter than one sector: %v", err))
	}
	if sector[bootSigOff] != 0x55 || sector[bootSigOff+1] != 0xAA {
		return nil, object.ExtractionError(PluginName, parent.Path,
			fmt.Errorf("missing MBR boot signature"))
	}

	var parts []partition
	for i := 0; i < partEntryCount; i++ {
		entry := sector[partTableOff+i*partEntrySize : partTableOff+(i+1)*partEntrySize]
		ptype := entry[4]
		if ptype == 0x00 {
			continue
		}
		lbaStart := binary.LittleEndian.Uint32(entry[8:12])
		numSectors := binary.LittleEndian.Uint32(entry[12:16])
		if numSectors == 0 {
			continue
		}

		start := int64(lbaStart) * sectorSize
		size := int64(numSectors) * sectorSize
		if parent.Size >= 0 && start+size > parent.Size {
			return nil, object.ExtractionError(PluginName, parent.Path,
				fmt.Errorf("partition %d extends past end of image", i))
		}

		parts = append(parts, partition{
			index:    i,
			ptype:    ptype,
			start:    start,
			size:     size,
			bootable: entry[0] == 0x80,
		})
	}
	return parts, nil
}

func partitionIndex(segment string) (int, error) {
	if !strings.HasPrefix(segment, "p") {
		return 0, fmt.Errorf("not a partition name: %s", segment)
	}
	return strconv.Atoi(segment[1:])
}
