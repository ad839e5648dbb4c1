// Copyright 2025 James Ross

// Package bundles implements the ANS-104 binary bundle framing: a 32-byte
// little-endian item count followed by a 32-byte size and 32-byte raw id per
// item, then the concatenated data-item byte streams.
package bundles

import (
	"encoding/base64"
	"fmt"
)

const (
	// EntrySize is the per-item header footprint: 32 bytes of size plus the
	// 32-byte raw id.
	EntrySize = 64
	countSize = 32
	rawIDSize = 32
)

// HeaderEntry describes one data item going into a bundle.
type HeaderEntry struct {
	Size  int64
	RawID [rawIDSize]byte
}

// ItemInfo is the parsed view of one header entry.
type ItemInfo struct {
	Size int64
	// ID is the URL-safe base64 encoding of the raw id; it equals the
	// data item's dataItemId.
	ID string
	// DataOffset is the absolute byte offset of the item's payload within
	// the bundle.
	DataOffset int64
}

// HeaderInfo is the parsed bundle header.
type HeaderInfo struct {
	NumDataItems int64
	DataItems    []ItemInfo
}

// HeaderSize returns the byte length of the header for n items.
func HeaderSize(n int) int64 {
	return countSize + int64(n)*EntrySize
}

// TotalBundleSize returns header plus payload bytes for the given entries.
func TotalBundleSize(entries []HeaderEntry) int64 {
	total := HeaderSize(len(entries))
	for _, e := range entries {
		total += e.Size
	}
	return total
}

// AssembleHeader serializes the bundle header for the given entries, in order.
func AssembleHeader(entries []HeaderEntry) []byte {
	buf := make([]byte, HeaderSize(len(entries)))
	putLittleEndian(buf[0:countSize], int64(len(entries)))
	off := countSize
	for _, e := range entries {
		putLittleEndian(buf[off:off+countSize], e.Size)
		copy(buf[off+countSize:off+EntrySize], e.RawID[:])
		off += EntrySize
	}
	return buf
}

// ParseHeader decodes a bundle header from buf. buf must contain at least the
// full header; trailing payload bytes are ignored.
func ParseHeader(buf []byte) (*HeaderInfo, error) {
	if len(buf) < countSize {
		return nil, fmt.Errorf("bundle header truncated: %d bytes", len(buf))
	}
	n, err := littleEndianInt64(buf[0:countSize])
	if err != nil {
		return nil, fmt.Errorf("bundle header item count: %w", err)
	}
	need := HeaderSize(int(n))
	if int64(len(buf)) < need {
		return nil, fmt.Errorf("bundle header truncated: have %d bytes, need %d for %d items", len(buf), need, n)
	}

	info := &HeaderInfo{NumDataItems: n, DataItems: make([]ItemInfo, 0, n)}
	dataOffset := need
	off := int64(countSize)
	for i := int64(0); i < n; i++ {
		size, err := littleEndianInt64(buf[off : off+countSize])
		if err != nil {
			return nil, fmt.Errorf("bundle header entry %d size: %w", i, err)
		}
		var raw [rawIDSize]byte
		copy(raw[:], buf[off+countSize:off+EntrySize])
		info.DataItems = append(info.DataItems, ItemInfo{
			Size:       size,
			ID:         base64.RawURLEncoding.EncodeToString(raw[:]),
			DataOffset: dataOffset,
		})
		dataOffset += size
		off += EntrySize
	}
	return info, nil
}

// IDSet returns the set of data-item ids named by the header.
func (h *HeaderInfo) IDSet() map[string]struct{} {
	set := make(map[string]struct{}, len(h.DataItems))
	for _, it := range h.DataItems {
		set[it.ID] = struct{}{}
	}
	return set
}

func putLittleEndian(dst []byte, v int64) {
	for i := range dst {
		dst[i] = byte(v)
		v >>= 8
		if v == 0 {
			// remaining bytes are already zero
			break
		}
	}
}

// littleEndianInt64 reads a 32-byte little-endian unsigned integer, rejecting
// values that do not fit in an int64.
func littleEndianInt64(src []byte) (int64, error) {
	var v uint64
	for i := len(src) - 1; i >= 0; i-- {
		b := src[i]
		if i >= 8 && b != 0 {
			return 0, fmt.Errorf("value exceeds 64 bits")
		}
		if i < 8 {
			v |= uint64(b) << (8 * uint(i))
		}
	}
	if v > (1<<63 - 1) {
		return 0, fmt.Errorf("value exceeds int64")
	}
	return int64(v), nil
}
