package vbmeta

import "fmt"

// ParseImage decodes a complete vbmeta image (header, authentication
// block, and descriptor block), returning the header and its descriptors
// in one call so callers don't have to re-derive the aux-block offset
// math ParseHeader's fields encode.
func ParseImage(data []byte) (*Header, []Descriptor, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, nil, err
	}
	auxStart := headerSize() + int64(h.AuthenticationDataBlockSize)
	descStart := auxStart + int64(h.DescriptorsOffset)
	descEnd := descStart + int64(h.DescriptorsSize)
	if descEnd > int64(len(data)) {
		return nil, nil, fmt.Errorf("vbmeta: descriptor block overruns image (end %d, len %d)", descEnd, len(data))
	}
	descriptors, err := ParseDescriptors(data[descStart:descEnd])
	if err != nil {
		return nil, nil, err
	}
	return h, descriptors, nil
}
