package transfer

import (
	"encoding/binary"
	"fmt"
)

// FileInfo announces a file offered with MsgNewFile. On the wire the size and
// each block offset are split into high and low 32 bit halves, keeping the
// fixed fields aligned while allowing files beyond 4 GiB.
type FileInfo struct {
	Size      uint64
	BlockSize uint32
	Mode      uint32
	Name      string
}

// fileInfoOverhead is the fixed part of a MsgNewFile body.
const fileInfoOverhead = 16

// blockOverhead is the offset header of a MsgFileBlock body.
const blockOverhead = 8

// Marshal encodes the FileInfo for a MsgNewFile body.
func (fi *FileInfo) Marshal() []byte {
	body := make([]byte, fileInfoOverhead+len(fi.Name))
	binary.BigEndian.PutUint32(body[0:4], uint32(fi.Size>>32))
	binary.BigEndian.PutUint32(body[4:8], uint32(fi.Size))
	binary.BigEndian.PutUint32(body[8:12], fi.BlockSize)
	binary.BigEndian.PutUint32(body[12:16], fi.Mode)
	copy(body[fileInfoOverhead:], fi.Name)
	return body
}

// UnmarshalFileInfo parses a MsgNewFile body.
func UnmarshalFileInfo(body []byte) (*FileInfo, error) {
	if len(body) < fileInfoOverhead {
		return nil, fmt.Errorf("file info of %d bytes is too short", len(body))
	}

	return &FileInfo{
		Size: uint64(binary.BigEndian.Uint32(body[0:4]))<<32 |
			uint64(binary.BigEndian.Uint32(body[4:8])),
		BlockSize: binary.BigEndian.Uint32(body[8:12]),
		Mode:      binary.BigEndian.Uint32(body[12:16]),
		Name:      string(body[fileInfoOverhead:]),
	}, nil
}

// MarshalBlock encodes one MsgFileBlock body: the block's offset within the
// file followed by its data.
func MarshalBlock(offset uint64, data []byte) []byte {
	body := make([]byte, blockOverhead+len(data))
	binary.BigEndian.PutUint32(body[0:4], uint32(offset>>32))
	binary.BigEndian.PutUint32(body[4:8], uint32(offset))
	copy(body[blockOverhead:], data)
	return body
}

// UnmarshalBlock parses a MsgFileBlock body.
func UnmarshalBlock(body []byte) (offset uint64, data []byte, err error) {
	if len(body) < blockOverhead {
		return 0, nil, fmt.Errorf("file block of %d bytes is too short", len(body))
	}

	offset = uint64(binary.BigEndian.Uint32(body[0:4]))<<32 |
		uint64(binary.BigEndian.Uint32(body[4:8]))
	return offset, body[blockOverhead:], nil
}
