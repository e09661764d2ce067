package galdrdb

import (
	"encoding/binary"
	"fmt"

	"github.com/galdrdb/galdrdb/internal/common"
)

// headerMagic tags page 0 as a GaldrDb database file, per spec §3.
const headerMagic uint32 = 0x47414C44

const headerVersion uint32 = 1

// header fields: magic(4) version(4) page_size(4) total_page_count(4)
// bitmap_start(4) bitmap_page_count(4) fsm_start(4) fsm_page_count(4)
// collections_metadata_page(4) mmap_hint(4) last_commit_frame(8)
// wal_checksum(8), followed by a 16-byte encryption salt (zero when
// encryption is disabled) -- the page is already padded out to page_size
// so this costs no extra page.
const headerFieldsSize = 4*10 + 8 + 8 + 16

const encryptionSaltSize = 16

// header is the decoded contents of page 0.
type header struct {
	Version                 uint32
	PageSize                uint32
	TotalPageCount          uint32
	BitmapStart             common.PageID
	BitmapPageCount         uint32
	FsmStart                common.PageID
	FsmPageCount            uint32
	CollectionsMetadataPage common.PageID
	MmapHint                uint32
	LastCommitFrame         uint64
	WalChecksum             uint64
	EncryptionSalt          [encryptionSaltSize]byte
}

func (h *header) encode(pageSize int) []byte {
	buf := make([]byte, pageSize)
	binary.BigEndian.PutUint32(buf[0:4], headerMagic)
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	binary.BigEndian.PutUint32(buf[8:12], h.PageSize)
	binary.BigEndian.PutUint32(buf[12:16], h.TotalPageCount)
	binary.BigEndian.PutUint32(buf[16:20], uint32(h.BitmapStart))
	binary.BigEndian.PutUint32(buf[20:24], h.BitmapPageCount)
	binary.BigEndian.PutUint32(buf[24:28], uint32(h.FsmStart))
	binary.BigEndian.PutUint32(buf[28:32], h.FsmPageCount)
	binary.BigEndian.PutUint32(buf[32:36], uint32(h.CollectionsMetadataPage))
	binary.BigEndian.PutUint32(buf[36:40], h.MmapHint)
	binary.BigEndian.PutUint64(buf[40:48], h.LastCommitFrame)
	binary.BigEndian.PutUint64(buf[48:56], h.WalChecksum)
	copy(buf[56:56+encryptionSaltSize], h.EncryptionSalt[:])
	return buf
}

func decodeHeader(buf []byte) (*header, error) {
	if len(buf) < headerFieldsSize {
		return nil, &common.StorageCorrupt{PageID: 0, Reason: "header page truncated"}
	}
	if binary.BigEndian.Uint32(buf[0:4]) != headerMagic {
		return nil, fmt.Errorf("%w: bad header magic", common.ErrInvalidDatabase)
	}
	h := &header{
		Version:                 binary.BigEndian.Uint32(buf[4:8]),
		PageSize:                binary.BigEndian.Uint32(buf[8:12]),
		TotalPageCount:          binary.BigEndian.Uint32(buf[12:16]),
		BitmapStart:             common.PageID(binary.BigEndian.Uint32(buf[16:20])),
		BitmapPageCount:         binary.BigEndian.Uint32(buf[20:24]),
		FsmStart:                common.PageID(binary.BigEndian.Uint32(buf[24:28])),
		FsmPageCount:            binary.BigEndian.Uint32(buf[28:32]),
		CollectionsMetadataPage: common.PageID(binary.BigEndian.Uint32(buf[32:36])),
		MmapHint:                binary.BigEndian.Uint32(buf[36:40]),
		LastCommitFrame:         binary.BigEndian.Uint64(buf[40:48]),
		WalChecksum:             binary.BigEndian.Uint64(buf[48:56]),
	}
	copy(h.EncryptionSalt[:], buf[56:56+encryptionSaltSize])
	if h.Version != headerVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", common.ErrInvalidDatabase, h.Version)
	}
	return h, nil
}
