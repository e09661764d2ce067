package galdrdb

import (
	"encoding/binary"

	"github.com/galdrdb/galdrdb/internal/alloc"
	"github.com/galdrdb/galdrdb/internal/common"
	"github.com/galdrdb/galdrdb/internal/pager"
)

// Bitmap bytes, FSM bytes, and collections metadata can all outgrow a
// single page between checkpoints, and none of them has a pre-reserved
// fixed region in the file layout. Each is instead stored as a singly
// linked chain of chunk pages: the first 4 bytes of every chunk page are
// the big-endian page id of the next chunk (0 if this is the last one),
// and the remainder holds up to pageSize-4 bytes of payload. The payload
// itself is prefixed with its own 4-byte big-endian length before being
// split across the chain so the reader knows where real data ends and
// zero padding on the final page begins.

const chunkHeaderSize = 4

// writeChunkedBlob allocates a fresh chain of pages holding data and
// returns the id of the first chunk. Callers free the previous chain (if
// any) themselves once the new chain's root is durably recorded.
func writeChunkedBlob(p *pager.Pager, store *alloc.PageStore, data []byte) (common.PageID, error) {
	pageSize := p.PageSize()
	payloadCap := pageSize - chunkHeaderSize

	full := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(full[0:4], uint32(len(data)))
	copy(full[4:], data)

	var chunks [][]byte
	for off := 0; off < len(full); off += payloadCap {
		end := off + payloadCap
		if end > len(full) {
			end = len(full)
		}
		chunks = append(chunks, full[off:end])
	}
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}

	ids := make([]common.PageID, len(chunks))
	for i := range chunks {
		id, err := store.AllocatePage()
		if err != nil {
			return 0, err
		}
		ids[i] = id
	}

	for i, payload := range chunks {
		buf := make([]byte, pageSize)
		var next common.PageID
		if i+1 < len(ids) {
			next = ids[i+1]
		}
		binary.BigEndian.PutUint32(buf[0:4], uint32(next))
		copy(buf[chunkHeaderSize:], payload)
		if err := p.Write(ids[i], buf); err != nil {
			return 0, err
		}
	}

	return ids[0], nil
}

// readChunkedBlob follows the chunk chain starting at root and returns
// the concatenated payload.
func readChunkedBlob(p *pager.Pager, root common.PageID) ([]byte, error) {
	pageSize := p.PageSize()

	buf, err := p.Read(root)
	if err != nil {
		return nil, err
	}
	next := common.PageID(binary.BigEndian.Uint32(buf[0:4]))
	var chain [][]byte
	chain = append(chain, buf[chunkHeaderSize:])

	for next != 0 {
		buf, err = p.Read(next)
		if err != nil {
			return nil, err
		}
		nn := common.PageID(binary.BigEndian.Uint32(buf[0:4]))
		chain = append(chain, buf[chunkHeaderSize:])
		next = nn
	}

	joined := make([]byte, 0, len(chain)*(pageSize-chunkHeaderSize))
	for _, c := range chain {
		joined = append(joined, c...)
	}
	if len(joined) < 4 {
		return nil, &common.StorageCorrupt{PageID: root, Reason: "chunked blob truncated before length prefix"}
	}
	length := binary.BigEndian.Uint32(joined[0:4])
	if int(4+length) > len(joined) {
		return nil, &common.StorageCorrupt{PageID: root, Reason: "chunked blob shorter than its length prefix"}
	}
	return joined[4 : 4+length], nil
}

// freeChunkedBlob walks root's chain and frees every page in it.
func freeChunkedBlob(p *pager.Pager, store *alloc.PageStore, root common.PageID) error {
	id := root
	for id != 0 {
		buf, err := p.Read(id)
		if err != nil {
			return err
		}
		next := common.PageID(binary.BigEndian.Uint32(buf[0:4]))
		if err := store.FreePage(id); err != nil {
			return err
		}
		id = next
	}
	return nil
}
