package galdrdb

import (
	"encoding/binary"

	"github.com/galdrdb/galdrdb/internal/common"
)

// indexMeta is one secondary index's persisted declaration plus its
// current root page.
type indexMeta struct {
	Name     string
	Unique   bool
	RootPage common.PageID
	Fields   []string
}

// collectionMeta is one collection's persisted bootstrap state: enough
// to reopen its primary tree, every secondary index tree, and resume
// id assignment without replaying every insert.
type collectionMeta struct {
	Name     string
	RootPage common.PageID
	DocCount uint32
	NextId   uint32
	Indexes  []indexMeta
}

// encodeCollections serializes the full collection set to the byte blob
// stored (via the chunked-page format) at the header's
// collections_metadata_page.
func encodeCollections(colls []collectionMeta) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(colls)))
	for _, c := range colls {
		buf = appendString(buf, c.Name)
		buf = appendUint32(buf, uint32(c.RootPage))
		buf = appendUint32(buf, c.DocCount)
		buf = appendUint32(buf, c.NextId)
		buf = appendUint32(buf, uint32(len(c.Indexes)))
		for _, idx := range c.Indexes {
			buf = appendString(buf, idx.Name)
			if idx.Unique {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
			buf = appendUint32(buf, uint32(idx.RootPage))
			buf = appendUint32(buf, uint32(len(idx.Fields)))
			for _, f := range idx.Fields {
				buf = appendString(buf, f)
			}
		}
	}
	return buf
}

func decodeCollections(data []byte) ([]collectionMeta, error) {
	r := &byteReader{data: data}
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	colls := make([]collectionMeta, 0, n)
	for i := uint32(0); i < n; i++ {
		var c collectionMeta
		if c.Name, err = r.string(); err != nil {
			return nil, err
		}
		rp, err := r.uint32()
		if err != nil {
			return nil, err
		}
		c.RootPage = common.PageID(rp)
		if c.DocCount, err = r.uint32(); err != nil {
			return nil, err
		}
		if c.NextId, err = r.uint32(); err != nil {
			return nil, err
		}
		idxCount, err := r.uint32()
		if err != nil {
			return nil, err
		}
		c.Indexes = make([]indexMeta, 0, idxCount)
		for j := uint32(0); j < idxCount; j++ {
			var idx indexMeta
			if idx.Name, err = r.string(); err != nil {
				return nil, err
			}
			u, err := r.byte()
			if err != nil {
				return nil, err
			}
			idx.Unique = u != 0
			irp, err := r.uint32()
			if err != nil {
				return nil, err
			}
			idx.RootPage = common.PageID(irp)
			fieldCount, err := r.uint32()
			if err != nil {
				return nil, err
			}
			idx.Fields = make([]string, 0, fieldCount)
			for k := uint32(0); k < fieldCount; k++ {
				f, err := r.string()
				if err != nil {
					return nil, err
				}
				idx.Fields = append(idx.Fields, f)
			}
			c.Indexes = append(c.Indexes, idx)
		}
		colls = append(colls, c)
	}
	return colls, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// byteReader is a minimal cursor over a decode buffer; every method
// returns an error on short input rather than panicking, since metadata
// corruption must surface as common.StorageCorrupt, not a crash.
type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) uint32() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, &common.StorageCorrupt{Reason: "collections metadata truncated"}
	}
	v := binary.BigEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *byteReader) byte() (byte, error) {
	if r.pos+1 > len(r.data) {
		return 0, &common.StorageCorrupt{Reason: "collections metadata truncated"}
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *byteReader) string() (string, error) {
	n, err := r.uint32()
	if err != nil {
		return "", err
	}
	if r.pos+int(n) > len(r.data) {
		return "", &common.StorageCorrupt{Reason: "collections metadata truncated"}
	}
	s := string(r.data[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}
