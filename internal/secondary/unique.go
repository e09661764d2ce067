package secondary

import "github.com/galdrdb/galdrdb/internal/common"

// InsertUnique inserts (key, loc) after checking the unique-index
// constraint: a null-component key is always distinct from every other
// entry (per §4.5), but a non-null key already bound to a locator that
// live reports true is rejected with a *common.UniqueConstraintViolation.
func (t *Tree) InsertUnique(indexName string, key []byte, loc common.Location, live LiveChecker) error {
	if !t.unique || IsNullComponent(key) {
		return t.Insert(key, loc)
	}

	existing, err := t.Locators(key)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if live == nil || live(e) {
			return &common.UniqueConstraintViolation{Index: indexName, Key: key}
		}
	}
	return t.Insert(key, loc)
}
