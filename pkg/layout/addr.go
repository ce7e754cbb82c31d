package layout

import (
	"encoding/hex"
	"fmt"
	"path"

	"golang.org/x/crypto/blake2b"
)

// ExtentAddress maps (object uuid, version, extent tag) to the on-medium
// path of one extent: a 256-bit keyed-less blake2b digest fanned out
// into two directory levels so no single directory grows unbounded. The
// mapping is deterministic, so a rebuild of the state index can always
// re-derive where an extent lives, and collision-resistant across
// objects, versions, and tags.
func ExtentAddress(uuid string, version int, tag string) string {
	sum := blake2b.Sum256([]byte(fmt.Sprintf("%s/%d/%s", uuid, version, tag)))
	hexsum := hex.EncodeToString(sum[:])
	return path.Join(hexsum[:2], hexsum[2:4], hexsum)
}

// ExtentTag names one extent inside a layout by split and copy index;
// it is the tag half of the ExtentAddress input.
func ExtentTag(split, copy int) string {
	return fmt.Sprintf("s%d-c%d", split, copy)
}
