package memory

import (
	"fmt"
	"strings"
)

// sanitiseName maps a canonical collection name onto the character set the
// vector engine accepts ([a-zA-Z0-9._-], alphanumeric first rune). The
// mapping is injective: bytes outside [a-zA-Z0-9.-] are hex-escaped as _XX,
// '_' itself included, so distinct canonical names can never collide. The
// constant "c" prefix keeps the first rune alphanumeric. The reverse lookup
// lives in the store's name map and in each collection's canonical_name
// metadata.
func sanitiseName(canonical string) string {
	var b strings.Builder
	b.Grow(len(canonical) + 1)
	b.WriteByte('c')
	for i := 0; i < len(canonical); i++ {
		ch := canonical[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			b.WriteByte(ch)
		case ch == '.' || ch == '-':
			b.WriteByte(ch)
		default:
			fmt.Fprintf(&b, "_%02X", ch)
		}
	}
	return b.String()
}
