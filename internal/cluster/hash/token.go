// Package hash maps keys onto placement tokens.
package hash

import (
	"bytes"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// MaxWidth bounds the token space at 2^16 shards.
const MaxWidth = 16

// TokenCount returns the number of tokens for a table of the given width.
func TokenCount(width uint) int {
	return 1 << width
}

// KeyToken returns the token owning key in a 2^width token space. When the
// key contains a non-empty {hashtag}, only the tag is hashed so related keys
// share a token.
func KeyToken(key string, width uint) uint32 {
	return uint32(xxhash.Sum64String(hashTag(key)) & uint64(TokenCount(width)-1))
}

// KeyTokenBytes is KeyToken for a key read off the wire.
func KeyTokenBytes(key []byte, width uint) uint32 {
	return uint32(xxhash.Sum64(hashTagBytes(key)) & uint64(TokenCount(width)-1))
}

func hashTagBytes(key []byte) []byte {
	start := bytes.IndexByte(key, '{')
	if start < 0 {
		return key
	}
	end := bytes.IndexByte(key[start+1:], '}')
	if end <= 0 {
		return key
	}
	return key[start+1 : start+1+end]
}

func hashTag(key string) string {
	start := strings.IndexByte(key, '{')
	if start < 0 {
		return key
	}
	end := strings.IndexByte(key[start+1:], '}')
	if end <= 0 {
		return key
	}
	return key[start+1 : start+1+end]
}
