package cache

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// KeySeparator defines the delimiter used between cache key segments.
const KeySeparator = "::"

// defaultKeySerializer keeps the namespace readable and replaces the
// arguments with an xxhash digest of their msgpack encoding, so keys stay
// short and prefix deletion by namespace keeps working.
type defaultKeySerializer struct{}

// NewDefaultKeySerializer creates a new instance of the default key serializer.
func NewDefaultKeySerializer() KeySerializer {
	return &defaultKeySerializer{}
}

// SerializeKey returns namespace when there are no args, otherwise
// namespace::<digest>. Map arguments are encoded with sorted keys.
func (s *defaultKeySerializer) SerializeKey(namespace string, args ...any) string {
	if len(args) == 0 {
		return namespace
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(args); err != nil {
		// Unencodable values (funcs, channels) fall back to their printed
		// form, which for funcs is only stable within one process.
		buf.Reset()
		fmt.Fprintf(&buf, "%#v", args)
	}

	return strings.Join([]string{namespace, strconv.FormatUint(xxhash.Sum64(buf.Bytes()), 16)}, KeySeparator)
}
