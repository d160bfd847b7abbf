package capability

import (
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/ripemd160"

	"github.com/rizqme/raya-sub003/value"
)

// RegisterCrypto installs the two concrete host-crypto capabilities onto r:
// crypto.argon2Hash and crypto.ripemd160Sum, taking and returning
// heap-interned Value strings.
func RegisterCrypto(r *Registry, heap *value.Heap) {
	r.Register("crypto.argon2Hash", argon2Hash)
	r.Register("crypto.ripemd160Sum", ripemd160Sum)
}

// argon2Hash derives a key from args[0] (password) salted with args[1]
// (salt), both heap strings, using argon2id with parameters chosen for
// interactive login-style hashing.
func argon2Hash(heap *value.Heap, args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return value.Null, fmt.Errorf("crypto.argon2Hash: expected (password, salt)")
	}
	password, err := stringArg(heap, args[0])
	if err != nil {
		return value.Null, err
	}
	salt, err := stringArg(heap, args[1])
	if err != nil {
		return value.Null, err
	}
	const (
		time    = 1
		memory  = 64 * 1024
		threads = 4
		keyLen  = 32
	)
	digest := argon2.IDKey(password, salt, time, memory, threads, keyLen)
	return value.FromPointer(heap.InternString(digest)), nil
}

// ripemd160Sum hashes args[0], a heap string, with RIPEMD-160.
func ripemd160Sum(heap *value.Heap, args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Null, fmt.Errorf("crypto.ripemd160Sum: expected (data)")
	}
	data, err := stringArg(heap, args[0])
	if err != nil {
		return value.Null, err
	}
	h := ripemd160.New()
	h.Write(data)
	return value.FromPointer(heap.InternString(h.Sum(nil))), nil
}

func stringArg(heap *value.Heap, v value.Value) ([]byte, error) {
	if v.Tag() != value.TagPointer {
		return nil, fmt.Errorf("capability: expected a string argument")
	}
	s := heap.StringAt(v.AsPointer())
	if s == nil {
		return nil, fmt.Errorf("capability: expected a string argument")
	}
	return s.Bytes, nil
}
