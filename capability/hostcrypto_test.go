package capability

import (
	"bytes"
	"testing"

	"github.com/rizqme/raya-sub003/value"
)

func TestRegisterCryptoInstallsBothCapabilities(t *testing.T) {
	r := NewRegistry()
	heap := value.NewHeap()
	RegisterCrypto(r, heap)

	names := map[string]bool{}
	for _, n := range r.Names() {
		names[n] = true
	}
	if !names["crypto.argon2Hash"] || !names["crypto.ripemd160Sum"] {
		t.Fatalf("RegisterCrypto registered %v, want both crypto capabilities", r.Names())
	}
}

func TestArgon2HashIsDeterministicAndSaltSensitive(t *testing.T) {
	heap := value.NewHeap()
	pw := value.FromPointer(heap.InternString([]byte("hunter2")))
	salt1 := value.FromPointer(heap.InternString([]byte("salt-one")))
	salt2 := value.FromPointer(heap.InternString([]byte("salt-two")))

	out1, err := argon2Hash(heap, []value.Value{pw, salt1})
	if err != nil {
		t.Fatalf("argon2Hash: %v", err)
	}
	out1Again, err := argon2Hash(heap, []value.Value{pw, salt1})
	if err != nil {
		t.Fatalf("argon2Hash: %v", err)
	}
	if out1 != out1Again {
		t.Fatal("argon2Hash was not deterministic for identical inputs")
	}

	out2, err := argon2Hash(heap, []value.Value{pw, salt2})
	if err != nil {
		t.Fatalf("argon2Hash: %v", err)
	}
	if out1 == out2 {
		t.Fatal("argon2Hash produced identical digests for different salts")
	}
}

func TestArgon2HashRejectsWrongArgCount(t *testing.T) {
	heap := value.NewHeap()
	if _, err := argon2Hash(heap, []value.Value{value.FromInt(1)}); err == nil {
		t.Fatal("argon2Hash with one argument did not error")
	}
}

func TestRipemd160SumMatchesKnownDigest(t *testing.T) {
	heap := value.NewHeap()
	data := value.FromPointer(heap.InternString([]byte("abc")))
	out, err := ripemd160Sum(heap, []value.Value{data})
	if err != nil {
		t.Fatalf("ripemd160Sum: %v", err)
	}
	s := heap.StringAt(out.AsPointer())
	if s == nil {
		t.Fatal("ripemd160Sum result did not decode as a heap string")
	}
	// RIPEMD-160("abc"), a standard test vector.
	want := []byte{
		0x8e, 0xb2, 0x08, 0xf7, 0xe0, 0x5d, 0x98, 0x7a, 0x9b, 0x04,
		0x4a, 0x8e, 0x98, 0xc6, 0xb0, 0x87, 0xf1, 0x5a, 0x0b, 0xfc,
	}
	if !bytes.Equal(s.Bytes, want) {
		t.Fatalf("ripemd160Sum(\"abc\") = %x, want %x", s.Bytes, want)
	}
}

func TestStringArgRejectsNonPointer(t *testing.T) {
	heap := value.NewHeap()
	if _, err := ripemd160Sum(heap, []value.Value{value.FromInt(1)}); err == nil {
		t.Fatal("ripemd160Sum on a non-pointer argument did not error")
	}
}
