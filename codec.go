package shmap

// Codec is the injected encode/decode capability spec.md §6 calls the
// "serializer": `{encode(value)->bytes, decode(bytes)->value}`. The core
// never inspects the bytes a Codec produces or consumes.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(b []byte) (T, error)
}

// CodecFuncs adapts a pair of plain functions to the Codec interface, for
// callers who would rather not declare a named type.
type CodecFuncs[T any] struct {
	EncodeFunc func(T) ([]byte, error)
	DecodeFunc func([]byte) (T, error)
}

func (c CodecFuncs[T]) Encode(v T) ([]byte, error) { return c.EncodeFunc(v) }
func (c CodecFuncs[T]) Decode(b []byte) (T, error) { return c.DecodeFunc(b) }
