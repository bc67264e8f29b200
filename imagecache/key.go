package imagecache

import (
	"fmt"
	"reflect"
)

// KeyKind is the kind of a Key.
type KeyKind uint8

// Key kinds.
const (
	KindURL KeyKind = iota + 1
	KindPath
	KindGlyph
	KindUser
)

// String returns the kind name.
func (k KeyKind) String() string {
	switch k {
	case KindURL:
		return "URL"
	case KindPath:
		return "Path"
	case KindGlyph:
		return "Glyph"
	case KindUser:
		return "User"
	default:
		return "Invalid"
	}
}

// Key identifies a cached image. Keys are comparable; two keys are equal
// exactly when they were built from equal arguments.
type Key struct {
	kind KeyKind
	str  string

	// glyph
	font  uint64
	index uint32
	size  float32

	// user
	hash uint64
}

// URL returns the key of an image fetched over HTTP(S).
func URL(u string) Key { return Key{kind: KindURL, str: u} }

// Path returns the key of an image read from the file system.
func Path(p string) Key { return Key{kind: KindPath, str: p} }

// Glyph returns the key of a rasterised glyph. font is the identity of
// the font face, index the glyph index and size the pixel size.
func Glyph(font uint64, index uint32, size float32) Key {
	return Key{kind: KindGlyph, font: font, index: index, size: size}
}

// User returns a key for application images. tag separates key spaces
// of unrelated producers.
func User(tag string, hash uint64) Key {
	return Key{kind: KindUser, str: tag, hash: hash}
}

// UserOf returns a User key tagged with the fully qualified name of T.
func UserOf[T any](hash uint64) Key {
	t := reflect.TypeFor[T]()
	if t.Name() == "" {
		return User(t.String(), hash)
	}
	return User(t.PkgPath()+"."+t.Name(), hash)
}

// Kind returns the kind of k. The zero Key has no valid kind.
func (k Key) Kind() KeyKind { return k.kind }

// IsGlyph reports whether k is a glyph key.
func (k Key) IsGlyph() bool { return k.kind == KindGlyph }

// IsValid reports whether k was built by a constructor.
func (k Key) IsValid() bool { return k.kind >= KindURL && k.kind <= KindUser }

// Str returns the URL, path or user tag of k.
func (k Key) Str() string { return k.str }

// String returns a readable form of the key.
func (k Key) String() string {
	switch k.kind {
	case KindURL, KindPath:
		return fmt.Sprintf("%s(%s)", k.kind, k.str)
	case KindGlyph:
		return fmt.Sprintf("Glyph(font=%d, index=%d, size=%g)", k.font, k.index, k.size)
	case KindUser:
		return fmt.Sprintf("User(%s, %#x)", k.str, k.hash)
	default:
		return "Key(invalid)"
	}
}
