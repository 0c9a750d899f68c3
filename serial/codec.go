// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package serial

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/grailbio/base/errors"
)

// A Serializer writes its own encoding into a buffer.
type Serializer interface {
	Serialize(b *Buffer)
}

// A Deserializer reads the encoding written by the corresponding
// Serializer.
type Deserializer interface {
	Deserialize(b *Buffer) error
}

var (
	serializerType   = reflect.TypeOf((*Serializer)(nil)).Elem()
	deserializerType = reflect.TypeOf((*Deserializer)(nil)).Elem()
)

type (
	encodeFunc func(b *Buffer, v reflect.Value)
	decodeFunc func(b *Buffer, v reflect.Value) error

	codec struct {
		enc encodeFunc
		dec decodeFunc
		err error
		// min is the fewest bytes an encoded value takes. It is
		// zero for values that may encode to nothing, and for
		// custom encodings.
		min int
	}
)

var (
	codecs sync.Map // reflect.Type -> *codec

	buildMu sync.Mutex
	// building holds the codecs under construction. They are
	// published to codecs together once the outermost type is built,
	// so that recursive types never expose an incomplete codec.
	building = make(map[reflect.Type]*codec)
	depth    int
)

// Encode appends the encoding of each value to b. Pointers passed
// to Encode are followed, so that Encode(b, p) and Decode(b, p) are
// symmetric.
func Encode(b *Buffer, vs ...interface{}) error {
	for _, v := range vs {
		if s, ok := v.(Serializer); ok {
			s.Serialize(b)
			continue
		}
		rv := reflect.ValueOf(v)
		if !rv.IsValid() {
			return errors.E(errors.Invalid, "serial.Encode: nil value")
		}
		if rv.Kind() == reflect.Ptr {
			if rv.IsNil() {
				return errors.E(errors.Invalid, fmt.Sprintf("serial.Encode: nil %T", v))
			}
			rv = rv.Elem()
		}
		c := codecFor(rv.Type())
		if c.err != nil {
			return c.err
		}
		c.enc(b, rv)
	}
	return nil
}

// Decode reads values from b into each of ptrs, which must be
// non-nil pointers to values of the types that were encoded.
func Decode(b *Buffer, ptrs ...interface{}) error {
	for _, p := range ptrs {
		if d, ok := p.(Deserializer); ok {
			if err := d.Deserialize(b); err != nil {
				return err
			}
			continue
		}
		rv := reflect.ValueOf(p)
		if rv.Kind() != reflect.Ptr || rv.IsNil() {
			return errors.E(errors.Invalid, fmt.Sprintf("serial.Decode: need a non-nil pointer, got %T", p))
		}
		c := codecFor(rv.Type().Elem())
		if c.err != nil {
			return c.err
		}
		if err := c.dec(b, rv.Elem()); err != nil {
			return err
		}
	}
	return b.Err()
}

// Check returns an error if values of type t cannot be encoded.
func Check(t reflect.Type) error {
	return codecFor(t).err
}

func codecFor(t reflect.Type) *codec {
	if c, ok := codecs.Load(t); ok {
		return c.(*codec)
	}
	buildMu.Lock()
	defer buildMu.Unlock()
	return codecLocked(t)
}

func codecLocked(t reflect.Type) *codec {
	if c, ok := codecs.Load(t); ok {
		return c.(*codec)
	}
	if c := building[t]; c != nil {
		return c
	}
	c := new(codec)
	building[t] = c
	depth++
	build(c, t)
	depth--
	if depth == 0 {
		for t, c := range building {
			codecs.Store(t, c)
		}
		building = make(map[reflect.Type]*codec)
	}
	return c
}

func build(c *codec, t reflect.Type) {
	if t.Implements(serializerType) && reflect.PtrTo(t).Implements(deserializerType) {
		c.enc = func(b *Buffer, v reflect.Value) { v.Interface().(Serializer).Serialize(b) }
		c.dec = func(b *Buffer, v reflect.Value) error {
			return v.Addr().Interface().(Deserializer).Deserialize(b)
		}
		return
	}
	if pt := reflect.PtrTo(t); t.Kind() != reflect.Ptr && pt.Implements(serializerType) && pt.Implements(deserializerType) {
		c.enc = func(b *Buffer, v reflect.Value) {
			if !v.CanAddr() {
				p := reflect.New(t)
				p.Elem().Set(v)
				v = p.Elem()
			}
			v.Addr().Interface().(Serializer).Serialize(b)
		}
		c.dec = func(b *Buffer, v reflect.Value) error {
			return v.Addr().Interface().(Deserializer).Deserialize(b)
		}
		return
	}
	switch t.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.String, reflect.Slice, reflect.Map, reflect.Ptr:
		c.min = 1
	case reflect.Float32:
		c.min = 4
	case reflect.Float64:
		c.min = 8
	}
	switch t.Kind() {
	case reflect.Bool:
		c.enc = func(b *Buffer, v reflect.Value) { b.PutBool(v.Bool()) }
		c.dec = func(b *Buffer, v reflect.Value) error {
			v.SetBool(b.Bool())
			return b.Err()
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		c.enc = func(b *Buffer, v reflect.Value) { b.PutVarint(v.Int()) }
		c.dec = func(b *Buffer, v reflect.Value) error {
			x := b.Varint()
			if v.OverflowInt(x) {
				return errors.E(errors.Integrity, fmt.Sprintf("serial: %d overflows %s", x, v.Type()))
			}
			v.SetInt(x)
			return b.Err()
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		c.enc = func(b *Buffer, v reflect.Value) { b.PutUvarint(v.Uint()) }
		c.dec = func(b *Buffer, v reflect.Value) error {
			x := b.Uvarint()
			if v.OverflowUint(x) {
				return errors.E(errors.Integrity, fmt.Sprintf("serial: %d overflows %s", x, v.Type()))
			}
			v.SetUint(x)
			return b.Err()
		}
	case reflect.Float32:
		c.enc = func(b *Buffer, v reflect.Value) { b.PutFloat32(float32(v.Float())) }
		c.dec = func(b *Buffer, v reflect.Value) error {
			v.SetFloat(float64(b.Float32()))
			return b.Err()
		}
	case reflect.Float64:
		c.enc = func(b *Buffer, v reflect.Value) { b.PutFloat64(v.Float()) }
		c.dec = func(b *Buffer, v reflect.Value) error {
			v.SetFloat(b.Float64())
			return b.Err()
		}
	case reflect.String:
		c.enc = func(b *Buffer, v reflect.Value) { b.PutString(v.String()) }
		c.dec = func(b *Buffer, v reflect.Value) error {
			v.SetString(b.ReadString())
			return b.Err()
		}
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			c.enc = func(b *Buffer, v reflect.Value) { b.PutBytes(v.Bytes()) }
			c.dec = func(b *Buffer, v reflect.Value) error {
				p := b.ReadBytes()
				if len(p) == 0 {
					v.Set(reflect.Zero(v.Type()))
				} else {
					v.SetBytes(p)
				}
				return b.Err()
			}
			return
		}
		elem := codecLocked(t.Elem())
		if elem.err != nil {
			c.err = elem.err
			return
		}
		c.enc = func(b *Buffer, v reflect.Value) {
			n := v.Len()
			b.PutUvarint(uint64(n))
			for i := 0; i < n; i++ {
				elem.enc(b, v.Index(i))
			}
		}
		c.dec = func(b *Buffer, v reflect.Value) error {
			n := b.length(elem.min)
			if err := b.Err(); err != nil {
				return err
			}
			if n == 0 {
				v.Set(reflect.Zero(v.Type()))
				return nil
			}
			s := reflect.MakeSlice(v.Type(), n, n)
			for i := 0; i < n; i++ {
				if err := elem.dec(b, s.Index(i)); err != nil {
					return err
				}
			}
			v.Set(s)
			return nil
		}
	case reflect.Array:
		elem := codecLocked(t.Elem())
		if elem.err != nil {
			c.err = elem.err
			return
		}
		c.min = t.Len() * elem.min
		c.enc = func(b *Buffer, v reflect.Value) {
			for i := 0; i < v.Len(); i++ {
				elem.enc(b, v.Index(i))
			}
		}
		c.dec = func(b *Buffer, v reflect.Value) error {
			for i := 0; i < v.Len(); i++ {
				if err := elem.dec(b, v.Index(i)); err != nil {
					return err
				}
			}
			return nil
		}
	case reflect.Map:
		key, val := codecLocked(t.Key()), codecLocked(t.Elem())
		if key.err != nil {
			c.err = key.err
			return
		}
		if val.err != nil {
			c.err = val.err
			return
		}
		c.enc = func(b *Buffer, v reflect.Value) {
			b.PutUvarint(uint64(v.Len()))
			iter := v.MapRange()
			for iter.Next() {
				key.enc(b, iter.Key())
				val.enc(b, iter.Value())
			}
		}
		c.dec = func(b *Buffer, v reflect.Value) error {
			n := b.length(key.min + val.min)
			if err := b.Err(); err != nil {
				return err
			}
			if n == 0 {
				v.Set(reflect.Zero(v.Type()))
				return nil
			}
			m := reflect.MakeMapWithSize(v.Type(), n)
			for i := 0; i < n; i++ {
				k := reflect.New(t.Key()).Elem()
				if err := key.dec(b, k); err != nil {
					return err
				}
				e := reflect.New(t.Elem()).Elem()
				if err := val.dec(b, e); err != nil {
					return err
				}
				m.SetMapIndex(k, e)
			}
			v.Set(m)
			return nil
		}
	case reflect.Ptr:
		elem := codecLocked(t.Elem())
		if elem.err != nil {
			c.err = elem.err
			return
		}
		c.enc = func(b *Buffer, v reflect.Value) {
			if v.IsNil() {
				b.PutBool(false)
				return
			}
			b.PutBool(true)
			elem.enc(b, v.Elem())
		}
		c.dec = func(b *Buffer, v reflect.Value) error {
			present := b.Bool()
			if err := b.Err(); err != nil {
				return err
			}
			if !present {
				v.Set(reflect.Zero(v.Type()))
				return nil
			}
			if v.IsNil() {
				v.Set(reflect.New(t.Elem()))
			}
			return elem.dec(b, v.Elem())
		}
	case reflect.Struct:
		type field struct {
			index int
			*codec
		}
		var fields []field
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" || f.Tag.Get("serial") == "-" {
				continue
			}
			fc := codecLocked(f.Type)
			if fc.err != nil {
				c.err = errors.E(fc.err, fmt.Sprintf("field %s.%s", t, f.Name))
				return
			}
			fields = append(fields, field{i, fc})
			c.min += fc.min
		}
		c.enc = func(b *Buffer, v reflect.Value) {
			for _, f := range fields {
				f.enc(b, v.Field(f.index))
			}
		}
		c.dec = func(b *Buffer, v reflect.Value) error {
			for _, f := range fields {
				if err := f.dec(b, v.Field(f.index)); err != nil {
					return err
				}
			}
			return nil
		}
	default:
		c.err = errors.E(errors.NotSupported, fmt.Sprintf("serial: cannot encode values of type %s", t))
	}
}
