// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package serial

import (
	"math"
	"reflect"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil/assert"
)

type inner struct {
	Name  string
	Score float32
	Tags  []string
}

type record struct {
	A      bool
	B      int
	C      int8
	D      int64
	E      uint16
	F      uint64
	G      float64
	H      string
	I      []byte
	J      []inner
	K      map[string]int32
	L      [3]uint32
	M      *inner
	hidden int
}

func TestRoundTripFuzz(t *testing.T) {
	fz := fuzz.NewWithSeed(31415).NilChance(0).NumElements(1, 10)
	for i := 0; i < 100; i++ {
		var in record
		fz.Fuzz(&in)
		in.hidden = 0
		var b Buffer
		assert.NoError(t, Encode(&b, in))
		var out record
		assert.NoError(t, Decode(NewBuffer(b.Bytes()), &out))
		if !reflect.DeepEqual(in, out) {
			t.Fatalf("got %+v, want %+v", out, in)
		}
		b.Release()
	}
}

func TestPrimitives(t *testing.T) {
	var b Buffer
	b.PutUint8(7)
	b.PutBool(true)
	b.PutUint32(math.MaxUint32)
	b.PutUint64(1 << 60)
	b.PutVarint(-12345)
	b.PutUvarint(300)
	b.PutFloat64(math.Pi)
	b.PutFloat32(1.5)
	b.PutString("hello")
	b.PutBytes([]byte{1, 2, 3})

	r := NewBuffer(b.Bytes())
	assert.EQ(t, r.Uint8(), uint8(7))
	assert.True(t, r.Bool())
	assert.EQ(t, r.Uint32(), uint32(math.MaxUint32))
	assert.EQ(t, r.Uint64(), uint64(1<<60))
	assert.EQ(t, r.Varint(), int64(-12345))
	assert.EQ(t, r.Uvarint(), uint64(300))
	assert.EQ(t, r.Float64(), math.Pi)
	assert.EQ(t, r.Float32(), float32(1.5))
	assert.EQ(t, r.ReadString(), "hello")
	assert.EQ(t, r.ReadBytes(), []byte{1, 2, 3})
	assert.NoError(t, r.Err())
	assert.EQ(t, r.Len(), 0)
}

func TestShortBuffer(t *testing.T) {
	var b Buffer
	b.PutUint32(1)
	r := NewBuffer(b.Bytes()[:3])
	if got, want := r.Uint32(), uint32(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !errors.Is(errors.Integrity, r.Err()) {
		t.Errorf("expected integrity error, got %v", r.Err())
	}
	// Errors are sticky.
	r.Uint8()
	if r.Err() == nil {
		t.Error("expected sticky error")
	}
}

func TestCorruptLength(t *testing.T) {
	var b Buffer
	b.PutUvarint(1 << 40)
	var s []string
	if err := Decode(NewBuffer(b.Bytes()), &s); !errors.Is(errors.Integrity, err) {
		t.Errorf("expected integrity error, got %v", err)
	}
}

type skipped struct {
	A int `serial:"-"`
	b string
}

func TestZeroWidthElements(t *testing.T) {
	type value struct {
		Empty   []struct{}
		Arrays  [][0]int
		Skipped []skipped
		Set     map[int]struct{}
		Nested  [][]struct{}
	}
	in := value{
		Empty:   make([]struct{}, 3),
		Arrays:  make([][0]int, 1000),
		Skipped: make([]skipped, 2),
		Set:     map[int]struct{}{1: {}, 2: {}},
		Nested:  [][]struct{}{make([]struct{}, 5), nil},
	}
	var b Buffer
	assert.NoError(t, Encode(&b, in))
	var out value
	assert.NoError(t, Decode(NewBuffer(b.Bytes()), &out))
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("got %+v, want %+v", out, in)
	}
}

func TestCorruptLengthWideElements(t *testing.T) {
	var b Buffer
	b.PutUvarint(2)
	b.PutFloat64(1)
	b.PutUint8(0)
	var s []float64
	if err := Decode(NewBuffer(b.Bytes()), &s); !errors.Is(errors.Integrity, err) {
		t.Errorf("expected integrity error, got %v", err)
	}
}

type point struct{ x, y int }

func (p point) Serialize(b *Buffer) {
	b.PutVarint(int64(p.x))
	b.PutVarint(int64(p.y))
}

func (p *point) Deserialize(b *Buffer) error {
	p.x = int(b.Varint())
	p.y = int(b.Varint())
	return b.Err()
}

type counter struct{ n int }

func (c *counter) Serialize(b *Buffer) { b.PutVarint(int64(c.n)) }

func (c *counter) Deserialize(b *Buffer) error {
	c.n = int(b.Varint())
	return b.Err()
}

type shape struct {
	Points  []point
	Origin  point
	Counter counter
	Next    *counter
}

func TestSerializer(t *testing.T) {
	in := shape{
		Points:  []point{{1, 2}, {3, 4}},
		Origin:  point{-1, -1},
		Counter: counter{5},
		Next:    &counter{6},
	}
	var b Buffer
	assert.NoError(t, Encode(&b, in))
	var out shape
	assert.NoError(t, Decode(NewBuffer(b.Bytes()), &out))
	assert.EQ(t, out, in)
}

type tree struct {
	Value    int
	Children []tree
}

func TestRecursive(t *testing.T) {
	in := tree{1, []tree{{2, nil}, {3, []tree{{4, nil}}}}}
	var b Buffer
	assert.NoError(t, Encode(&b, in))
	var out tree
	assert.NoError(t, Decode(NewBuffer(b.Bytes()), &out))
	assert.EQ(t, out, in)
}

func TestUnsupported(t *testing.T) {
	type bad struct {
		C chan int
	}
	var b Buffer
	if err := Encode(&b, bad{}); !errors.Is(errors.NotSupported, err) {
		t.Errorf("expected not supported error, got %v", err)
	}
	if err := Check(reflect.TypeOf(func() {})); err == nil {
		t.Error("expected error for func type")
	}
	if err := Decode(&b, 1); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestTopLevelPointer(t *testing.T) {
	in := &inner{Name: "x", Score: 2, Tags: []string{"a"}}
	var b Buffer
	assert.NoError(t, Encode(&b, in))
	var out inner
	assert.NoError(t, Decode(NewBuffer(b.Bytes()), &out))
	assert.EQ(t, out, *in)
	var nilp *inner
	if err := Encode(&b, nilp); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestMultipleValues(t *testing.T) {
	var b Buffer
	assert.NoError(t, Encode(&b, uint32(7), "x", []float64{1, 2}))
	var (
		n uint32
		s string
		f []float64
	)
	assert.NoError(t, Decode(NewBuffer(b.Bytes()), &n, &s, &f))
	assert.EQ(t, n, uint32(7))
	assert.EQ(t, s, "x")
	assert.EQ(t, f, []float64{1, 2})
}
