// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import "testing"

func TestStats(t *testing.T) {
	coll := NewMap()
	var (
		x = coll.Int(Recalls)
		_ = coll.Int(Releases)
	)
	if got, want := x.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	x.Add(123)
	coll.Add(Recalls, 123)
	if got, want := x.Get(), int64(123*2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	all := make(Values)
	coll.AddAll(all)
	coll.AddAll(all)
	if got, want := len(all), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all[Recalls], int64(123*4); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all[Releases], int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNilMap(t *testing.T) {
	var m *Map
	m.Add(Conflicts, 1)
	m.Int(Conflicts).Add(1)
	if got, want := len(m.Snapshot()), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMerge(t *testing.T) {
	a, b := NewMap(), NewMap()
	a.Add(Requests, 2)
	b.Add(Requests, 3)
	b.Add(Missing, 1)
	total := a.Snapshot()
	total.Merge(b.Snapshot())
	if got, want := total.String(), "missing:1 requests:5"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	c := total.Copy()
	c[Requests] = 0
	if got, want := total[Requests], int64(5); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSub(t *testing.T) {
	prev := Values{Requests: 3, Recalls: 1}
	cur := Values{Requests: 5, Recalls: 1, Conflicts: 2}
	d := cur.Sub(prev)
	if got, want := d.String(), "conflicts:2 requests:2"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
