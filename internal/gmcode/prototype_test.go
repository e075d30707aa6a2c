// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package gmcode

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var prototypeDiffOptions = cmp.Options{
	cmp.AllowUnexported(LineInfo{}),
	cmp.AllowUnexported(absLineInfo{}),
	cmpopts.EquateEmpty(),
}

// prototypeMarshalSeeds are compiled from real Glimmer source to seed
// [FuzzPrototypeMarshalBinary] with representative bytecode instead of
// hand-built binary fixtures.
var prototypeMarshalSeeds = []string{
	"return 1",
	"local x: number = 1\nfor i=1,10 do x = x + i end\nreturn x",
	"switch 1 do\ncase 1:\n\treturn \"a\"\ndefault:\n\treturn \"b\"\nend",
	"local f = |x| -> x + 1\nreturn f(2)",
	"local t = {1, 2, 3, x = 4}\nreturn t?.x ?? 0",
}

func FuzzPrototypeMarshalBinary(f *testing.F) {
	for _, src := range prototypeMarshalSeeds {
		proto := mustParse(f, src)
		chunk, err := proto.MarshalBinary()
		if err != nil {
			f.Fatal(err)
		}
		f.Add(chunk)
	}

	f.Fuzz(func(t *testing.T, chunk []byte) {
		want := new(Prototype)
		if err := want.UnmarshalBinary(chunk); err != nil {
			t.Skip(err)
		}
		data, err := want.MarshalBinary()
		if err != nil {
			t.Fatal(err)
		}
		got := new(Prototype)
		if err := got.UnmarshalBinary(data); err != nil {
			t.Error(err)
		}
		if diff := cmp.Diff(want, got, prototypeDiffOptions); diff != "" {
			t.Errorf("-want +got:\n%s", diff)
		}
	})
}
