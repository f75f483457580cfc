package fs

import (
	"testing"

	"github.com/onuse/moses/internal/types"
)

func TestSplitPath(t *testing.T) {
	cases := []struct {
		in   string
		want []string
		ok   bool
	}{
		{"/", nil, true},
		{"/a/b/c", []string{"a", "b", "c"}, true},
		{"/a//b/./c/", []string{"a", "b", "c"}, true},
		{"relative", nil, false},
		{"", nil, false},
		{"/a/../b", nil, false},
	}
	for _, c := range cases {
		got, err := SplitPath(c.in)
		if c.ok != (err == nil) {
			t.Fatalf("SplitPath(%q) err = %v", c.in, err)
		}
		if err != nil {
			if types.KindOf(err) != types.KindInvalidInput {
				t.Fatalf("SplitPath(%q) kind = %v", c.in, types.KindOf(err))
			}
			continue
		}
		if len(got) != len(c.want) {
			t.Fatalf("SplitPath(%q) = %v, want %v", c.in, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("SplitPath(%q) = %v, want %v", c.in, got, c.want)
			}
		}
	}
}

func TestSplitParent(t *testing.T) {
	parent, name, err := SplitParent("/x/y/z")
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if name != "z" || len(parent) != 2 {
		t.Fatalf("parent=%v name=%q", parent, name)
	}
	if _, _, err := SplitParent("/"); err == nil {
		t.Fatal("SplitParent(\"/\") must fail")
	}
}
