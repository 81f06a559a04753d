package h3upstream

import "testing"

func TestCleanPath(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"/", "/"},
		{"", "/"},
		{"/a/b/c", "/a/b/c"},
		{"/a//b", "/a/b"},
		{"/a/./b", "/a/b"},
		{"/a/../b", "/b"},
		{"/../a", "/a"},
		{"/a/b/../../c", "/c"},
		{"/a?x=1", "/a?x=1"},
		{"/a/../../..?x=1", "/?x=1"},
	}
	for _, tc := range cases {
		if got := cleanPath(tc.in); got != tc.want {
			t.Errorf("cleanPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCleanPathIdempotent(t *testing.T) {
	inputs := []string{"/a/b/../c", "//x//y/", "/./a/./b/.", "/a/b/c?q=../x"}
	for _, in := range inputs {
		once := cleanPath(in)
		twice := cleanPath(once)
		if once != twice {
			t.Errorf("cleanPath not idempotent for %q: %q vs %q", in, once, twice)
		}
	}
}
