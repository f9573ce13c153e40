package version

import "testing"

func TestStringWithoutExt(t *testing.T) {
	v := Version{Major: 2, Minor: 1, Build: 5}
	if got, want := v.String(), "2.1.5"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestStringWithExt(t *testing.T) {
	v := Version{Major: 2, Minor: 1, Build: 5, Ext: "rc1"}
	if got, want := v.String(), "2.1.5-rc1"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
