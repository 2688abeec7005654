package sstable

import "testing"

func TestNamingRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		want FileInfo
	}{
		{L0Name(3), FileInfo{Kind: KindL0, Ordinal: 3}},
		{LeveledName(2, 7), FileInfo{Kind: KindLeveled, Level: 2, Ordinal: 7}},
		{TieredName(1, 4), FileInfo{Kind: KindTiered, Level: 1, Ordinal: 4}},
	}
	for _, c := range cases {
		got, ok := ParseFilename(c.name)
		if !ok {
			t.Fatalf("ParseFilename(%q): not recognized", c.name)
		}
		if got != c.want {
			t.Fatalf("ParseFilename(%q): got %+v, want %+v", c.name, got, c.want)
		}
	}
}

func TestParseFilenameRejectsUnknown(t *testing.T) {
	if _, ok := ParseFilename("manifest.json"); ok {
		t.Fatalf("expected unknown file to be rejected")
	}
}
