package cli

import "testing"

func TestParseHeaderFlags(t *testing.T) {
	got, err := parseHeaderFlags([]string{"Content-Type: text/plain", "X-Empty:", " Host :a.example"})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"Content-Type": "text/plain", "X-Empty": "", "Host": "a.example"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s: expected %q, got %q", k, v, got[k])
		}
	}

	for _, bad := range []string{"no-colon", ": value"} {
		if _, err := parseHeaderFlags([]string{bad}); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}
