package ingest

import "testing"

func TestExtractVideoID(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"O-sJ8qOvNr4", "O-sJ8qOvNr4", true},
		{"https://www.youtube.com/watch?v=O-sJ8qOvNr4", "O-sJ8qOvNr4", true},
		{"https://youtube.com/watch?feature=share&v=abc_123", "abc_123", true},
		{"youtu.be/xyz987", "xyz987", true},
		{"https://m.youtube.com/live/LiveId1?si=tracking", "LiveId1", true},
		{"  HTTPS://YOUTU.BE/CaseId  ", "CaseId", true},
		{"", "", false},
		{"https://example.com/watch?v=nope", "", false},
		{"two words", "", false},
	}
	for _, c := range cases {
		got, ok := ExtractVideoID(c.in)
		if got != c.want || ok != c.ok {
			t.Fatalf("ExtractVideoID(%q) = %q, %v; want %q, %v", c.in, got, ok, c.want, c.ok)
		}
	}
}
