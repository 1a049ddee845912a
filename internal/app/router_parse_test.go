package app

import (
	"reflect"
	"testing"
)

func TestParseOrigins(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", []string{"*"}},
		{"*", []string{"*"}},
		{"  ", []string{"*"}},
		{",,", []string{"*"}},
		{"https://a.example.com", []string{"https://a.example.com"}},
		{"https://a.example.com, https://b.example.com", []string{"https://a.example.com", "https://b.example.com"}},
		{" https://a.example.com ,, ", []string{"https://a.example.com"}},
	}
	for _, c := range cases {
		if got := ParseOrigins(c.in); !reflect.DeepEqual(got, c.want) {
			t.Fatalf("ParseOrigins(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
