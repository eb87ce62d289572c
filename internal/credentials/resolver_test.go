package credentials

import "testing"

func TestEnvResolver_Resolve(t *testing.T) {
	t.Setenv("BYTEPROXY_TEST_TOKEN", "  abc123  ")
	t.Setenv("BYTEPROXY_TEST_BLANK", "   ")

	r := NewEnvResolver()

	tests := []struct {
		name   string
		want   string
		wantOK bool
	}{
		{name: "BYTEPROXY_TEST_TOKEN", want: "abc123", wantOK: true},
		{name: "BYTEPROXY_TEST_BLANK", wantOK: false},
		{name: "BYTEPROXY_TEST_UNSET", wantOK: false},
		{name: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.Resolve(tt.name)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Resolve(%q) = %q, %v, want %q, %v", tt.name, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestEnvResolver_ReadsLive(t *testing.T) {
	r := NewEnvResolver()

	t.Setenv("BYTEPROXY_TEST_ROTATE", "first")
	if got, _ := r.Resolve("BYTEPROXY_TEST_ROTATE"); got != "first" {
		t.Fatalf("Resolve() = %q, want first", got)
	}
	t.Setenv("BYTEPROXY_TEST_ROTATE", "second")
	if got, _ := r.Resolve("BYTEPROXY_TEST_ROTATE"); got != "second" {
		t.Errorf("Resolve() = %q, want second after rotation", got)
	}
}

func TestMapResolver(t *testing.T) {
	r := MapResolver{"A": "x", "B": ""}
	if v, ok := r.Resolve("A"); !ok || v != "x" {
		t.Errorf("Resolve(A) = %q, %v", v, ok)
	}
	if _, ok := r.Resolve("B"); ok {
		t.Error("Resolve(B) ok = true for empty value")
	}
}

func TestMask(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"short", "*****"},
		{"ghp_abcdefghijkl", "****ijkl"},
	}
	for _, tt := range tests {
		if got := Mask(tt.in); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
