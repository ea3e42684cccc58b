package sandbox

import "testing"

func TestResolveHostURL(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		inContainer bool
		want        string
	}{
		{
			name:        "localhost with port",
			raw:         "http://localhost:3000/api",
			inContainer: true,
			want:        "http://host.docker.internal:3000/api",
		},
		{
			name:        "loopback ip",
			raw:         "https://127.0.0.1/health",
			inContainer: true,
			want:        "https://host.docker.internal/health",
		},
		{
			name:        "identity outside a container",
			raw:         "http://localhost:3000",
			inContainer: false,
			want:        "http://localhost:3000",
		},
		{
			name:        "public host untouched",
			raw:         "https://staging.example.com",
			inContainer: true,
			want:        "https://staging.example.com",
		},
		{
			name:        "unparseable input passes through",
			raw:         "http://local host:80",
			inContainer: true,
			want:        "http://local host:80",
		},
		{
			name:        "empty input",
			raw:         "",
			inContainer: true,
			want:        "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveHostURL(tt.raw, tt.inContainer); got != tt.want {
				t.Errorf("ResolveHostURL(%q, %v) = %q, want %q", tt.raw, tt.inContainer, got, tt.want)
			}
		})
	}
}

// Rewriting is idempotent: the alias never matches the loopback check again.
func TestResolveHostURLIdempotent(t *testing.T) {
	once := ResolveHostURL("http://localhost:9000/x", true)
	twice := ResolveHostURL(once, true)
	if once != twice {
		t.Errorf("second pass changed the URL: %q -> %q", once, twice)
	}
}
