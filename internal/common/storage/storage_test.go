package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestParseRef(t *testing.T) {
	cases := []struct {
		in      string
		bucket  string
		key     string
		wantErr bool
	}{
		{"sources/u1/abc.py", "sources", "u1/abc.py", false},
		{"/sources/a.c", "sources", "a.c", false},
		{"sources", "", "", true},
		{"sources/", "", "", true},
		{"", "", "", true},
	}
	for _, tc := range cases {
		b, k, err := ParseRef(tc.in)
		if (err != nil) != tc.wantErr || b != tc.bucket || k != tc.key {
			t.Fatalf("ParseRef(%q) = (%q,%q,%v)", tc.in, b, k, err)
		}
	}
}

func TestMemoryStorageRoundTrip(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()
	body := "print('hi')"
	if err := s.PutObject(ctx, "sources", "a.py", strings.NewReader(body), int64(len(body)), "text/x-python"); err != nil {
		t.Fatalf("put: %v", err)
	}
	stat, err := s.StatObject(ctx, "sources", "a.py")
	if err != nil || stat.SizeBytes != int64(len(body)) || stat.ETag == "" {
		t.Fatalf("stat: %+v err=%v", stat, err)
	}
	r, err := s.GetObject(ctx, "sources", "a.py")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer r.Close()
	data, _ := io.ReadAll(r)
	if string(data) != body {
		t.Fatalf("unexpected body %q", data)
	}
	if _, err := s.StatObject(ctx, "sources", "missing"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
