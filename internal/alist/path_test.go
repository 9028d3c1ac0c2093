package alist

import "testing"

func TestClean(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "/"},
		{"/", "/"},
		{"docs", "/docs"},
		{"/docs/", "/docs"},
		{"/a/../..", "/"},
		{"//a//b", "/a/b"},
	}
	for _, tt := range tests {
		if got := Clean(tt.in); got != tt.want {
			t.Errorf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestJoin(t *testing.T) {
	tests := []struct {
		dir, name, want string
	}{
		{"/", "readme.txt", "/readme.txt"},
		{"/docs", "a.pdf", "/docs/a.pdf"},
		{"/docs", "../../etc", "/etc"},
	}
	for _, tt := range tests {
		if got := Join(tt.dir, tt.name); got != tt.want {
			t.Errorf("Join(%q, %q) = %q, want %q", tt.dir, tt.name, got, tt.want)
		}
	}
}

func TestParent(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/docs/a", "/docs"},
		{"/docs", "/"},
		{"/", "/"},
		{"", "/"},
	}
	for _, tt := range tests {
		if got := Parent(tt.in); got != tt.want {
			t.Errorf("Parent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if Parent(Parent("/")) != Root {
		t.Error("Parent must stay at the root")
	}
}

func TestIsRoot(t *testing.T) {
	if !IsRoot("") || !IsRoot("/") || IsRoot("/docs") {
		t.Error("IsRoot misclassified")
	}
}
