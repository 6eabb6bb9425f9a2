package main

import "testing"

func TestContains(t *testing.T) {
	if !contains([]string{"a", "b"}, "b") {
		t.Error("contains = false, want true")
	}
	if contains([]string{"a", "b"}, "c") {
		t.Error("contains = true, want false")
	}
	if contains(nil, "a") {
		t.Error("contains(nil, ...) = true, want false")
	}
}
