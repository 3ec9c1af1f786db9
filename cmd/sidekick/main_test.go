package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootHasSubcommands(t *testing.T) {
	root := buildRoot()
	want := map[string]bool{"run": false, "check": false, "version": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("subcommand %q not registered", name)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Fatalf("output = %q, want %q", out.String(), version)
	}
}

func TestCheckRequiresPatterns(t *testing.T) {
	root := buildRoot()
	root.SetArgs([]string{"check"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error when no patterns are given")
	}
}

func TestCheckFindsNothingForUnlikelyPattern(t *testing.T) {
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"check", "--pattern", "sidekick-test-no-such-binary-a1b2c3"})
	if err := root.Execute(); err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(out.String(), "no matching backend processes") {
		t.Fatalf("output = %q", out.String())
	}
}
