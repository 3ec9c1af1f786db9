package detector

import (
	"context"
	"errors"
	"testing"
)

func TestFindMatchesAnyPattern(t *testing.T) {
	scan := func(context.Context) ([]BackendProcess, error) {
		return []BackendProcess{
			{PID: 1, Cmdline: "/usr/bin/python -m backend.api --rest-api-port 4242"},
			{PID: 2, Cmdline: "/usr/local/bin/backend-colibri --port 4343"},
			{PID: 3, Cmdline: "vim notes.txt"},
		}, nil
	}
	got, err := Find(context.Background(), scan, []string{"-m backend.api", "backend-colibri"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %+v", got)
	}
	if got[0].PID != 1 || got[1].PID != 2 {
		t.Fatalf("unexpected matches: %+v", got)
	}
}

func TestFindIgnoresEmptyPatterns(t *testing.T) {
	scan := func(context.Context) ([]BackendProcess, error) {
		return []BackendProcess{{PID: 1, Cmdline: "anything"}}, nil
	}
	got, err := Find(context.Background(), scan, []string{""})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("empty pattern must match nothing, got %+v", got)
	}
}

func TestFindPropagatesScanError(t *testing.T) {
	scan := func(context.Context) ([]BackendProcess, error) { return nil, errors.New("denied") }
	if _, err := Find(context.Background(), scan, []string{"x"}); err == nil {
		t.Fatalf("expected scan error")
	}
}

func TestFindMatchesEachProcessOnce(t *testing.T) {
	scan := func(context.Context) ([]BackendProcess, error) {
		return []BackendProcess{{PID: 1, Cmdline: "backend-core --port 1 backend-core"}}, nil
	}
	got, err := Find(context.Background(), scan, []string{"backend-core", "--port"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("process reported more than once: %+v", got)
	}
}
