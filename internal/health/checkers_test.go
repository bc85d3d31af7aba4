package health

import (
	"context"
	"errors"
	"testing"
)

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(context.Context) error { return f.err }

type fakeRegistry struct {
	names []string
}

func (f *fakeRegistry) Names() []string { return f.names }

type fakeCounter struct {
	n int
}

func (f *fakeCounter) Len() int { return f.n }

func TestARIChecker(t *testing.T) {
	if err := ARI(&fakePinger{}).Check(context.Background()); err != nil {
		t.Errorf("healthy ARI: unexpected error %v", err)
	}

	want := errors.New("connection refused")
	err := ARI(&fakePinger{err: want}).Check(context.Background())
	if !errors.Is(err, want) {
		t.Errorf("unreachable ARI: error = %v, want %v", err, want)
	}
}

func TestProvidersChecker(t *testing.T) {
	c := Providers(&fakeRegistry{names: []string{"openai-realtime"}})
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("populated registry: unexpected error %v", err)
	}

	c = Providers(&fakeRegistry{})
	if err := c.Check(context.Background()); err == nil {
		t.Error("empty registry: want error, got nil")
	}
}

func TestCallCapacityChecker(t *testing.T) {
	tests := []struct {
		name    string
		live    int
		max     int
		wantErr bool
	}{
		{"below limit", 3, 10, false},
		{"at limit", 10, 10, true},
		{"above limit", 11, 10, true},
		{"disabled", 500, 0, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := CallCapacity(&fakeCounter{n: tc.live}, tc.max)
			err := c.Check(context.Background())
			if (err != nil) != tc.wantErr {
				t.Errorf("Check() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
