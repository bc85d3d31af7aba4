package profile_test

import (
	"errors"
	"testing"

	"github.com/varnalab/ariadne/internal/profile"
	"github.com/varnalab/ariadne/pkg/audio"
)

func telephony() profile.Profile {
	return profile.Profile{
		Name:     "telephony-ulaw",
		Ingress:  audio.Codec{Encoding: audio.EncodingUlaw, Rate: 8000},
		Provider: audio.Codec{Encoding: audio.EncodingPCM16, Rate: 24000},
		Egress:   audio.Codec{Encoding: audio.EncodingUlaw, Rate: 8000},
	}
}

func TestRegistry_Resolve(t *testing.T) {
	t.Parallel()

	reg, err := profile.NewRegistry([]profile.Profile{telephony()}, "telephony-ulaw")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	p, err := reg.Resolve("telephony-ulaw")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Provider.Rate != 24000 {
		t.Errorf("provider rate = %d, want 24000", p.Provider.Rate)
	}

	// Empty name falls back to the default.
	p, err = reg.Resolve("")
	if err != nil {
		t.Fatalf("Resolve default: %v", err)
	}
	if p.Name != "telephony-ulaw" {
		t.Errorf("default profile = %q, want telephony-ulaw", p.Name)
	}

	if _, err := reg.Resolve("no-such"); !errors.Is(err, profile.ErrNotFound) {
		t.Errorf("Resolve(no-such) = %v, want ErrNotFound", err)
	}
}

func TestRegistry_RejectsInvalidProfile(t *testing.T) {
	t.Parallel()

	bad := telephony()
	bad.Provider.Rate = 44100
	if _, err := profile.NewRegistry([]profile.Profile{bad}, ""); err == nil {
		t.Fatal("NewRegistry should reject an unsupported rate")
	}
}

func TestRegistry_RejectsDuplicateAndMissingDefault(t *testing.T) {
	t.Parallel()

	if _, err := profile.NewRegistry([]profile.Profile{telephony(), telephony()}, ""); err == nil {
		t.Fatal("NewRegistry should reject duplicate names")
	}
	if _, err := profile.NewRegistry([]profile.Profile{telephony()}, "missing"); err == nil {
		t.Fatal("NewRegistry should reject an undefined default")
	}
}
