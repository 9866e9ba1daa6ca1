package service

import (
	"errors"
	"testing"
)

func FuzzValidateFlagName(f *testing.F) {
	for _, seed := range []string{"new_ui", "a", "ab", "New", "1abc", "a-b", "checkout_v2", ""} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, name string) {
		err := validateFlagName(name)
		if err != nil {
			if !errors.Is(err, ErrInvalidFlag) {
				t.Fatalf("validateFlagName(%q) error = %v, want %v", name, err, ErrInvalidFlag)
			}
			return
		}

		if len(name) < minFlagNameLength || len(name) > maxFlagNameLength {
			t.Fatalf("validateFlagName(%q) accepted length %d", name, len(name))
		}
		if name[0] < 'a' || name[0] > 'z' {
			t.Fatalf("validateFlagName(%q) accepted leading %q", name, name[0])
		}
		for i := 0; i < len(name); i++ {
			c := name[i]
			if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' {
				t.Fatalf("validateFlagName(%q) accepted byte %q", name, c)
			}
		}
	})
}
