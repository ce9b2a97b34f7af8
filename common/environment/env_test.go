package environment

import (
	"reflect"
	"testing"
)

func TestStringOr(t *testing.T) {
	t.Setenv("TEST_STRING_OR", "value")
	if got := StringOr("TEST_STRING_OR", "fallback"); got != "value" {
		t.Errorf("StringOr set = %q, want %q", got, "value")
	}
	if got := StringOr("TEST_STRING_OR_UNSET", "fallback"); got != "fallback" {
		t.Errorf("StringOr unset = %q, want %q", got, "fallback")
	}
}

func TestRequiredString(t *testing.T) {
	t.Setenv("TEST_REQUIRED", "present")
	v, err := RequiredString("TEST_REQUIRED")
	if err != nil {
		t.Fatalf("RequiredString set: %v", err)
	}
	if v != "present" {
		t.Errorf("RequiredString = %q, want %q", v, "present")
	}
	if _, err := RequiredString("TEST_REQUIRED_MISSING"); err == nil {
		t.Error("RequiredString missing: want error, got nil")
	}
}

func TestIntOr(t *testing.T) {
	t.Setenv("TEST_INT_OK", "42")
	t.Setenv("TEST_INT_BAD", "not-a-number")
	if got := IntOr("TEST_INT_OK", 7); got != 42 {
		t.Errorf("IntOr parseable = %d, want 42", got)
	}
	if got := IntOr("TEST_INT_BAD", 7); got != 7 {
		t.Errorf("IntOr unparseable = %d, want 7", got)
	}
	if got := IntOr("TEST_INT_UNSET", 7); got != 7 {
		t.Errorf("IntOr unset = %d, want 7", got)
	}
}

func TestFirstOr(t *testing.T) {
	t.Setenv("TEST_FIRST_B", "second")
	if got := FirstOr("dflt", "TEST_FIRST_A", "TEST_FIRST_B"); got != "second" {
		t.Errorf("FirstOr = %q, want %q", got, "second")
	}
	if got := FirstOr("dflt", "TEST_FIRST_A", "TEST_FIRST_C"); got != "dflt" {
		t.Errorf("FirstOr none set = %q, want %q", got, "dflt")
	}
}

func TestStringSliceOr(t *testing.T) {
	t.Setenv("TEST_SLICE", "a, b ,c,,")
	got := StringSliceOr("TEST_SLICE", nil)
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("StringSliceOr = %v, want %v", got, want)
	}
	def := []string{"x"}
	if got := StringSliceOr("TEST_SLICE_UNSET", def); !reflect.DeepEqual(got, def) {
		t.Errorf("StringSliceOr unset = %v, want %v", got, def)
	}
}
