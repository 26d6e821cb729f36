package policy

import (
	"testing"
	"time"
)

func TestBuilder_TracksTouchedFields(t *testing.T) {
	p := NewBuilder().Duration(time.Minute).Tags([]string{"a"}).Build("src", ContributionSet, time.Now(), nil, "")
	if !p.FieldsSet().Has(FieldDuration) || !p.FieldsSet().Has(FieldTags) {
		t.Fatal("expected Duration and Tags marked as set")
	}
	if p.FieldsSet().Has(FieldVersion) {
		t.Fatal("Version should not be marked set")
	}
	if len(p.Provenance) != 1 || p.Provenance[0].SourceID != "src" {
		t.Errorf("Provenance = %+v", p.Provenance)
	}
}

func TestMergePerField_HigherOverridesOnlyTouchedFields(t *testing.T) {
	low := NewBuilder().Duration(time.Minute).Tags([]string{"low-tag"}).Build("low", ContributionSet, time.Now(), nil, "")
	high := NewBuilder().Duration(time.Hour).Build("high", ContributionSet, time.Now(), nil, "")

	merged := MergePerField(low, high)
	if merged.Duration != time.Hour {
		t.Errorf("Duration = %v, want high's %v", merged.Duration, time.Hour)
	}
	if len(merged.Tags) != 1 || merged.Tags[0] != "low-tag" {
		t.Errorf("Tags = %v, want low's untouched [low-tag]", merged.Tags)
	}
	if len(merged.Provenance) != 2 {
		t.Errorf("Provenance len = %d, want 2", len(merged.Provenance))
	}
}

func TestMergePerField_NilLowOrHigh(t *testing.T) {
	p := NewBuilder().Duration(time.Minute).Build("s", ContributionSet, time.Now(), nil, "")
	if MergePerField(nil, p) != p {
		t.Error("MergePerField(nil, p) should return p")
	}
	if MergePerField(p, nil) != p {
		t.Error("MergePerField(p, nil) should return p")
	}
}

func TestMergePerField_DoesNotMutateInputs(t *testing.T) {
	low := NewBuilder().Tags([]string{"a", "b"}).Build("low", ContributionSet, time.Now(), nil, "")
	high := NewBuilder().Tags([]string{"c"}).Build("high", ContributionSet, time.Now(), nil, "")

	merged := MergePerField(low, high)
	merged.Tags[0] = "mutated"

	if low.Tags[0] != "a" {
		t.Error("mutating the merged result's Tags slice affected low's Tags")
	}
	if high.Tags[0] != "c" {
		t.Error("mutating the merged result's Tags slice affected high's Tags")
	}
}

func TestMergePerField_ThreeWayFold(t *testing.T) {
	a := NewBuilder().Duration(time.Minute).Build("attr", ContributionSet, time.Now(), nil, "")
	b := NewBuilder().Tags([]string{"fluent"}).Build("fluent", ContributionSet, time.Now(), nil, "")
	c := NewBuilder().Duration(time.Hour).Build("override", ContributionSet, time.Now(), nil, "")

	merged := MergePerField(MergePerField(a, b), c)
	if merged.Duration != time.Hour {
		t.Errorf("Duration = %v, want %v (highest priority wins)", merged.Duration, time.Hour)
	}
	if len(merged.Tags) != 1 || merged.Tags[0] != "fluent" {
		t.Errorf("Tags = %v, want [fluent] (untouched by c)", merged.Tags)
	}
	if len(merged.Provenance) != 3 {
		t.Errorf("Provenance len = %d, want 3", len(merged.Provenance))
	}
}
