package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAttributeSource_Snapshot(t *testing.T) {
	src := NewAttributeSource(map[MethodID]AttributeRecord{
		"Widgets.Get": {Duration: time.Minute, Tags: []string{"widgets"}},
	})
	if src.SourceID() != "Attribute" || src.Priority() != PriorityAttribute {
		t.Fatalf("SourceID/Priority = %s/%d", src.SourceID(), src.Priority())
	}
	snaps, err := src.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snaps) != 1 || snaps[0].MethodID != "Widgets.Get" {
		t.Fatalf("Snapshot = %+v", snaps)
	}
	if snaps[0].Policy.Duration != time.Minute {
		t.Errorf("Duration = %v, want 1m", snaps[0].Policy.Duration)
	}
}

func TestAttributeSource_WatchIsStatic(t *testing.T) {
	src := NewAttributeSource(nil)
	ch, err := src.Watch(context.Background())
	if err != nil || ch != nil {
		t.Fatalf("Watch = (%v, %v), want (nil, nil)", ch, err)
	}
}

func TestStartupFluentSource_Snapshot(t *testing.T) {
	p := NewBuilder().Duration(5 * time.Minute).Build("StartupFluent", ContributionSet, time.Now(), nil, "")
	src := NewStartupFluentSource([]FluentEntry{{MethodID: "Orders.List", Policy: p}})
	snaps, err := src.Snapshot(context.Background())
	if err != nil || len(snaps) != 1 || snaps[0].MethodID != "Orders.List" {
		t.Fatalf("Snapshot = %+v, err=%v", snaps, err)
	}
}

func TestConfigurationFilesSource_ParseAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.conf")
	write := func(content string) {
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	write("# comment\nOrders.List 00:05:00 orders,list FastHash 1 true\n")

	src := NewConfigurationFilesSource(path, 10*time.Millisecond)
	snaps, err := src.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("snaps = %+v", snaps)
	}
	p := snaps[0].Policy
	if p.Duration != 5*time.Minute {
		t.Errorf("Duration = %v, want 5m", p.Duration)
	}
	if len(p.Tags) != 2 || p.Tags[0] != "orders" || p.Tags[1] != "list" {
		t.Errorf("Tags = %v", p.Tags)
	}
	if p.KeyGeneratorKind != "FastHash" || p.Version != 1 || !p.RequireIdempotent {
		t.Errorf("policy = %+v", p)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := src.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	write("Orders.List 00:10:00 orders FastHash 2 false\n")

	select {
	case change := <-ch:
		if change.MethodID != "Orders.List" || change.Delta.Policy.Duration != 10*time.Minute {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change after file modification")
	}
}

func TestConfigurationFilesSource_MissingFile(t *testing.T) {
	src := NewConfigurationFilesSource("/does/not/exist.conf", time.Second)
	if _, err := src.Snapshot(context.Background()); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestRuntimeOverridesSource_ApplyRemoveClear(t *testing.T) {
	src := NewRuntimeOverridesSource()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := src.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	p := NewBuilder().Duration(time.Minute).Build("RuntimeOverrides", ContributionSet, time.Now(), nil, "")
	src.ApplyOverride("Orders.List", p)

	select {
	case change := <-ch:
		if change.Reason != Added || change.MethodID != "Orders.List" {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("expected Added change")
	}

	snaps, _ := src.Snapshot(context.Background())
	if len(snaps) != 1 {
		t.Fatalf("Snapshot = %+v", snaps)
	}

	src.RemoveOverride("Orders.List")
	select {
	case change := <-ch:
		if change.Reason != Removed {
			t.Errorf("change = %+v, want Removed", change)
		}
	case <-time.After(time.Second):
		t.Fatal("expected Removed change")
	}

	snaps, _ = src.Snapshot(context.Background())
	if len(snaps) != 0 {
		t.Fatalf("Snapshot after removal = %+v", snaps)
	}
}
