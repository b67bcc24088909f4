package docstate

import "testing"

func TestApplyUpdateBuildsText(t *testing.T) {
	reg := NewRegistry(nil)

	f1 := EncodeInsertFrame(1, "peerA", 0, "", 'h')
	f2 := EncodeInsertFrame(2, "peerA", 1, "peerA", 'i')
	reg.ApplyUpdate("repo-7-a.ts", f1)
	reg.ApplyUpdate("repo-7-a.ts", f2)

	if got := reg.ReadText("repo-7-a.ts"); got != "hi" {
		t.Fatalf("expected %q, got %q", "hi", got)
	}
}

func TestApplyUpdateInvalidFrameIsSilentNoOp(t *testing.T) {
	reg := NewRegistry(nil)
	reg.ApplyUpdate("repo-7-a.ts", []byte{0xFF, 0x01, 0x02})

	info := reg.Info("repo-7-a.ts")
	if !info.Exists {
		t.Fatal("expected document to be created even on invalid frame")
	}
	if info.ContentLength != 0 {
		t.Fatalf("expected empty document, got length %d", info.ContentLength)
	}
}

func TestApplyUpdateEmptyFrameIsSilentNoOp(t *testing.T) {
	reg := NewRegistry(nil)
	reg.ApplyUpdate("repo-7-a.ts", nil)
	if reg.ReadText("repo-7-a.ts") != "" {
		t.Fatal("expected empty text after empty frame")
	}
}

func TestReadTextNoDocument(t *testing.T) {
	reg := NewRegistry(nil)
	if got := reg.ReadText("repo-9-x.ts"); got != "" {
		t.Fatalf("expected empty string for missing document, got %q", got)
	}
}

func TestEnsureIdempotent(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Ensure("repo-7-a.ts")
	reg.Ensure("repo-7-a.ts")
	if reg.Count() != 1 {
		t.Fatalf("expected exactly one document, got %d", reg.Count())
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Ensure("repo-7-a.ts")
	reg.Destroy("repo-7-a.ts")
	reg.Destroy("repo-7-a.ts") // must not panic

	if reg.Info("repo-7-a.ts").Exists {
		t.Fatal("expected document to be gone after destroy")
	}
}

func TestDestroyAll(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Ensure("repo-1-a.ts")
	reg.Ensure("repo-2-b.ts")
	reg.DestroyAll()
	if reg.Count() != 0 {
		t.Fatalf("expected 0 documents after DestroyAll, got %d", reg.Count())
	}
}

func TestDeleteFrameTombstones(t *testing.T) {
	reg := NewRegistry(nil)
	f1 := EncodeInsertFrame(1, "peerA", 0, "", 'x')
	reg.ApplyUpdate("repo-7-a.ts", f1)
	if reg.ReadText("repo-7-a.ts") != "x" {
		t.Fatal("expected 'x' before delete")
	}

	del := encodeDelete(nodeID{Seq: 1, Origin: "peerA"})
	reg.ApplyUpdate("repo-7-a.ts", del)
	if reg.ReadText("repo-7-a.ts") != "" {
		t.Fatal("expected empty text after delete")
	}
}

func TestStateSizeGrowsOnApply(t *testing.T) {
	reg := NewRegistry(nil)
	before := reg.Info("repo-7-a.ts").StateSize
	reg.ApplyUpdate("repo-7-a.ts", EncodeInsertFrame(1, "peerA", 0, "", 'x'))
	after := reg.Info("repo-7-a.ts").StateSize
	if after <= before {
		t.Fatalf("expected state size to grow, before=%d after=%d", before, after)
	}
}
