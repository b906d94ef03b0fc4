package codes

import (
	"testing"
	"time"
)

func TestIssueReturnsFourDigits(t *testing.T) {
	i := NewIssuer()
	code, err := i.Issue("skill-a")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if len(code) != 4 {
		t.Fatalf("expected 4-digit code, got %q", code)
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			t.Fatalf("non-digit in code %q", code)
		}
	}
}

func TestVerifyConsumesOnSuccess(t *testing.T) {
	i := NewIssuer()
	code, _ := i.Issue("skill-a")

	if !i.Verify("skill-a", code) {
		t.Fatal("first verification should succeed")
	}
	if i.Verify("skill-a", code) {
		t.Fatal("second verification should fail, code is single-use")
	}
}

func TestWrongCodeLeavesEntryValid(t *testing.T) {
	i := NewIssuer()
	code, _ := i.Issue("skill-a")

	wrong := "0000"
	if wrong == code {
		wrong = "0001"
	}
	if i.Verify("skill-a", wrong) {
		t.Fatal("wrong code should not verify")
	}
	if !i.Verify("skill-a", code) {
		t.Fatal("correct code should still verify after a failed attempt")
	}
}

func TestVerifyTrimsWhitespace(t *testing.T) {
	i := NewIssuer()
	code, _ := i.Issue("skill-a")

	if !i.Verify("skill-a", "  "+code+"\n") {
		t.Fatal("surrounding whitespace should be ignored")
	}
}

func TestVerifyUnknownSubject(t *testing.T) {
	i := NewIssuer()
	if i.Verify("never-issued", "1234") {
		t.Fatal("verification without issuance should fail")
	}
}

func TestExpiredCodeRejectedAndCleared(t *testing.T) {
	i := NewIssuer()
	code, _ := i.Issue("skill-a")

	orig := codeNow
	defer func() { codeNow = orig }()
	codeNow = func() time.Time { return orig().Add(TTL + time.Second) }

	if i.Verify("skill-a", code) {
		t.Fatal("expired code should not verify")
	}
	if i.Pending() != 0 {
		t.Fatalf("expired entry should be cleared, %d pending", i.Pending())
	}
}

func TestReissueReplacesCode(t *testing.T) {
	i := NewIssuer()
	first, _ := i.Issue("skill-a")
	second, _ := i.Issue("skill-a")

	if first != second && i.Verify("skill-a", first) {
		t.Fatal("stale code should not verify after reissue")
	}
	if first != second && !i.Verify("skill-a", second) {
		t.Fatal("latest code should verify")
	}
}

func TestPurgeExpired(t *testing.T) {
	i := NewIssuer()
	i.Issue("old-1")
	i.Issue("old-2")

	orig := codeNow
	defer func() { codeNow = orig }()
	codeNow = func() time.Time { return orig().Add(TTL + time.Second) }
	i.Issue("fresh") // issued with the shifted clock, still valid

	removed := i.PurgeExpired()
	if removed != 2 {
		t.Fatalf("expected 2 purged, got %d", removed)
	}
	if i.Pending() != 1 {
		t.Fatalf("expected 1 pending, got %d", i.Pending())
	}
}

func TestInvalidate(t *testing.T) {
	i := NewIssuer()
	code, _ := i.Issue("skill-a")
	i.Invalidate("skill-a")

	if i.Verify("skill-a", code) {
		t.Fatal("invalidated code should not verify")
	}
}
