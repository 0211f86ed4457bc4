package logging

import (
	"strings"
	"testing"
)

func TestMaskPhone(t *testing.T) {
	masked := MaskPhone("+5511999999991")
	if strings.Contains(masked, "99999999") {
		t.Fatalf("expected middle digits masked, got %s", masked)
	}
	if !strings.HasPrefix(masked, "+551") {
		t.Fatalf("expected country prefix preserved, got %s", masked)
	}
	if !strings.HasSuffix(masked, "91") {
		t.Fatalf("expected last two digits preserved, got %s", masked)
	}
}

func TestMaskPhoneShort(t *testing.T) {
	if got := MaskPhone("123"); got != "***" {
		t.Fatalf("expected short input fully masked, got %s", got)
	}
}

func TestMaskPIIText(t *testing.T) {
	in := "cliente +5511988887777 escreveu de maria.silva@example.com"
	out := MaskPII(in)
	if strings.Contains(out, "988887777") {
		t.Fatalf("phone leaked: %s", out)
	}
	if strings.Contains(out, "maria.silva@example.com") {
		t.Fatalf("email leaked: %s", out)
	}
	if !strings.Contains(out, "***@***") {
		t.Fatalf("expected email placeholder, got %s", out)
	}
}
