package xerrors

import (
	"errors"
	"io"
	"runtime"
	"strings"
	"testing"
)

var errSentinel = errors.New("sentinel")

func stackContains(pcs []uintptr, substr string) bool {
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if strings.Contains(fr.Function, substr) {
			return true
		}
		if !more {
			return false
		}
	}
}

func TestNew_MessageAndStack(t *testing.T) {
	err := New("boom")
	if err.Error() != "boom" {
		t.Fatalf("Error() = %q", err.Error())
	}

	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) {
		t.Fatal("New should carry a stack")
	}
	if !stackContains(hs.StackPCs(), "TestNew_MessageAndStack") {
		t.Fatal("stack should start at the caller")
	}
}

func TestNewf_WrapsVerb(t *testing.T) {
	err := Newf("reading rules: %w", io.ErrUnexpectedEOF)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatal("Newf should keep %w chain")
	}
	if err.Error() != "reading rules: unexpected EOF" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestWrap_NilPassthrough(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
	if Wrapf(nil, "x %d", 1) != nil {
		t.Fatal("Wrapf(nil) should be nil")
	}
	if WithStack(nil) != nil {
		t.Fatal("WithStack(nil) should be nil")
	}
	if EnsureTrace(nil) != nil {
		t.Fatal("EnsureTrace(nil) should be nil")
	}
}

func TestWrap_MessageAndPC(t *testing.T) {
	err := Wrapf(errSentinel, "store %s", "redis")
	if err.Error() != "store redis: sentinel" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, errSentinel) {
		t.Fatal("Wrapf should unwrap to sentinel")
	}

	var hp interface{ PC() uintptr }
	if !errors.As(err, &hp) || hp.PC() == 0 {
		t.Fatal("Wrapf should record a caller PC")
	}
	fn := runtime.FuncForPC(hp.PC())
	if fn == nil || !strings.Contains(fn.Name(), "TestWrap_MessageAndPC") {
		t.Fatalf("PC should point at the test, got %v", fn)
	}
}

func TestEnsureTrace_DoesNotDoubleStack(t *testing.T) {
	base := New("first")
	got := EnsureTrace(base)
	if got != base {
		t.Fatal("EnsureTrace should return the same error when a stack exists")
	}

	plain := EnsureTrace(errSentinel)
	var hs interface{ StackPCs() []uintptr }
	if !errors.As(plain, &hs) {
		t.Fatal("EnsureTrace should add a stack to a plain error")
	}
	if !errors.Is(plain, errSentinel) {
		t.Fatal("EnsureTrace should keep the chain")
	}
}
