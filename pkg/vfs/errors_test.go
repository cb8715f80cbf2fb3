package vfs_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/calvinalkan/vfs/pkg/vfs"
)

func Test_Error_Matches_Kind_Sentinel_When_Wrapped(t *testing.T) {
	t.Parallel()

	m := vfs.NewMemory()

	_, err := m.Open("/missing", vfs.ReadOnly())
	wrapped := fmt.Errorf("loading manifest: %w", err)

	if !errors.Is(wrapped, vfs.ErrNotFound) {
		t.Fatalf("errors.Is(wrapped, ErrNotFound)=false, err=%v", wrapped)
	}

	if errors.Is(wrapped, vfs.ErrAlreadyExists) {
		t.Fatalf("errors.Is(wrapped, ErrAlreadyExists)=true, want=false")
	}

	if got := vfs.KindOf(wrapped); got != vfs.KindNotFound {
		t.Fatalf("KindOf=%q, want=%q", got, vfs.KindNotFound)
	}

	var e *vfs.Error
	if !errors.As(wrapped, &e) {
		t.Fatalf("errors.As(*vfs.Error)=false")
	}

	if e.Op != "open" || e.Path != "/missing" || e.Offset != -1 || e.Length != -1 {
		t.Fatalf("Error=%+v, want op=open path=/missing off=-1 len=-1", *e)
	}
}

func Test_Error_Message_Includes_Range_When_Operation_Has_Offset(t *testing.T) {
	t.Parallel()

	m := vfs.NewMemory()
	f := mustCreate(t, m, "/f")

	_, err := f.WriteAt([]byte("abc"), -5)

	msg := err.Error()
	for _, want := range []string{"write", "/f", "off=-5", "len=3", "invalid path"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("Error()=%q, want it to contain %q", msg, want)
		}
	}
}

func Test_KindOf_Returns_UnexpectedFailure_When_Error_Is_Foreign(t *testing.T) {
	t.Parallel()

	if got := vfs.KindOf(errors.New("boom")); got != vfs.KindUnexpectedFailure {
		t.Fatalf("KindOf(foreign)=%q, want=%q", got, vfs.KindUnexpectedFailure)
	}

	if got := vfs.KindOf(vfs.ErrStorageFull); got != vfs.KindStorageFull {
		t.Fatalf("KindOf(sentinel)=%q, want=%q", got, vfs.KindStorageFull)
	}

	if vfs.IsKind(nil, vfs.KindUnexpectedFailure) {
		t.Fatal("IsKind(nil)=true, want=false")
	}
}

func Test_ParseKind_Accepts_Printed_And_Code_Spellings(t *testing.T) {
	t.Parallel()

	cases := map[string]vfs.Kind{
		"not found":         vfs.KindNotFound,
		"NotFound":          vfs.KindNotFound,
		"storage_full":      vfs.KindStorageFull,
		"would-block":       vfs.KindWouldBlock,
		"UnexpectedFailure": vfs.KindUnexpectedFailure,
		"permission denied": vfs.KindPermissionDenied,
		"ALREADY_EXISTS":    vfs.KindAlreadyExists,
		"invalidpath":       vfs.KindInvalidPath,
	}

	for in, want := range cases {
		got, err := vfs.ParseKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q)=(%q, %v), want=(%q, nil)", in, got, err, want)
		}

		if back, _ := vfs.ParseKind(got.String()); back != got {
			t.Fatalf("ParseKind(%q.String())=%q", got, back)
		}
	}

	if _, err := vfs.ParseKind("bogus"); err == nil {
		t.Fatal("ParseKind(bogus): err=nil, want error")
	}
}
