package vtree

import (
	"path/filepath"
	"testing"

	"tablestore/internal/pager"
)

func openTestPager(t *testing.T) *pager.Pager {
	t.Helper()
	p, err := pager.Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("pager.Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func val(n byte) []byte { return []byte{n, n, n, n, n, n, n, n} }

func TestPutGet(t *testing.T) {
	p := openTestPager(t)
	tr, err := Open(p, "primary", 1, 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := tr.Put([]byte("alpha"), val(1)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tr.Put([]byte("beta"), val(2)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := tr.Get([]byte("alpha"))
	if !ok {
		t.Fatalf("expected alpha present")
	}
	if string(got) != string(val(1)) {
		t.Errorf("alpha = %v, want %v", got, val(1))
	}

	if _, ok := tr.Get([]byte("missing")); ok {
		t.Errorf("expected missing key to be absent")
	}
}

func TestPutOverwritesExistingKey(t *testing.T) {
	p := openTestPager(t)
	tr, err := Open(p, "primary", 1, 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := tr.Put([]byte("k"), val(1)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tr.Put([]byte("k"), val(9)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if tr.Len() != 1 {
		t.Fatalf("expected 1 key after overwrite, got %d", tr.Len())
	}
	got, _ := tr.Get([]byte("k"))
	if string(got) != string(val(9)) {
		t.Errorf("k = %v, want %v", got, val(9))
	}
}

func TestDelete(t *testing.T) {
	p := openTestPager(t)
	tr, err := Open(p, "primary", 1, 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tr.Put([]byte("k"), val(1))

	if !tr.Delete([]byte("k")) {
		t.Fatalf("expected Delete to report true")
	}
	if tr.Delete([]byte("k")) {
		t.Fatalf("expected second Delete to report false")
	}
	if _, ok := tr.Get([]byte("k")); ok {
		t.Errorf("expected k absent after delete")
	}
}

func TestAscendOrderAndSkip(t *testing.T) {
	p := openTestPager(t)
	tr, err := Open(p, "primary", 1, 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	keys := []string{"a", "b", "c", "d"}
	for i, k := range keys {
		tr.Put([]byte(k), val(byte(i)))
	}

	var got []string
	tr.Ascend(nil, nil, 1, false, func(it Item) bool {
		got = append(got, string(it.Key))
		return true
	})
	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDescendExcludeStart(t *testing.T) {
	p := openTestPager(t)
	tr, err := Open(p, "primary", 1, 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i, k := range []string{"a", "b", "c"} {
		tr.Put([]byte(k), val(byte(i)))
	}

	var got []string
	tr.Descend([]byte("c"), nil, 0, true, func(it Item) bool {
		got = append(got, string(it.Key))
		return true
	})
	if len(got) != 2 || got[0] != "b" || got[1] != "a" {
		t.Errorf("got %v, want [b a]", got)
	}
}

func TestPrefixFilter(t *testing.T) {
	p := openTestPager(t)
	tr, err := Open(p, "primary", 1, 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i, k := range []string{"app", "apple", "banana", "apricot"} {
		tr.Put([]byte(k), val(byte(i)))
	}

	var got []string
	tr.Ascend(nil, []byte("ap"), 0, false, func(it Item) bool {
		got = append(got, string(it.Key))
		return true
	})
	want := map[string]bool{"app": true, "apple": true, "apricot": true}
	if len(got) != len(want) {
		t.Fatalf("got %v, want keys with prefix 'ap'", got)
	}
	for _, k := range got {
		if !want[k] {
			t.Errorf("unexpected key %q in prefix scan", k)
		}
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.db")

	p, err := pager.Open(path)
	if err != nil {
		t.Fatalf("pager.Open: %v", err)
	}
	tr, err := Open(p, "primary", 1, 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	tr.Put([]byte("k"), val(7))
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p2, err := pager.Open(path)
	if err != nil {
		t.Fatalf("reopen pager: %v", err)
	}
	defer p2.Close()
	tr2, err := Open(p2, "primary", 1, 8)
	if err != nil {
		t.Fatalf("reopen tree: %v", err)
	}
	got, ok := tr2.Get([]byte("k"))
	if !ok {
		t.Fatalf("expected k to survive reopen")
	}
	if string(got) != string(val(7)) {
		t.Errorf("k = %v, want %v", got, val(7))
	}
}

func TestCreateAndOpenAtNestedTree(t *testing.T) {
	p := openTestPager(t)

	nested, err := Create(p, 1, 8)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	nested.Put([]byte("nested-key"), val(3))
	root := nested.RootPage()

	reopened, err := OpenAt(p, root, 8)
	if err != nil {
		t.Fatalf("OpenAt: %v", err)
	}
	got, ok := reopened.Get([]byte("nested-key"))
	if !ok {
		t.Fatalf("expected nested-key to survive OpenAt")
	}
	if string(got) != string(val(3)) {
		t.Errorf("got %v, want %v", got, val(3))
	}
}

func TestManyEntriesSpanMultipleLeafPages(t *testing.T) {
	p := openTestPager(t)
	tr, err := Open(p, "primary", 1, 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	const n = 2000
	for i := 0; i < n; i++ {
		key := []byte{byte(i >> 8), byte(i)}
		if err := tr.Put(key, val(byte(i))); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	if tr.Len() != n {
		t.Fatalf("Len() = %d, want %d", tr.Len(), n)
	}
	if len(tr.leafPages) < 2 {
		t.Errorf("expected entries to span multiple leaf pages, used %d", len(tr.leafPages))
	}
}
