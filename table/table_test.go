package table

import (
	"path/filepath"
	"testing"

	"tablestore/builder"
	"tablestore/dberr"
	"tablestore/internal/dictionary"
	"tablestore/internal/pager"
	"tablestore/schema"
)

// widgetSchema builds a five-column schema exercising every index kind: a
// primary key over column 0, a unique fixed-size secondary over column 2,
// and a duplicate-tolerant variable secondary over column 3.
func widgetSchema(t *testing.T, compressed bool) *schema.Schema {
	t.Helper()
	b := schema.NewBuilder("widgets", 1).
		Column("id", builder.Uint64).
		Column("name", builder.String).
		Column("slot", builder.Uint64).
		Column("category", builder.String).
		Column("payload", builder.Bytes).
		PrimaryKey(schema.ByColumnValueBytes(0)).
		SecondaryFixed("by_slot", schema.ByColumnValue(2)).
		SecondaryVariable("by_category", schema.ByColumnValueBytes(3))
	if compressed {
		b = b.Compressed()
	}
	s, err := b.Build()
	if err != nil {
		t.Fatalf("build schema: %v", err)
	}
	return s
}

func widgetRow(id uint64, name string, slot uint64, category string, payload []byte) builder.Row {
	return builder.Row{
		builder.Uint64Value(id),
		builder.StringValue(name),
		builder.Uint64Value(slot),
		builder.StringValue(category),
		builder.BytesValue(payload),
	}
}

func openTestPager(t *testing.T) (*pager.Pager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	p, err := pager.Open(path)
	if err != nil {
		t.Fatalf("pager.Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p, path
}

func openTestTable(t *testing.T, s *schema.Schema) *Table {
	t.Helper()
	p, _ := openTestPager(t)
	tbl, err := Open(p, dictionary.New(), s, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return tbl
}

func TestOpenCreatesThenValidatesSchema(t *testing.T) {
	p, path := openTestPager(t)
	s := widgetSchema(t, false)

	tbl, err := Open(p, dictionary.New(), s, false)
	if err != nil {
		t.Fatalf("Open (create): %v", err)
	}
	if _, err := tbl.Insert(widgetRow(1, "a", 1, "x", nil)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p2, err := pager.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()

	tbl2, err := Open(p2, dictionary.New(), s, false)
	if err != nil {
		t.Fatalf("Open (validate matching schema): %v", err)
	}
	row, ok, err := tbl2.ReadByKey(schema.ByColumnValueBytes(0)(widgetRow(1, "", 0, "", nil)))
	if err != nil || !ok {
		t.Fatalf("ReadByKey after reopen: row=%v ok=%v err=%v", row, ok, err)
	}

	mismatched := widgetSchema(t, true)
	if _, err := Open(p2, dictionary.New(), mismatched, false); err == nil {
		t.Fatalf("expected schema-mismatch error on reopen with a different schema")
	} else if dbErr, ok := err.(*dberr.DBError); !ok || dbErr.Code != dberr.CodeSchemaMismatch {
		t.Fatalf("expected CodeSchemaMismatch, got %#v", err)
	}
}

func TestReadOnlyRejectsMutation(t *testing.T) {
	p, path := openTestPager(t)
	s := widgetSchema(t, false)
	tbl, err := Open(p, dictionary.New(), s, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := tbl.Insert(widgetRow(1, "a", 1, "x", nil)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p2, err := pager.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()

	ro, err := Open(p2, dictionary.New(), s, true)
	if err != nil {
		t.Fatalf("Open read-only: %v", err)
	}

	if _, err := ro.Insert(widgetRow(2, "b", 2, "y", nil)); err == nil {
		t.Fatalf("expected Insert to fail against a read-only table")
	}
	if err := ro.Delete(0); err == nil {
		t.Fatalf("expected Delete to fail against a read-only table")
	}
	if _, err := ro.Update(0, widgetRow(1, "c", 1, "x", nil), false); err == nil {
		t.Fatalf("expected Update to fail against a read-only table")
	}

	row, ok, err := ro.ReadByKey(schema.ByColumnValueBytes(0)(widgetRow(1, "", 0, "", nil)))
	if err != nil || !ok || row[1].String() != "a" {
		t.Fatalf("read-only table should still serve reads: row=%v ok=%v err=%v", row, ok, err)
	}
}

func TestGetReportTracksEntryAndIndexCounts(t *testing.T) {
	tbl := openTestTable(t, widgetSchema(t, false))

	for i := uint64(0); i < 5; i++ {
		if _, err := tbl.Insert(widgetRow(i, "n", i, "cat", nil)); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	r := tbl.GetReport(true)
	if r.Entries != 5 {
		t.Errorf("Entries = %d, want 5", r.Entries)
	}
	if r.PrimaryKeys != 5 {
		t.Errorf("PrimaryKeys = %d, want 5", r.PrimaryKeys)
	}
	if r.SecondaryDetails["by_slot"] != 5 {
		t.Errorf("by_slot count = %d, want 5", r.SecondaryDetails["by_slot"])
	}
	if r.SecondaryDetails["by_category"] != 1 {
		t.Errorf("by_category distinct-key count = %d, want 1", r.SecondaryDetails["by_category"])
	}
}
