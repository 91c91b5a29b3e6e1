package db

import (
	"context"
	"errors"
	"testing"
)

var eventColumns = []Column{
	{Name: "url", Type: "TEXT"},
	{Name: "calendar_url", Type: "TEXT"},
	{Name: "etag", Type: "TEXT"},
	{Name: "summary", Type: "TEXT"},
	{Name: "all_day", Type: "INTEGER"},
}

func setupTable(t *testing.T) *Table {
	t.Helper()
	db, cleanup := setupTestDB(t)
	t.Cleanup(cleanup)

	table, err := db.MirrorTable("events", eventColumns)
	if err != nil {
		t.Fatalf("failed to create mirror table: %v", err)
	}
	if err := table.EnsureIndex("calendar_url", "url"); err != nil {
		t.Fatalf("failed to create index: %v", err)
	}
	return table
}

func TestMirrorTableValidatesNames(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if _, err := db.MirrorTable("events; DROP TABLE x", nil); !errors.Is(err, ErrInvalidName) {
		t.Errorf("expected ErrInvalidName for table, got %v", err)
	}
	if _, err := db.MirrorTable("events", []Column{{Name: "bad-name"}}); !errors.Is(err, ErrInvalidName) {
		t.Errorf("expected ErrInvalidName for column, got %v", err)
	}
	if _, err := db.MirrorTable("events", []Column{{Name: "id"}}); !errors.Is(err, ErrInvalidName) {
		t.Errorf("expected ErrInvalidName for reserved id, got %v", err)
	}
}

func TestMirrorTableAddsColumns(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if _, err := db.MirrorTable("events", eventColumns[:2]); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	table, err := db.MirrorTable("events", eventColumns)
	if err != nil {
		t.Fatalf("widening failed: %v", err)
	}

	ctx := context.Background()
	if _, err := table.InsertRow(ctx, Row{"url": "/a.ics", "summary": "x"}); err != nil {
		t.Errorf("insert into widened table failed: %v", err)
	}
}

func TestTableRowLifecycle(t *testing.T) {
	table := setupTable(t)
	ctx := context.Background()

	id, err := table.InsertRow(ctx, Row{
		"url":          "/cal/work/a.ics",
		"calendar_url": "/cal/work/",
		"etag":         "e1",
		"summary":      "Standup",
		"all_day":      int64(0),
	})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if _, err := table.InsertRow(ctx, Row{"url": "/cal/home/b.ics", "calendar_url": "/cal/home/", "etag": "e9"}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	rows, err := table.GetRows(ctx, Filter{"calendar_url": "/cal/work/"})
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != id {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if rows[0].Fields["summary"] != "Standup" || rows[0].Fields["all_day"] != int64(0) {
		t.Errorf("unexpected fields %+v", rows[0].Fields)
	}

	if err := table.UpdateRow(ctx, Row{"etag": "e2", "summary": nil}, id); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	rows, _ = table.GetRows(ctx, Filter{"id": id})
	if rows[0].Fields["etag"] != "e2" || rows[0].Fields["summary"] != nil {
		t.Errorf("update not applied: %+v", rows[0].Fields)
	}

	if err := table.UpdateRow(ctx, Row{"etag": "x"}, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	n, err := table.DeleteRows(ctx, Filter{"calendar_url": "/cal/work/", "url": "/cal/work/a.ics", "etag": "e1"})
	if err != nil || n != 0 {
		t.Errorf("stale etag should delete nothing, got n=%d err=%v", n, err)
	}
	n, err = table.DeleteRows(ctx, Filter{"calendar_url": "/cal/work/", "url": "/cal/work/a.ics", "etag": "e2"})
	if err != nil || n != 1 {
		t.Errorf("expected one delete, got n=%d err=%v", n, err)
	}

	all, _ := table.GetRows(ctx, nil)
	if len(all) != 1 {
		t.Errorf("expected 1 remaining row, got %d", len(all))
	}
}

func TestTableRejectsUnknownColumns(t *testing.T) {
	table := setupTable(t)
	ctx := context.Background()

	if _, err := table.InsertRow(ctx, Row{"nope": "x"}); !errors.Is(err, ErrInvalidName) {
		t.Errorf("expected ErrInvalidName on insert, got %v", err)
	}
	if _, err := table.GetRows(ctx, Filter{"nope": "x"}); !errors.Is(err, ErrInvalidName) {
		t.Errorf("expected ErrInvalidName on filter, got %v", err)
	}
	if _, err := table.DeleteRows(ctx, Filter{}); err == nil {
		t.Error("expected unfiltered delete to be refused")
	}
}

func TestTableNullFilter(t *testing.T) {
	table := setupTable(t)
	ctx := context.Background()

	table.InsertRow(ctx, Row{"url": "/a.ics", "etag": nil})
	table.InsertRow(ctx, Row{"url": "/b.ics", "etag": "e"})

	rows, err := table.GetRows(ctx, Filter{"etag": nil})
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Fields["url"] != "/a.ics" {
		t.Errorf("unexpected rows %+v", rows)
	}
}
