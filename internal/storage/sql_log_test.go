package storage

import "testing"

func TestFormatSQLForLog(t *testing.T) {
	got := formatSQLForLog("SELECT * FROM t WHERE serial = ? AND seq > ?", "it's", 3)
	want := "SELECT * FROM t WHERE serial = 'it''s' AND seq > 3"
	if got != want {
		t.Fatalf("unexpected sql:\n got %s\nwant %s", got, want)
	}
	if got := formatSQLForLog("SELECT 1", nil); got != "SELECT 1 /* extra: NULL */" {
		t.Fatalf("unexpected trailing args rendering: %s", got)
	}
}
