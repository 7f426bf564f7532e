package server

import "testing"

func TestTx_commitDiscardsLog(t *testing.T) {
	tx := newTx()
	v := 1
	tx.record(func() { v = 2 })
	tx.Commit()
	if v != 1 {
		t.Fatalf("commit should not run compensations, got v=%d", v)
	}
}

func TestTx_rollbackRunsInReverseOrder(t *testing.T) {
	tx := newTx()
	var order []int
	tx.record(func() { order = append(order, 1) })
	tx.record(func() { order = append(order, 2) })
	tx.record(func() { order = append(order, 3) })
	tx.Rollback(nil)
	want := []int{3, 2, 1}
	if len(order) != len(want) {
		t.Fatalf("got %v want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v want %v", order, want)
		}
	}
}

func TestTx_rollbackRestoresMapMutation(t *testing.T) {
	tx := newTx()
	m := map[string]int{"a": 1}
	mapPut(tx, m, "a", 2)
	mapPut(tx, m, "b", 3)
	tx.Rollback(nil)
	if m["a"] != 1 {
		t.Fatalf("expected a restored to 1, got %d", m["a"])
	}
	if _, ok := m["b"]; ok {
		t.Fatal("expected b removed on rollback")
	}
}

func TestTx_rollbackRestoresSliceAppend(t *testing.T) {
	tx := newTx()
	s := []int{1, 2}
	sliceAppend(tx, &s, 3)
	if len(s) != 3 {
		t.Fatalf("expected append to apply, got %v", s)
	}
	tx.Rollback(nil)
	if len(s) != 2 {
		t.Fatalf("expected rollback to truncate, got %v", s)
	}
}

func TestTx_compensationPanicIsRecovered(t *testing.T) {
	tx := newTx()
	tx.record(func() { panic("boom") })
	var recovered any
	tx.Rollback(func(r any) { recovered = r })
	if recovered == nil {
		t.Fatal("expected panic to be captured by onPanic")
	}
}

func TestComputeIfAbsent_rollbackRemovesNewEntry(t *testing.T) {
	tx := newTx()
	m := map[string]int{}
	v, created := computeIfAbsent(tx, m, "k", func() int { return 42 })
	if !created || v != 42 {
		t.Fatalf("expected created=true v=42, got %v %d", created, v)
	}
	tx.Rollback(nil)
	if _, ok := m["k"]; ok {
		t.Fatal("expected entry removed on rollback")
	}
}
