package types

import (
	"errors"
	"testing"
	"time"
)

func moversTable(t *testing.T) *Table {
	t.Helper()
	tbl := NewTable(
		Column{Name: "Symb", Type: TypeString},
		Column{Name: "%Chg", Type: TypeFloat},
		Column{Name: "date", Type: TypeTime},
		Column{Name: "type", Type: TypeString},
	)
	day := time.Date(2024, 9, 3, 0, 0, 0, 0, time.UTC)
	if err := tbl.Append(String("AAPL"), Float(3.5), Date(day), String("G")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := tbl.Append(String("TSLA"), Float(-2.25), Date(day), String("L")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	return tbl
}

func TestTable_AppendChecksArityAndType(t *testing.T) {
	tbl := NewTable(Column{Name: "id", Type: TypeInt}, Column{Name: "v", Type: TypeString})

	if err := tbl.Append(Int(1)); !errors.Is(err, ErrColumnCount) {
		t.Errorf("expected ErrColumnCount, got %v", err)
	}
	if err := tbl.Append(String("x"), String("a")); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("expected ErrTypeMismatch, got %v", err)
	}
	if err := tbl.Append(Int(1), Null()); err != nil {
		t.Errorf("null should be accepted by any column: %v", err)
	}
	if tbl.Len() != 1 {
		t.Errorf("got %d rows, want 1", tbl.Len())
	}
}

func TestTable_ResetIndexMovesIndexColumnsFirst(t *testing.T) {
	tbl := moversTable(t)
	if err := tbl.SetIndex("date", "type"); err != nil {
		t.Fatalf("SetIndex failed: %v", err)
	}
	if !tbl.HasNamedIndex() {
		t.Fatal("expected named index")
	}

	flat := tbl.ResetIndex()
	if flat.HasNamedIndex() {
		t.Error("reset table should not carry a named index")
	}
	want := []string{"date", "type", "Symb", "%Chg"}
	got := flat.ColumnNames()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("columns = %v, want %v", got, want)
		}
	}
	if flat.Get(1, "Symb").Str() != "TSLA" || flat.Get(1, "type").Str() != "L" {
		t.Errorf("row values not carried with their columns: %v", flat.Rows[1])
	}
	// the source table is not modified
	if tbl.Columns[0].Name != "Symb" {
		t.Error("ResetIndex mutated its receiver")
	}
}

func TestTable_ResetIndexWithoutIndexKeepsOrder(t *testing.T) {
	tbl := moversTable(t)
	flat := tbl.ResetIndex()
	if !flat.Equal(tbl) {
		t.Error("table without named index should be unchanged by ResetIndex")
	}
}

func TestTable_SetIndexUnknownColumn(t *testing.T) {
	tbl := moversTable(t)
	if err := tbl.SetIndex("nope"); !errors.Is(err, ErrUnknownColumn) {
		t.Errorf("expected ErrUnknownColumn, got %v", err)
	}
}

func TestConcat_UnionsColumns(t *testing.T) {
	a := NewTable(Column{Name: "id", Type: TypeInt}, Column{Name: "v", Type: TypeString})
	_ = a.Append(Int(1), String("a"))
	b := NewTable(Column{Name: "id", Type: TypeFloat}, Column{Name: "w", Type: TypeString})
	_ = b.Append(Float(2.5), String("z"))

	out, err := Concat(a, nil, b)
	if err != nil {
		t.Fatalf("Concat failed: %v", err)
	}
	if got := out.ColumnNames(); len(got) != 3 || got[2] != "w" {
		t.Fatalf("columns = %v", got)
	}
	if out.Columns[0].Type != TypeFloat {
		t.Errorf("id should widen to float, got %s", out.Columns[0].Type)
	}
	if !out.Get(0, "w").IsNull() || !out.Get(1, "v").IsNull() {
		t.Error("missing cells should be null")
	}
}

func TestConcat_TypeConflict(t *testing.T) {
	a := NewTable(Column{Name: "id", Type: TypeInt})
	b := NewTable(Column{Name: "id", Type: TypeString})
	if _, err := Concat(a, b); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("expected ErrTypeMismatch, got %v", err)
	}
}

func TestWidenColumns_ClashBecomesString(t *testing.T) {
	a := NewTable(Column{Name: "id", Type: TypeInt}, Column{Name: "shares", Type: TypeInt})
	b := NewTable(Column{Name: "id", Type: TypeFloat}, Column{Name: "shares", Type: TypeString})
	if err := a.Append(Int(1), Int(100)); err != nil {
		t.Fatal(err)
	}

	cols := WidenColumns(a.Columns, b.Columns)
	if cols[0].Type != TypeFloat {
		t.Errorf("id should widen to float, got %s", cols[0].Type)
	}
	if cols[1].Type != TypeString {
		t.Errorf("shares should widen to string, got %s", cols[1].Type)
	}

	got := a.Conform(cols)
	if v := got.Get(0, "shares"); v.Kind() != KindString || v.Str() != "100" {
		t.Errorf("shares cell = %v (%s), want string 100", v, v.Kind())
	}
	if v := got.Get(0, "id"); v.Kind() != KindInt {
		t.Errorf("id cell should stay int, got %s", v.Kind())
	}
}

func TestValue_KeyNormalizesNumbersAndTimes(t *testing.T) {
	tests := []struct {
		name  string
		a, b  Value
		equal bool
	}{
		{"int and integral float", Int(2), Float(2.0), true},
		{"int and fractional float", Int(2), Float(2.5), false},
		{"string vs int", String("2"), Int(2), false},
		{"times in different zones", Time(time.Date(2024, 9, 3, 12, 0, 0, 0, time.UTC)),
			Time(time.Date(2024, 9, 3, 8, 0, 0, 0, time.FixedZone("EDT", -4*3600))), true},
		{"null vs empty string", Null(), String(""), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b); got != tt.equal {
				t.Errorf("Equal = %v, want %v (%q vs %q)", got, tt.equal, tt.a.Key(), tt.b.Key())
			}
		})
	}
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue("2024-09-03", TypeTime)
	if err != nil {
		t.Fatalf("ParseValue failed: %v", err)
	}
	if v.Kind() != KindTime || v.String() != "2024-09-03" {
		t.Errorf("got %v (%s)", v, v.Kind())
	}

	if _, err := ParseValue("abc", TypeInt); err == nil {
		t.Error("expected error for non-numeric int")
	}
	if v, _ := ParseValue("", TypeFloat); !v.IsNull() {
		t.Error("empty text should parse as null")
	}
}

func TestSchema_Validate(t *testing.T) {
	ok := Schema{Columns: []ColumnDef{{Name: "date", Type: TypeTime}, {Name: "Symb", Type: TypeString}}}
	if err := ok.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	dup := Schema{Columns: []ColumnDef{{Name: "a", Type: TypeInt}, {Name: "a", Type: TypeInt}}}
	if err := dup.Validate(); err == nil {
		t.Error("expected duplicate column error")
	}
	bad := Schema{Columns: []ColumnDef{{Name: "a", Type: "decimal"}}}
	if err := bad.Validate(); err == nil {
		t.Error("expected unknown type error")
	}
	if err := (Schema{Default: "decimal"}).Validate(); err == nil {
		t.Error("expected unknown default type error")
	}
}

func TestSchema_TypeOfFallsBackToDefault(t *testing.T) {
	s := Schema{Columns: []ColumnDef{{Name: "%Chg", Type: TypeFloat}}, Default: TypeString}
	if typ, ok := s.TypeOf("%Chg"); !ok || typ != TypeFloat {
		t.Errorf("declared column: got %q, %v", typ, ok)
	}
	if typ, ok := s.TypeOf("Last"); !ok || typ != TypeString {
		t.Errorf("undeclared column: got %q, %v", typ, ok)
	}
	if _, ok := (Schema{}).TypeOf("Last"); ok {
		t.Error("schema without default should not type undeclared columns")
	}
}
