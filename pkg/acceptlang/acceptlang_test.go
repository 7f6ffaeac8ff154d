package acceptlang

import "testing"

func TestCollectDefaultWeight(t *testing.T) {
	items := Collect("en-US, fr")
	if len(items) != 2 {
		t.Fatalf("Collect() = %v, want 2 items", items)
	}
	if items[0].Tag != "en-us" || items[0].Rank.Weight != 1.0 {
		t.Fatalf("items[0] = %+v", items[0])
	}
	if items[1].Tag != "fr" || items[1].Rank.Weight != 1.0 {
		t.Fatalf("items[1] = %+v", items[1])
	}
}

func TestCollectExplicitWeights(t *testing.T) {
	items := Collect("da, en-gb;q=0.8, en;q=0.7")
	if len(items) != 3 {
		t.Fatalf("Collect() = %v, want 3 items", items)
	}
	if items[1].Rank.Weight != 0.8 {
		t.Fatalf("items[1].Rank.Weight = %v, want 0.8", items[1].Rank.Weight)
	}
	if items[2].Rank.Weight != 0.7 {
		t.Fatalf("items[2].Rank.Weight = %v, want 0.7", items[2].Rank.Weight)
	}
}

func TestWildcard(t *testing.T) {
	items := Collect("*;q=0.5")
	if len(items) != 1 || !items[0].Tag.IsWildcard() {
		t.Fatalf("Collect() = %v, want a wildcard item", items)
	}
}

func TestRankLessOrdersByWeightThenEarlierIndexWins(t *testing.T) {
	lower := Rank{Weight: 0.5, Index: 0}
	higher := Rank{Weight: 0.9, Index: 1}
	if !lower.Less(higher) {
		t.Fatal("lower weight should be Less")
	}
	earlier := Rank{Weight: 0.5, Index: 0}
	later := Rank{Weight: 0.5, Index: 1}
	if !later.Less(earlier) {
		t.Fatal("given equal weight, the later (higher index) item should be Less, so the earlier item wins ties")
	}
}

func TestInvalidInputTerminatesTheStream(t *testing.T) {
	it := New("en-US;q=2")
	if _, ok := it.Next(); ok {
		t.Fatal("q=2 is out of range and should fail to parse")
	}
	if _, ok := it.Next(); ok {
		t.Fatal("iterator must stay terminated after an invalid item")
	}
}

func TestFractionalDigitsLimitedToThree(t *testing.T) {
	items := Collect("en;q=0.123")
	if len(items) != 1 {
		t.Fatalf("Collect() = %v", items)
	}
	if items[0].Rank.Weight != 0.123 {
		t.Fatalf("Weight = %v, want 0.123", items[0].Rank.Weight)
	}
	if _, ok := New("en;q=0.1234").Next(); ok {
		t.Fatal("q=0.1234 should be invalid: at most 3 fractional digits are allowed")
	}
}

func TestQEqualsOneRequiresAllZeroFraction(t *testing.T) {
	if _, ok := New("en;q=1.001").Next(); ok {
		t.Fatal("q=1.001 should be invalid: fractional digits after q=1 must all be zero")
	}
	items := Collect("en;q=1.000")
	if len(items) != 1 || items[0].Rank.Weight != 1.0 {
		t.Fatalf("Collect() = %v, want a single item with weight 1.0", items)
	}
}

func TestEmptyHeaderYieldsNoItems(t *testing.T) {
	if items := Collect(""); len(items) != 0 {
		t.Fatalf("Collect(\"\") = %v, want empty", items)
	}
}

func TestParseChecksBCP47WellFormedness(t *testing.T) {
	it := New("en-US")
	item, ok := it.Next()
	if !ok {
		t.Fatal("expected an item")
	}
	if _, err := item.Tag.Parse(); err != nil {
		t.Fatalf("Parse() of a well-formed tag failed: %v", err)
	}
}
