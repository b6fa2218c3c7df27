package fee

import (
	"errors"
	"math/big"
	"testing"
)

func TestCompute_ReferenceScenario(t *testing.T) {
	amount := big.NewInt(1_000_000)
	net, collected := Net(amount, 250)
	if collected.Cmp(big.NewInt(25_000)) != 0 {
		t.Fatalf("expected fee 25000, got %s", collected)
	}
	if net.Cmp(big.NewInt(975_000)) != 0 {
		t.Fatalf("expected net 975000, got %s", net)
	}
}

func TestCompute_Floors(t *testing.T) {
	cases := []struct {
		amount int64
		bps    uint32
		want   int64
	}{
		{amount: 399, bps: 250, want: 9},
		{amount: 1, bps: 9999, want: 0},
		{amount: 10000, bps: 1, want: 1},
		{amount: 0, bps: 250, want: 0},
		{amount: -50, bps: 250, want: 0},
		{amount: 100, bps: 0, want: 0},
	}
	for _, tc := range cases {
		got := Compute(big.NewInt(tc.amount), tc.bps)
		if got.Cmp(big.NewInt(tc.want)) != 0 {
			t.Errorf("Compute(%d, %d) = %s, want %d", tc.amount, tc.bps, got, tc.want)
		}
	}
}

func TestCompute_SaturatesAtPrincipal(t *testing.T) {
	amount := big.NewInt(500)
	got := Compute(amount, 25000)
	if got.Cmp(amount) != 0 {
		t.Fatalf("expected fee capped at %s, got %s", amount, got)
	}
	net, collected := Net(amount, 25000)
	if net.Sign() != 0 || collected.Cmp(amount) != 0 {
		t.Fatalf("unexpected net/fee: %s/%s", net, collected)
	}
}

func TestCompute_NearUpperBound(t *testing.T) {
	amount := MaxAmount()
	net, collected := Net(amount, 250)
	sum := new(big.Int).Add(net, collected)
	if sum.Cmp(amount) != 0 {
		t.Fatalf("fee + net != amount at max: %s + %s", collected, net)
	}
}

func TestSplit_RoundingLaw(t *testing.T) {
	for _, a := range []int64{0, 1, 2, 3, 999_999, 1_000_000, 1_000_001} {
		amount := big.NewInt(a)
		half, rest := Split(amount)
		if half.Cmp(big.NewInt(a/2)) != 0 {
			t.Errorf("Split(%d) half = %s, want %d", a, half, a/2)
		}
		if new(big.Int).Add(half, rest).Cmp(amount) != 0 {
			t.Errorf("Split(%d): %s + %s != amount", a, half, rest)
		}
		if rest.Cmp(half) < 0 {
			t.Errorf("Split(%d): odd unit must go to rest", a)
		}
	}
}

func TestParse(t *testing.T) {
	if v, err := Parse(" 1000000 "); err != nil || v.Int64() != 1_000_000 {
		t.Fatalf("parse: %v %v", v, err)
	}
	if _, err := Parse("12.5"); !errors.Is(err, ErrMalformedAmount) {
		t.Fatalf("expected ErrMalformedAmount, got %v", err)
	}
	if _, err := Parse(""); !errors.Is(err, ErrMalformedAmount) {
		t.Fatalf("expected ErrMalformedAmount for empty, got %v", err)
	}
	tooBig := new(big.Int).Add(MaxAmount(), big.NewInt(1))
	if _, err := Parse(tooBig.String()); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if _, err := Parse(MaxAmount().String()); err != nil {
		t.Fatalf("max amount should parse: %v", err)
	}
}

func TestPercent(t *testing.T) {
	if got := Percent(250); got != "2.5" {
		t.Fatalf("Percent(250) = %q", got)
	}
	if got := Percent(10000); got != "100" {
		t.Fatalf("Percent(10000) = %q", got)
	}
}
