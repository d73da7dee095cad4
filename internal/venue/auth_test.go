package venue

import (
	"math"
	"math/big"
	"testing"
)

func TestRoundDown(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		val      float64
		decimals int
		want     float64
	}{
		{"truncate 2 decimals", 1.2345, 2, 1.23},
		{"truncate 4 decimals", 0.55559, 4, 0.5555},
		{"exact value unchanged", 0.55, 2, 0.55},
		{"zero", 0.0, 2, 0.0},
		{"negative truncates toward zero", -1.239, 2, -1.23},
		{"high precision", 0.123456789, 6, 0.123456},
		{"whole number", 5.0, 2, 5.0},
		{"zero decimals", 3.99, 0, 3.0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := roundDown(tt.val, tt.decimals)
			if math.Abs(got-tt.want) > 1e-10 {
				t.Errorf("roundDown(%v, %d) = %v, want %v", tt.val, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestPriceToAmounts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		price   float64
		size    float64
		isBuy   bool
		wantMkr int64
		wantTkr int64
	}{
		{
			name:    "BUY at 0.50, size 100",
			price:   0.50,
			size:    100.0,
			isBuy:   true,
			wantMkr: 50_000_000,
			wantTkr: 100_000_000,
		},
		{
			name:    "SELL at 0.30, size 50",
			price:   0.30,
			size:    50.0,
			isBuy:   false,
			wantMkr: 50_000_000,
			wantTkr: 15_000_000,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mkr, tkr := priceToAmounts(tt.price, tt.size, tt.isBuy, 2)
			if mkr.Cmp(big.NewInt(tt.wantMkr)) != 0 {
				t.Errorf("makerAmount = %s, want %d", mkr, tt.wantMkr)
			}
			if tkr.Cmp(big.NewInt(tt.wantTkr)) != 0 {
				t.Errorf("takerAmount = %s, want %d", tkr, tt.wantTkr)
			}
		})
	}
}

func TestBuildHMAC_DeterministicForSameInputs(t *testing.T) {
	t.Parallel()

	a := &Auth{creds: Credentials{Secret: "c2VjcmV0LWJ5dGVz"}}

	sig1, err := a.buildHMAC("1700000000", "POST", "/orders", `{"a":1}`)
	if err != nil {
		t.Fatalf("buildHMAC: %v", err)
	}
	sig2, err := a.buildHMAC("1700000000", "POST", "/orders", `{"a":1}`)
	if err != nil {
		t.Fatalf("buildHMAC: %v", err)
	}
	if sig1 != sig2 {
		t.Fatalf("expected identical signatures for identical inputs, got %q and %q", sig1, sig2)
	}
}

func TestBuildHMAC_DiffersWithBody(t *testing.T) {
	t.Parallel()

	a := &Auth{creds: Credentials{Secret: "c2VjcmV0LWJ5dGVz"}}

	sig1, err := a.buildHMAC("1700000000", "POST", "/orders", `{"a":1}`)
	if err != nil {
		t.Fatalf("buildHMAC: %v", err)
	}
	sig2, err := a.buildHMAC("1700000000", "POST", "/orders", `{"a":2}`)
	if err != nil {
		t.Fatalf("buildHMAC: %v", err)
	}
	if sig1 == sig2 {
		t.Fatal("expected different signatures for different bodies")
	}
}

func TestHasL2Credentials(t *testing.T) {
	t.Parallel()

	incomplete := &Auth{creds: Credentials{ApiKey: "k"}}
	if incomplete.HasL2Credentials() {
		t.Fatal("expected false when secret/passphrase missing")
	}

	complete := &Auth{creds: Credentials{ApiKey: "k", Secret: "s", Passphrase: "p"}}
	if !complete.HasL2Credentials() {
		t.Fatal("expected true when all three fields set")
	}
}
