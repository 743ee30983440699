package fixedpoint

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Check tests ---

func TestCheck_Valid(t *testing.T) {
	for _, v := range []decimal.Decimal{d(0), d(0.000001), d(100), d(123.456789)} {
		if err := Check(v); err != nil {
			t.Errorf("Check(%s): unexpected error %v", v, err)
		}
	}
}

func TestCheck_Negative(t *testing.T) {
	if err := Check(d(-1)); !errors.Is(err, ErrNegative) {
		t.Errorf("expected ErrNegative, got %v", err)
	}
}

func TestCheck_Overflow(t *testing.T) {
	if err := Check(Max.Add(d(1))); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestCheck_PrecisionLoss(t *testing.T) {
	v := decimal.New(1, -7) // 0.0000001, one digit past Scale
	if err := Check(v); !errors.Is(err, ErrPrecisionLoss) {
		t.Errorf("expected ErrPrecisionLoss, got %v", err)
	}
}

// --- Arithmetic tests ---

func TestAdd(t *testing.T) {
	got, err := Add(d(1.5), d(2.25))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(3.75)) {
		t.Errorf("expected 3.75, got %s", got)
	}
}

func TestAdd_Overflow(t *testing.T) {
	if _, err := Add(Max, d(1)); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestSub_GoesNegative(t *testing.T) {
	if _, err := Sub(d(1), d(2)); !errors.Is(err, ErrNegative) {
		t.Errorf("expected ErrNegative, got %v", err)
	}
}

func TestSub_Exact(t *testing.T) {
	got, err := Sub(d(10), d(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected 0, got %s", got)
	}
}

func TestMul_TruncatesToScale(t *testing.T) {
	// 0.000123 * 0.000123 = 1.5129e-8, below Scale resolution.
	got, err := Mul(d(0.000123), d(0.000123))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected truncation to 0, got %s", got)
	}
}

func TestDiv_ByZero(t *testing.T) {
	if _, err := Div(d(1), d(0)); !errors.Is(err, ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestDiv_Truncates(t *testing.T) {
	// 1/3 = 0.333333...
	got, err := Div(d(1), d(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(0.333333)) {
		t.Errorf("expected 0.333333, got %s", got)
	}
}

func TestDiv_NegativeOperand(t *testing.T) {
	if _, err := Div(d(-1), d(3)); !errors.Is(err, ErrNegative) {
		t.Errorf("expected ErrNegative, got %v", err)
	}
}

// --- Sqrt tests ---

func TestSqrt_PerfectSquare(t *testing.T) {
	got, err := Sqrt(d(10000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(100)) {
		t.Errorf("expected 100, got %s", got)
	}
}

func TestSqrt_Fractional(t *testing.T) {
	got, err := Sqrt(d(2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(1.414213)) {
		t.Errorf("expected 1.414213, got %s", got)
	}
}

func TestSqrt_Zero(t *testing.T) {
	got, err := Sqrt(decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected 0, got %s", got)
	}
}

func TestSqrt_Negative(t *testing.T) {
	if _, err := Sqrt(d(-4)); !errors.Is(err, ErrNegative) {
		t.Errorf("expected ErrNegative, got %v", err)
	}
}

func TestSqrt_Deterministic(t *testing.T) {
	a, _ := Sqrt(d(12345.678901))
	b, _ := Sqrt(d(12345.678901))
	if !a.Equal(b) {
		t.Errorf("sqrt not deterministic: %s vs %s", a, b)
	}
}

// --- Pow tests ---

func TestPow(t *testing.T) {
	got, err := Pow(d(2), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(1024)) {
		t.Errorf("expected 1024, got %s", got)
	}
}

func TestPow_ZeroExponent(t *testing.T) {
	got, err := Pow(d(7), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(1)) {
		t.Errorf("expected 1, got %s", got)
	}
}
