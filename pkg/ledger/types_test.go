package ledger

import (
	"errors"
	"testing"
)

func TestNewUserID(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		input   string
		wantErr error
		wantVal string
	}{
		{name: "valid", input: " user-123 ", wantVal: "user-123"},
		{name: "empty", input: "   ", wantErr: ErrInvalidUserID},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result, err := NewUserID(tc.input)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected error %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.String() != tc.wantVal {
				t.Fatalf("expected %q, got %q", tc.wantVal, result.String())
			}
		})
	}
}

func TestParseCurrency(t *testing.T) {
	t.Parallel()
	currency, err := ParseCurrency(" usdc ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if currency != CurrencyUSDC {
		t.Fatalf("expected USDC, got %s", currency)
	}
	if _, err := ParseCurrency("BTC"); !errors.Is(err, ErrInvalidCurrency) {
		t.Fatalf("expected ErrInvalidCurrency, got %v", err)
	}
}

func TestParseAmount(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		currency Currency
		input    string
		want     Amount
		wantErr  error
	}{
		{name: "whole sol", currency: CurrencySOL, input: "5", want: 5_000_000_000},
		{name: "fractional sol", currency: CurrencySOL, input: "4.9", want: 4_900_000_000},
		{name: "one lamport", currency: CurrencySOL, input: "0.000000001", want: 1},
		{name: "usdc cents", currency: CurrencyUSDC, input: "12.34", want: 12_340_000},
		{name: "glory", currency: CurrencyGlory, input: "1500", want: 1500},
		{name: "glory fraction", currency: CurrencyGlory, input: "1.5", wantErr: ErrInvalidAmount},
		{name: "too precise usdc", currency: CurrencyUSDC, input: "0.0000001", wantErr: ErrInvalidAmount},
		{name: "zero", currency: CurrencySOL, input: "0", wantErr: ErrInvalidAmount},
		{name: "negative", currency: CurrencySOL, input: "-1", wantErr: ErrInvalidAmount},
		{name: "garbage", currency: CurrencySOL, input: "five", wantErr: ErrInvalidAmount},
		{name: "unknown currency", currency: Currency("DOGE"), input: "1", wantErr: ErrInvalidCurrency},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			amount, err := ParseAmount(tc.currency, tc.input)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected error %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if amount != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, amount)
			}
		})
	}
}

func TestFormatAmount(t *testing.T) {
	t.Parallel()
	if got := FormatAmount(CurrencySOL, 4_900_000_000); got != "4.9" {
		t.Fatalf("expected 4.9, got %s", got)
	}
	if got := FormatAmount(CurrencyGlory, -1500); got != "-1500" {
		t.Fatalf("expected -1500, got %s", got)
	}
	if got := FormatAmount(CurrencyUSDC, 1); got != "0.000001" {
		t.Fatalf("expected 0.000001, got %s", got)
	}
}

func TestNewEntryInputRejectsZeroDelta(t *testing.T) {
	t.Parallel()
	userID, _ := NewUserID("user-1")
	key, _ := NewIdempotencyKey("key-1")
	_, err := NewEntryInput(userID, CurrencyGlory, 0, ReasonGrant, nil, nil, key, MetadataJSON{}, 1)
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	_, err = NewEntryInput(userID, CurrencyGlory, 10, Reason("bonus"), nil, nil, key, MetadataJSON{}, 1)
	if !errors.Is(err, ErrInvalidReason) {
		t.Fatalf("expected ErrInvalidReason, got %v", err)
	}
}

func TestNewMetadataJSON(t *testing.T) {
	t.Parallel()
	meta, err := NewMetadataJSON("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.String() != "{}" {
		t.Fatalf("expected default metadata to be '{}', got %q", meta.String())
	}
	if _, err = NewMetadataJSON("not-json"); !errors.Is(err, ErrInvalidMetadataJSON) {
		t.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}
