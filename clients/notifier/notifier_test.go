package notifier

import (
	"errors"
	"strings"
	"testing"
)

// mockNotifier is a test helper that implements Notifier interface
type mockNotifier struct {
	alerts      []CopyTradeAlert
	closeErr    error
	closeCalled bool
}

func (m *mockNotifier) SendCopyTradeAlert(alert CopyTradeAlert) {
	m.alerts = append(m.alerts, alert)
}

func (m *mockNotifier) Close() error {
	m.closeCalled = true
	return m.closeErr
}

func TestNewMultiNotifier_FiltersNil(t *testing.T) {
	mock1 := &mockNotifier{}
	mock2 := &mockNotifier{}

	mn := NewMultiNotifier(mock1, nil, mock2, nil)

	if mn.Count() != 2 {
		t.Errorf("expected 2 notifiers, got %d", mn.Count())
	}
}

func TestNewMultiNotifier_Empty(t *testing.T) {
	mn := NewMultiNotifier()

	if mn.Count() != 0 {
		t.Errorf("expected 0 notifiers, got %d", mn.Count())
	}

	// Should not panic
	mn.SendCopyTradeAlert(CopyTradeAlert{Kind: AlertOpened})
}

func TestMultiNotifier_SendCopyTradeAlert(t *testing.T) {
	mock1 := &mockNotifier{}
	mock2 := &mockNotifier{}

	mn := NewMultiNotifier(mock1, mock2)

	mn.SendCopyTradeAlert(CopyTradeAlert{
		Kind:        AlertOpened,
		Chain:       "base",
		Symbol:      "PEPE",
		PositionUSD: 130,
	})

	if len(mock1.alerts) != 1 || len(mock2.alerts) != 1 {
		t.Fatalf("expected each notifier to get 1 alert, got %d and %d", len(mock1.alerts), len(mock2.alerts))
	}
	if mock1.alerts[0].Symbol != "PEPE" {
		t.Errorf("expected Symbol 'PEPE', got %s", mock1.alerts[0].Symbol)
	}
}

func TestMultiNotifier_Close_WithError(t *testing.T) {
	expectedErr := errors.New("close error")
	mock1 := &mockNotifier{closeErr: expectedErr}
	mock2 := &mockNotifier{}

	mn := NewMultiNotifier(mock1, mock2)

	if err := mn.Close(); err != expectedErr {
		t.Errorf("expected error %v, got %v", expectedErr, err)
	}
	if !mock1.closeCalled || !mock2.closeCalled {
		t.Error("expected every notifier to be closed")
	}
}

func TestCopyTradeAlert_Title(t *testing.T) {
	tests := []struct {
		alert    CopyTradeAlert
		contains []string
	}{
		{CopyTradeAlert{Kind: AlertOpened, Symbol: "PEPE", Chain: "base"}, []string{"Copy opened", "PEPE", "base"}},
		{CopyTradeAlert{Kind: AlertClosed, Reason: "liquidity_rug", Symbol: "PEPE", Chain: "base"}, []string{"Closed", "liquidity_rug"}},
		{CopyTradeAlert{Kind: AlertSkipped, Reason: "rugged_before", Token: "0x1234567890abcdef1234567890abcdef12345678", Chain: "bsc"}, []string{"rugged_before", "0x1234…5678"}},
		{CopyTradeAlert{Kind: AlertRugDetected, Symbol: "X", Chain: "base"}, []string{"Liquidity rug"}},
	}

	for _, tt := range tests {
		title := tt.alert.Title()
		for _, want := range tt.contains {
			if !strings.Contains(title, want) {
				t.Errorf("title %q missing %q", title, want)
			}
		}
	}
}

func TestFormatUSD(t *testing.T) {
	tests := []struct {
		value    float64
		expected string
	}{
		{0, "$0.00"},
		{130, "$130.00"},
		{1234.5, "$1,234.50"},
		{1234567.891, "$1,234,567.89"},
		{-42.1, "-$42.10"},
	}

	for _, tt := range tests {
		if got := FormatUSD(tt.value); got != tt.expected {
			t.Errorf("FormatUSD(%v) = %s, want %s", tt.value, got, tt.expected)
		}
	}
}

func TestFormatPrice(t *testing.T) {
	if got := FormatPrice(0.001); got != "$0.001000" {
		t.Errorf("unexpected price format: %s", got)
	}
	if got := FormatPrice(0.00000123); !strings.HasPrefix(got, "$1.2300e-06") {
		t.Errorf("unexpected small price format: %s", got)
	}
	if got := FormatPrice(0); got != "$0" {
		t.Errorf("unexpected zero format: %s", got)
	}
}
