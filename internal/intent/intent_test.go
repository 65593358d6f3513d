package intent

import (
	"strings"
	"testing"
)

func TestExtractAmountAndAsset(t *testing.T) {
	cases := []struct {
		goal   string
		amount int64
		asset  string
	}{
		{"send 500 QUBIC to my friend", 500, "QUBIC"},
		{"transfer 1000 QU now", 1000, "QUBIC"},
		{"swap 50 USDT for QUBIC", 50, "USDT"},
		{"buy 2 BTC", 2, "BTC"},
		{"stake 10 ETH", 10, "ETH"},
	}
	for _, tc := range cases {
		details := Extract(tc.goal)
		if !details.HasAmount {
			t.Fatalf("%q: amount not detected", tc.goal)
		}
		if details.Amount != tc.amount || details.Asset != tc.asset {
			t.Fatalf("%q: got %d %s, want %d %s", tc.goal, details.Amount, details.Asset, tc.amount, tc.asset)
		}
	}
}

func TestExtractAction(t *testing.T) {
	cases := map[string]string{
		"send 100 qubic to bob":     "send",
		"please pay the invoice":    "send",
		"withdraw everything":       "withdraw",
		"stake 500 QUBIC":           "stake",
		"swap tokens on the dex":    "swap",
		"add liquidity to the pool": "liquidity",
		"farm some yield":           "farm",
		"purchase a domain name":    "buy",
		"check my balance please":   ActionUnknown,
	}
	for goal, action := range cases {
		if got := Extract(goal).Action; got != action {
			t.Fatalf("%q: got action %s, want %s", goal, got, action)
		}
	}
}

func TestExtractDestination(t *testing.T) {
	address := strings.Repeat("A", 60)
	details := Extract("send 500 QUBIC to " + address)
	if details.Destination != address {
		t.Fatalf("destination not detected: %q", details.Destination)
	}

	if Extract("send 500 QUBIC to " + strings.Repeat("A", 40)).Destination != "" {
		t.Fatal("short address should not match")
	}
}

func TestRisk(t *testing.T) {
	cases := []struct {
		action    string
		amount    int64
		hasAmount bool
		want      RiskLevel
	}{
		{"send", 0, false, RiskLow},
		{"send", 1000, true, RiskHigh},
		{"stake", 5000, true, RiskHigh},
		{"swap", 600, true, RiskMedium},
		{"stake", 100, true, RiskLow},
	}
	for _, tc := range cases {
		if got := Risk(tc.action, tc.amount, tc.hasAmount); got != tc.want {
			t.Fatalf("Risk(%s, %d, %v) = %s, want %s", tc.action, tc.amount, tc.hasAmount, got, tc.want)
		}
	}
}

func TestDescribe(t *testing.T) {
	address := strings.Repeat("B", 60)
	details := Extract("send 500 QUBIC to " + address)
	desc := Describe(details)
	if !strings.Contains(desc, "Send 500 QUBIC") || !strings.Contains(desc, address[:20]) {
		t.Fatalf("unexpected description: %q", desc)
	}

	if got := Describe(Extract("check balance")); got != "Unknown transaction" {
		t.Fatalf("unexpected description: %q", got)
	}
}
