package credit

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/manash/jimeng/internal/provider"
)

type fakeLedger struct {
	credit     provider.Credit
	getErr     error
	receiveErr error
	received   int
}

func (f *fakeLedger) GetCredit(context.Context) (provider.Credit, error) {
	return f.credit, f.getErr
}

func (f *fakeLedger) ReceiveCredit(context.Context) (int, error) {
	f.received++
	return 66, f.receiveErr
}

func TestEnsure(t *testing.T) {
	tests := []struct {
		name        string
		ledger      *fakeLedger
		wantReceive int
		wantLog     string
	}{
		{"balance available", &fakeLedger{credit: provider.Credit{GiftCredit: 10}}, 0, ""},
		{"empty balance claims grant", &fakeLedger{}, 1, "daily grant received"},
		{"balance check fails", &fakeLedger{getErr: errors.New("net down")}, 0, "balance check failed"},
		{"grant fails", &fakeLedger{receiveErr: errors.New("already claimed")}, 1, "daily grant failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)

			Ensure(context.Background(), tt.ledger, logger)

			if tt.ledger.received != tt.wantReceive {
				t.Errorf("ReceiveCredit calls = %d, want %d", tt.ledger.received, tt.wantReceive)
			}
			if tt.wantLog != "" && !strings.Contains(buf.String(), tt.wantLog) {
				t.Errorf("log = %q, want %q", buf.String(), tt.wantLog)
			}
		})
	}
}
