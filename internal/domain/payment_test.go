package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestPayRecord_Validate(t *testing.T) {
	tests := []struct {
		name     string
		record   *PayRecord
		errCount int
	}{
		{
			name: "valid record",
			record: &PayRecord{
				ChargeID:    "pi_123",
				UserRef:     "u1",
				OrderIDs:    []string{"order-1"},
				AmountMinor: 6500,
				Currency:    "usd",
				CartItems:   []json.RawMessage{json.RawMessage(`{"id":"a"}`)},
				Status:      PayRecordPending,
				CreatedAt:   time.Now(),
			},
			errCount: 0,
		},
		{
			name: "missing charge",
			record: &PayRecord{
				UserRef:     "u1",
				AmountMinor: 100,
				Status:      PayRecordSucceeded,
			},
			errCount: 1,
		},
		{
			name: "unknown status and zero amount",
			record: &PayRecord{
				ChargeID: "pi_1",
				UserRef:  "u1",
				Status:   "refunded",
			},
			errCount: 2,
		},
		{
			name:     "empty record",
			record:   &PayRecord{},
			errCount: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := tt.record.Validate()
			if len(errs) != tt.errCount {
				t.Errorf("Validate() returned %d errors, want %d: %v", len(errs), tt.errCount, errs)
			}
		})
	}
}

func TestPayRecordStatus_Valid(t *testing.T) {
	for _, status := range []PayRecordStatus{PayRecordPending, PayRecordSucceeded, PayRecordFailed} {
		if !status.Valid() {
			t.Errorf("status %q must be valid", status)
		}
	}
	if PayRecordStatus("captured").Valid() {
		t.Error("unknown status must be invalid")
	}
}
