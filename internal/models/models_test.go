package models

import (
	"errors"
	"testing"
)

func TestAttackRecordValidate(t *testing.T) {
	tests := []struct {
		name    string
		record  AttackRecord
		wantErr error
	}{
		{"empty record", AttackRecord{}, nil},
		{"full record", AttackRecord{SourceIP: "203.0.113.5", SourcePort: 51000, DestinationPort: 22, Severity: 7}, nil},
		{"ipv6 source", AttackRecord{SourceIP: "2001:db8::1"}, nil},
		{"severity too high", AttackRecord{Severity: 11}, ErrInvalidSeverity},
		{"severity negative", AttackRecord{Severity: -1}, ErrInvalidSeverity},
		{"port too high", AttackRecord{DestinationPort: 70000}, ErrInvalidPort},
		{"negative port", AttackRecord{SourcePort: -5}, ErrInvalidPort},
		{"bad ip", AttackRecord{SourceIP: "not-an-ip"}, ErrInvalidIP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.record.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEffectiveBodySize(t *testing.T) {
	if got := (AttackRecord{Body: "abcd"}).EffectiveBodySize(); got != 4 {
		t.Errorf("Expected 4, got %d", got)
	}
	if got := (AttackRecord{Body: "abcd", BodySize: 100}).EffectiveBodySize(); got != 100 {
		t.Errorf("Expected 100, got %d", got)
	}
}

func TestLabel(t *testing.T) {
	if got := (AttackRecord{}).Label(); got != UnknownAttackType {
		t.Errorf("Expected %q, got %q", UnknownAttackType, got)
	}
	if got := (AttackRecord{AttackType: "xss"}).Label(); got != "xss" {
		t.Errorf("Expected xss, got %q", got)
	}
}
