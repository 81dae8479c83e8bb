// Package models defines the core data structures for honeyclass.
// Records are passed by value; nothing in the pipeline mutates a caller's record.
package models

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Service types reported by the honeypot sensors.
const (
	ServiceSSH  = "ssh"
	ServiceHTTP = "http"
	ServiceFTP  = "ftp"
)

// UnknownAttackType labels records with no ground truth and failed predictions.
const UnknownAttackType = "unknown"

// Severity bounds. Zero means the sensor did not assign one.
const (
	MinSeverity = 1
	MaxSeverity = 10
)

// AttackRecord is one observed intrusion attempt.
type AttackRecord struct {
	Timestamp       time.Time `json:"timestamp"`
	SourceIP        string    `json:"source_ip"`
	SourcePort      int       `json:"source_port,omitempty"`
	DestinationPort int       `json:"destination_port,omitempty"`
	ServiceType     string    `json:"service_type"`

	// Payload fields, all optional.
	Command     string `json:"command,omitempty"`
	Path        string `json:"path,omitempty"`
	QueryString string `json:"query_string,omitempty"`
	Body        string `json:"body,omitempty"`
	BodySize    int    `json:"body_size,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`

	Severity   int    `json:"severity,omitempty"`
	AttackType string `json:"attack_type,omitempty"`
}

// Validation errors
var (
	ErrInvalidSeverity = errors.New("severity must be between 1 and 10")
	ErrInvalidPort     = errors.New("port must be between 0 and 65535")
	ErrInvalidIP       = errors.New("invalid source ip")
)

// Validate checks field ranges. Absent optional fields are valid.
func (r AttackRecord) Validate() error {
	if r.Severity != 0 && (r.Severity < MinSeverity || r.Severity > MaxSeverity) {
		return fmt.Errorf("%w: got %d", ErrInvalidSeverity, r.Severity)
	}
	if r.SourcePort < 0 || r.SourcePort > 65535 {
		return fmt.Errorf("%w: source_port %d", ErrInvalidPort, r.SourcePort)
	}
	if r.DestinationPort < 0 || r.DestinationPort > 65535 {
		return fmt.Errorf("%w: destination_port %d", ErrInvalidPort, r.DestinationPort)
	}
	if r.SourceIP != "" && net.ParseIP(r.SourceIP) == nil {
		return fmt.Errorf("%w: %q", ErrInvalidIP, r.SourceIP)
	}
	if r.BodySize < 0 {
		return fmt.Errorf("body_size %d is negative", r.BodySize)
	}
	return nil
}

// EffectiveBodySize returns BodySize, or the byte length of Body when unset.
func (r AttackRecord) EffectiveBodySize() int {
	if r.BodySize > 0 {
		return r.BodySize
	}
	return len(r.Body)
}

// Label returns the ground-truth attack type, or UnknownAttackType when absent.
func (r AttackRecord) Label() string {
	if r.AttackType == "" {
		return UnknownAttackType
	}
	return r.AttackType
}
