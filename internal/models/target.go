package models

import (
	"fmt"
	"strings"
)

// BroadcastBSSID is used for synthesized placeholder targets.
const BroadcastBSSID = "FF:FF:FF:FF:FF:FF"

// Target is the selected network (access point) or device a job runs against.
// Identity is the BSSID for access points and IP+MAC for devices; ESSID and Hostname
// are display names and need not be unique.
type Target struct {
	BSSID    string            `json:"bssid,omitempty" yaml:"bssid" validate:"omitempty,mac"`
	ESSID    string            `json:"essid,omitempty" yaml:"essid" validate:"max=32"`
	Channel  int               `json:"channel" yaml:"channel" validate:"gte=0,lte=196"`
	IP       string            `json:"ip,omitempty" yaml:"ip" validate:"omitempty,ip"`
	MAC      string            `json:"mac,omitempty" yaml:"mac" validate:"omitempty,mac"`
	Hostname string            `json:"hostname,omitempty" yaml:"hostname"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata"`

	// Placeholder marks a synthesized target for kinds that need no real one.
	Placeholder bool `json:"placeholder,omitempty" yaml:"-"`
}

// IsZero reports whether no target was selected.
func (t Target) IsZero() bool {
	return t.BSSID == "" && t.IP == "" && t.MAC == "" && t.ESSID == "" && t.Hostname == ""
}

// Key returns the identity of the target: BSSID, or IP/MAC for device targets.
func (t Target) Key() string {
	if t.BSSID != "" {
		return strings.ToUpper(t.BSSID)
	}
	return fmt.Sprintf("%s/%s", t.IP, strings.ToUpper(t.MAC))
}

// DisplayName returns a human-readable label for the target.
func (t Target) DisplayName() string {
	switch {
	case t.ESSID != "":
		return t.ESSID
	case t.Hostname != "":
		return t.Hostname
	case t.BSSID != "":
		return "Hidden Network (" + t.BSSID + ")"
	case t.IP != "":
		return t.IP
	default:
		return "(no target)"
	}
}

// Clone returns a copy that shares no mutable state with t.
func (t Target) Clone() Target {
	c := t
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// PlaceholderTarget synthesizes a target for kinds that do not need one.
func PlaceholderTarget(kind Kind) Target {
	return Target{
		BSSID:       BroadcastBSSID,
		ESSID:       string(kind),
		Placeholder: true,
	}
}
