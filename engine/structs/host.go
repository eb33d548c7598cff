// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "time"

// Zone is one zone known to this host, either configured through the API or
// discovered by the periodic discover task.
type Zone struct {
	Name  string `db:"name" json:"name"`
	Brand string `db:"brand" json:"brand"`
	State string `db:"state" json:"state"`

	// AutoDiscovered marks zones first seen by the discover task rather
	// than created through the API.
	AutoDiscovered bool `db:"auto_discovered" json:"auto_discovered"`

	// IsOrphaned marks zones the database knows about but the host no
	// longer reports.
	IsOrphaned bool `db:"is_orphaned" json:"is_orphaned"`

	LastSeen  time.Time `db:"last_seen" json:"last_seen"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ObservedZone is a zone as reported by the host tooling during discovery.
type ObservedZone struct {
	Name  string
	Brand string
	State string
}

// NetworkInterface is the monitoring row for one datalink, keyed by
// (host, link, class).
type NetworkInterface struct {
	Link  string `db:"link" json:"link"`
	Class string `db:"class" json:"class"`
	Over  string `db:"over" json:"over,omitempty"`
	Zone  string `db:"zone" json:"zone,omitempty"`
	MAC   string `db:"mac_address" json:"mac_address,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IPAddress is the monitoring row for one address object, keyed by
// (host, addrobj).
type IPAddress struct {
	AddrObj   string `db:"addrobj" json:"addrobj"`
	Interface string `db:"interface" json:"interface"`
	Type      string `db:"type" json:"type"`
	Address   string `db:"address" json:"address"`
	State     string `db:"state" json:"state"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
