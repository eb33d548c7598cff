// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openzoned/zoned/engine/structs"
)

func (s *SQLStateDB) UpsertZone(ctx context.Context, zone *structs.Zone) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO zones (name, brand, state, auto_discovered, is_orphaned, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			brand = excluded.brand,
			state = excluded.state,
			is_orphaned = excluded.is_orphaned,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at`,
		zone.Name, zone.Brand, zone.State, zone.AutoDiscovered, zone.IsOrphaned,
		zone.LastSeen.UTC(), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert zone %s: %w", zone.Name, err)
	}
	return nil
}

func (s *SQLStateDB) GetZone(ctx context.Context, name string) (*structs.Zone, error) {
	var zone structs.Zone
	err := s.db.GetContext(ctx, &zone, `SELECT * FROM zones WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, structs.ErrZoneNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get zone %s: %w", name, err)
	}
	return &zone, nil
}

func (s *SQLStateDB) ListZones(ctx context.Context) ([]*structs.Zone, error) {
	zones := []*structs.Zone{}
	if err := s.db.SelectContext(ctx, &zones, `SELECT * FROM zones ORDER BY name`); err != nil {
		return nil, fmt.Errorf("failed to list zones: %w", err)
	}
	return zones, nil
}

func (s *SQLStateDB) MarkZoneOrphaned(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE zones SET is_orphaned = 1, updated_at = ? WHERE name = ?`,
		s.now(), name)
	if err != nil {
		return fmt.Errorf("failed to mark zone %s orphaned: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return structs.ErrZoneNotFound
	}
	return nil
}

func (s *SQLStateDB) DeleteZone(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM zones WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete zone %s: %w", name, err)
	}
	return nil
}

func (s *SQLStateDB) UpsertNetworkInterface(ctx context.Context, iface *structs.NetworkInterface) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO network_interfaces (link, class, over, zone, mac_address, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(link) DO UPDATE SET
			class = excluded.class,
			over = excluded.over,
			zone = excluded.zone,
			mac_address = excluded.mac_address,
			updated_at = excluded.updated_at`,
		iface.Link, iface.Class, iface.Over, iface.Zone, iface.MAC, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert network interface %s: %w", iface.Link, err)
	}
	return nil
}

func (s *SQLStateDB) DeleteNetworkInterface(ctx context.Context, link string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM network_interfaces WHERE link = ?`, link); err != nil {
		return fmt.Errorf("failed to delete network interface %s: %w", link, err)
	}
	return nil
}

func (s *SQLStateDB) DeleteNetworkInterfacesByZone(ctx context.Context, zone string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM network_interfaces WHERE zone = ?`, zone); err != nil {
		return fmt.Errorf("failed to delete network interfaces for zone %s: %w", zone, err)
	}
	return nil
}

func (s *SQLStateDB) InsertNetworkUsage(ctx context.Context, link string, rxBytes, txBytes int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO network_usage (link, rx_bytes, tx_bytes, collected_at)
		VALUES (?, ?, ?, ?)`,
		link, rxBytes, txBytes, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert network usage for %s: %w", link, err)
	}
	return nil
}

func (s *SQLStateDB) DeleteNetworkUsageByLinkPrefix(ctx context.Context, prefix string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM network_usage WHERE link LIKE ? ESCAPE '\'`,
		escapeLike(prefix)+"%")
	if err != nil {
		return 0, fmt.Errorf("failed to delete network usage with prefix %s: %w", prefix, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStateDB) UpsertIPAddress(ctx context.Context, addr *structs.IPAddress) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ip_addresses (addrobj, interface, type, address, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(addrobj) DO UPDATE SET
			interface = excluded.interface,
			type = excluded.type,
			address = excluded.address,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		addr.AddrObj, addr.Interface, addr.Type, addr.Address, addr.State, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert ip address %s: %w", addr.AddrObj, err)
	}
	return nil
}

func (s *SQLStateDB) DeleteIPAddress(ctx context.Context, addrobj string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ip_addresses WHERE addrobj = ?`, addrobj); err != nil {
		return fmt.Errorf("failed to delete ip address %s: %w", addrobj, err)
	}
	return nil
}

func (s *SQLStateDB) DeleteIPAddressesByInterfacePrefix(ctx context.Context, prefix string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM ip_addresses WHERE interface LIKE ? ESCAPE '\'`,
		escapeLike(prefix)+"%")
	if err != nil {
		return 0, fmt.Errorf("failed to delete ip addresses with prefix %s: %w", prefix, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// escapeLike escapes LIKE metacharacters so prefixes containing them match
// literally.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
