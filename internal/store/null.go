// SPDX-License-Identifier: MIT

package store

import "context"

// NullStore is the stand-in when no database is configured. Every method
// reports ErrNotAvailable; callers log and continue on filesystem artifacts.
type NullStore struct{}

var _ Store = NullStore{}

func (NullStore) CreateAlertSafe(context.Context, Alert) (string, error) { return "", ErrNotAvailable }
func (NullStore) ResolveAlert(context.Context, string) error             { return ErrNotAvailable }
func (NullStore) ActiveAlerts(context.Context, string) ([]Alert, error)  { return nil, nil }
func (NullStore) ResolveAllForHost(context.Context, string) (int, error) { return 0, nil }
func (NullStore) RecordZapIteration(context.Context, ZapRecord) error    { return ErrNotAvailable }
func (NullStore) UpdateKPIResult(context.Context, KPIResult) error       { return ErrNotAvailable }
func (NullStore) Close() error                                           { return nil }
