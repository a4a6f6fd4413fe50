/*
Copyright 2024 Referral Payouts Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Whykay012/referral-payouts/internal/cache"
	"github.com/Whykay012/referral-payouts/model"
)

const referrerCacheKeyPrefix = "referrer:"

// CachedDataSource serves referrer reads from cache. Every other operation
// goes straight to the wrapped datasource.
type CachedDataSource struct {
	IDataSource
	cache cache.Cache
	ttl   time.Duration
}

func NewCachedDataSource(ds IDataSource, c cache.Cache, ttl time.Duration) *CachedDataSource {
	return &CachedDataSource{IDataSource: ds, cache: c, ttl: ttl}
}

func referrerCacheKey(referrerID string) string {
	return referrerCacheKeyPrefix + referrerID
}

func (d *CachedDataSource) GetReferrer(ctx context.Context, referrerID string) (*model.Referrer, error) {
	key := referrerCacheKey(referrerID)

	var cached model.Referrer
	err := d.cache.Get(ctx, key, &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		logrus.WithError(err).WithField("referrer_id", referrerID).Warn("referrer cache read failed")
	}

	referrer, err := d.IDataSource.GetReferrer(ctx, referrerID)
	if err != nil {
		return nil, err
	}
	if err := d.cache.Set(ctx, key, referrer, d.ttl); err != nil {
		logrus.WithError(err).WithField("referrer_id", referrerID).Warn("referrer cache write failed")
	}
	return referrer, nil
}

// CreditCommission changes the referrer's running total, so the cached copy
// is dropped once the credit commits.
func (d *CachedDataSource) CreditCommission(ctx context.Context, entry *model.CommissionLedgerEntry, event *model.OutboxEvent) error {
	if err := d.IDataSource.CreditCommission(ctx, entry, event); err != nil {
		return err
	}
	d.invalidate(ctx, entry.ReferrerID)
	return nil
}

func (d *CachedDataSource) UpsertReferrerPayoutAccount(ctx context.Context, referrer *model.Referrer) error {
	if err := d.IDataSource.UpsertReferrerPayoutAccount(ctx, referrer); err != nil {
		return err
	}
	d.invalidate(ctx, referrer.ReferrerID)
	return nil
}

func (d *CachedDataSource) invalidate(ctx context.Context, referrerID string) {
	if err := d.cache.Delete(ctx, referrerCacheKey(referrerID)); err != nil {
		logrus.WithError(err).WithField("referrer_id", referrerID).Warn("referrer cache invalidation failed")
	}
}
