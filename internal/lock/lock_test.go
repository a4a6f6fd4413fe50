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

package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocker_Lock_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, CommissionKey("ORD-1"), "owner-a")

	mock.ExpectSetNX("payouts:lock:commission:ORD-1", "owner-a", 30*time.Second).SetVal(true)

	err := locker.Lock(context.Background(), 30*time.Second)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Lock_AlreadyHeld(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, CommissionKey("ORD-1"), "owner-b")

	mock.ExpectSetNX("payouts:lock:commission:ORD-1", "owner-b", 30*time.Second).SetVal(false)

	err := locker.Lock(context.Background(), 30*time.Second)
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.EqualError(t, err, "lock is already held: payouts:lock:commission:ORD-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Lock_RedisError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "k", "v")

	mock.ExpectSetNX("k", "v", time.Second).SetErr(errors.New("connection refused"))

	err := locker.Lock(context.Background(), time.Second)
	assert.EqualError(t, err, "connection refused")
	assert.False(t, errors.Is(err, ErrLockHeld))
}

func TestLocker_Unlock_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "k", "v")

	mock.ExpectEval(releaseScript, []string{"k"}, "v").SetVal(int64(1))

	assert.NoError(t, locker.Unlock(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Unlock_NotHolder(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "k", "v")

	mock.ExpectEval(releaseScript, []string{"k"}, "v").SetVal(int64(0))

	err := locker.Unlock(context.Background())
	assert.ErrorIs(t, err, ErrNotHolder)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_ExpiresWithoutUnlock(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	first := ForCommission(client, "ORD-9")
	second := ForCommission(client, "ORD-9")

	require.NoError(t, first.Lock(context.Background(), 5*time.Second))
	assert.ErrorIs(t, second.Lock(context.Background(), 5*time.Second), ErrLockHeld)
	assert.ErrorIs(t, second.Unlock(context.Background()), ErrNotHolder)

	mr.FastForward(6 * time.Second)

	assert.NoError(t, second.Lock(context.Background(), 5*time.Second))
	assert.NoError(t, second.Unlock(context.Background()))
}
