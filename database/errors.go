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
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	pkgerrors "github.com/pkg/errors"

	"github.com/Whykay012/referral-payouts/internal/payerr"
)

// ErrCommissionExists is returned by CreditCommission when the order was
// already credited by a concurrent request.
var ErrCommissionExists = errors.New("commission already credited for order")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// storageErr tags a database failure as transient. Contention, lost
// connections and serialization failures may all succeed on retry.
func storageErr(op string, err error) error {
	return payerr.Transient(payerr.CodeStorage, op, pkgerrors.WithStack(err))
}

func notFound(entity, id string) error {
	return payerr.Permanentf(payerr.CodeNotFound, "%s %s not found", entity, id)
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

func isCheckViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23514" && pqErr.Constraint == constraint
}

func rowsAffected(res sql.Result, op string) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr(fmt.Sprintf("%s: rows affected", op), err)
	}
	return n, nil
}
