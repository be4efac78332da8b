package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net"
	"strings"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/xaenox/botadmin/internal/dberrors"
	"github.com/xaenox/botadmin/internal/schema"
)

// classify maps a driver error onto the dberrors taxonomy.
func classify(s *schema.Schema, err error) error {
	if err == nil {
		return nil
	}
	var de *dberrors.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return contextError(err)
	}
	if errors.Is(err, sql.ErrTxDone) {
		return dberrors.Wrap(dberrors.KindTransaction, err, "transaction already closed")
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return dberrors.Connection(err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifyPQ(s, pqErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return dberrors.Connection(err)
	}
	return dberrors.Unknown(err)
}

func classifyPQ(s *schema.Schema, pqErr *pq.Error) error {
	switch pqErr.Code {
	case "23505":
		e := dberrors.Wrap(dberrors.KindUniqueConstraint, pqErr, "value already exists")
		e.Model, e.Fields = constraintFields(s, pqErr, "_key")
		return e
	case "23503":
		model, fields := constraintFields(s, pqErr, "_fkey")
		if strings.Contains(pqErr.Detail, "still referenced") {
			// Raised on the referencing table while deleting the parent.
			refs := make([]string, len(fields))
			for i, f := range fields {
				refs[i] = model + "." + f
			}
			e := dberrors.Wrap(dberrors.KindForeignKey, pqErr, "record is still referenced")
			e.Fields = refs
			return e
		}
		e := dberrors.Wrap(dberrors.KindForeignKey, pqErr, "referenced record does not exist")
		e.Model, e.Fields = model, fields
		return e
	case "23502", "22P02", "42703", "22007", "22008":
		e := dberrors.Wrap(dberrors.KindValidation, pqErr, "rejected by the engine")
		if pqErr.Column != "" {
			model, _ := constraintFields(s, pqErr, "")
			if m, ok := s.Model(model); ok {
				if f, ok := m.FieldByColumn(pqErr.Column); ok {
					e.Model, e.Fields = model, []string{f.Name}
				}
			}
		}
		return e
	case "40001", "40P01":
		return dberrors.Wrap(dberrors.KindTransaction, pqErr, "transaction aborted by a concurrent writer")
	case "25P02":
		return dberrors.Wrap(dberrors.KindTransaction, pqErr, "transaction is aborted")
	case "57014":
		return dberrors.Wrap(dberrors.KindTransaction, pqErr, "statement cancelled")
	case "57P01", "57P02", "57P03", "53300":
		return dberrors.Connection(pqErr)
	}
	if pqErr.Code.Class() == "08" {
		return dberrors.Connection(pqErr)
	}
	return dberrors.Unknown(pqErr)
}

// constraintFields resolves the model of the reported table and the field
// named by a constraint such as users_email_key or chatbots_user_id_fkey.
func constraintFields(s *schema.Schema, pqErr *pq.Error, suffix string) (string, []string) {
	for _, m := range s.Models() {
		if m.Table != pqErr.Table {
			continue
		}
		name := strings.TrimPrefix(pqErr.Constraint, m.Table+"_")
		if name == "pkey" {
			return m.Name, []string{m.PrimaryKey().Name}
		}
		if suffix != "" {
			if f, ok := m.FieldByColumn(strings.TrimSuffix(name, suffix)); ok {
				return m.Name, []string{f.Name}
			}
		}
		return m.Name, nil
	}
	return "", nil
}
