package bridge

import (
	"github.com/woxQAQ/frame-runtime/internal/fault"
)

var errNoDatabase = fault.NotFoundf("storage", "no database configured")

func dbFuncs[S PlatformState]() []Func {
	return []Func{
		{Name: "_db_query", Params: []Shape{Str, Str}, Result: Ptr, Fn: func(c *Call) {
			query, params := c.Str(), c.Str()
			s, ok := StateFrom[S](c.Ctx)
			if !ok || s.Storage() == nil {
				c.ReturnEnvelope(nil, errNoDatabase)
				return
			}
			if tx := s.Transaction(); tx != nil {
				c.ReturnEnvelope(tx.Query(c.Ctx, query, params))
				return
			}
			c.ReturnEnvelope(s.Storage().Query(c.Ctx, query, params))
		}},
		{Name: "_db_execute", Params: []Shape{Str, Str}, Result: I64, Fn: func(c *Call) {
			query, params := c.Str(), c.Str()
			s, ok := StateFrom[S](c.Ctx)
			if !ok || s.Storage() == nil {
				c.FailI64(errNoDatabase)
				return
			}
			var n int64
			var err error
			if tx := s.Transaction(); tx != nil {
				n, err = tx.Execute(c.Ctx, query, params)
			} else {
				n, err = s.Storage().Execute(c.Ctx, query, params)
			}
			if err != nil {
				c.FailI64(err)
				return
			}
			c.ReturnI64(n)
		}},
		{Name: "_db_begin", Result: Bool, Fn: func(c *Call) {
			s, ok := StateFrom[S](c.Ctx)
			if !ok || s.Storage() == nil {
				c.Fail(errNoDatabase)
				return
			}
			if s.Transaction() != nil {
				c.Fail(fault.Validationf("_db_begin", "a transaction is already open"))
				return
			}
			tx, err := s.Storage().Begin(c.Ctx)
			if err != nil {
				c.Fail(err)
				return
			}
			s.SetTransaction(tx)
			c.ReturnBool(true)
		}},
		{Name: "_db_commit", Result: Bool, Fn: func(c *Call) {
			finishTx[S](c, true)
		}},
		{Name: "_db_rollback", Result: Bool, Fn: func(c *Call) {
			finishTx[S](c, false)
		}},
	}
}

func finishTx[S PlatformState](c *Call, commit bool) {
	s, ok := StateFrom[S](c.Ctx)
	if !ok {
		c.Fail(errNoDatabase)
		return
	}
	tx := s.Transaction()
	if tx == nil {
		c.Fail(fault.Validationf(c.Name(), "no open transaction"))
		return
	}
	s.SetTransaction(nil)
	var err error
	if commit {
		err = tx.Commit()
	} else {
		err = tx.Rollback()
	}
	if err != nil {
		c.Fail(err)
		return
	}
	c.ReturnBool(true)
}
