package db

import (
	"context"
	"time"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// TransactionOptions configure WithTransaction. Unset fields fall back to
// majority write concern and the client's read concern.
type TransactionOptions struct {
	ReadConcern   *readconcern.ReadConcern
	WriteConcern  *writeconcern.WriteConcern
	MaxCommitTime time.Duration
}

func (o TransactionOptions) export() *options.TransactionOptions {
	opts := options.Transaction()
	if o.WriteConcern != nil {
		opts.SetWriteConcern(o.WriteConcern)
	} else {
		opts.SetWriteConcern(writeconcern.Majority())
	}
	if o.ReadConcern != nil {
		opts.SetReadConcern(o.ReadConcern)
	}
	if o.MaxCommitTime > 0 {
		opts.SetMaxCommitTime(&o.MaxCommitTime)
	}
	return opts
}

// WithTransaction runs fn inside a multi-document transaction. The context
// passed to fn is bound to the session; every helper in this package that
// is called with it takes part in the transaction. The driver retries fn
// on transient transaction errors, so fn must be safe to run again.
func WithTransaction(ctx context.Context, fn func(ctx context.Context) error, opts ...TransactionOptions) error {
	if fn == nil {
		return errors.New("transaction function is required")
	}
	client, err := getClient()
	if err != nil {
		return err
	}

	txnOpts := TransactionOptions{}
	if len(opts) > 0 {
		txnOpts = opts[0]
	}

	ctx, span := tracer().Start(ctx, "db.WithTransaction")
	defer span.End()

	session, err := client.StartSession()
	if err != nil {
		return errors.Wrap(err, "starting session")
	}
	defer session.EndSession(ctx)

	attempts := 0
	_, err = session.WithTransaction(ctx, func(sctx mongo.SessionContext) (any, error) {
		attempts++
		if attempts > 1 {
			grip.Debug(message.Fields{
				"message": "retrying transaction",
				"attempt": attempts,
			})
		}
		return nil, fn(sctx)
	}, txnOpts.export())

	return errors.Wrap(err, "running transaction")
}
