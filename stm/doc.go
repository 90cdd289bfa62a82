/*
Package stm is a software transactional memory for values shared between goroutines.

A Ref holds a value and a short history of earlier values. Transactions read refs as of
their read point and take write ownership of the refs they set; at commit every written
ref gets a new snapshot at a single commit point, or none does.

	m, _ := stm.NewManager(nil)
	from, _ := m.NewRef(100)
	to, _ := m.NewRef(0)
	_, err := m.Run(ctx, func(tx *stm.Txn) (interface{}, error) {
		if _, err := tx.Alter(from, sub, 10); err != nil {
			return nil, err
		}
		return tx.Alter(to, add, 10)
	})

Bodies may run many times. Errors returned by Txn operations must be returned from the
body unchanged: a retry signal restarts the attempt, anything else ends the transaction.
Block and Retry suspend the transaction until refs it watches are committed to, and
OrElse tries alternatives in order.
*/
package stm
