// Package identitymap implements the transaction scoped identity map of an
// object relational runtime: the layer that turns rows read inside a
// transaction into reusable entity objects, keeps them consistent with what
// other transactions committed, and resolves foreign keys into entities.
//
// # Overview
//
// A Database wraps a Storage collaborator. Each Tx owns an EntityCache that
// maps (collection, primary key) to the one live Entity of that row, so two
// lookups of the same key inside a transaction return the same pointer.
// Nothing is cached across transactions: a new Tx starts with an empty map
// and reads committed state from storage.
//
//	names := identitymap.MustCollection("NamesTable",
//		identitymap.Columns("first", "second"),
//	)
//	accounts := identitymap.MustCollection("AccountsTable",
//		identitymap.References("name", names),
//	)
//
//	err := db.Transaction(ctx, func(ctx context.Context, tx *identitymap.Tx) error {
//		_, err := tx.New(ctx, accounts, func(a *identitymap.Entity) error {
//			n, err := tx.New(ctx, names, func(n *identitymap.Entity) error {
//				if err := n.Set("first", "first"); err != nil {
//					return err
//				}
//				return n.Set("second", "second")
//			})
//			if err != nil {
//				return err
//			}
//			return a.SetRef("name", n)
//		})
//		return err
//	})
//
// # Writes
//
// New, Set and Delete queue writes; Commit flushes them to storage in the
// order they were issued as one batch. After a successful flush every deleted
// entity is evicted from the cache before the transaction can be entered
// again, and every other open transaction of the Database that loaded the
// row sees it as deleted before Commit returns, so a delete that was
// committed is never served back. A rejected
// flush leaves the transaction in StatusFailed; only Rollback is accepted
// afterwards and the caller retries in a new transaction.
//
// # References
//
// Reference columns hold the foreign key value until Entity.Ref is called.
// The first access resolves the target through the cache, falling back to a
// storage read on the target's identity column (whatever it is called), and
// memoizes the result. A key without a row surfaces ErrDanglingReference at
// that point, never at assignment.
//
// # Concurrency
//
// A Tx can be handed between goroutines; its methods and those of its
// entities are serialised by a per transaction mutex. Distinct transactions
// share nothing but the storage.
package identitymap
