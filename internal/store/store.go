package store

// Store is a bucketed key-value storage interface used for checkpoints.
// Buckets are flat namespaces; keys within a bucket are iterated in
// byte-wise order.
type Store interface {
	Get(bucket, key []byte) ([]byte, error)
	Set(bucket, key, value []byte) error
	Delete(bucket, key []byte) error
	ForEach(bucket []byte, fn func(key, value []byte) error) error

	// Buckets lists bucket names starting with prefix, in order.
	Buckets(prefix []byte) ([][]byte, error)
	// ReplaceBucket drops bucket and refills it from fill in a single
	// transaction; if fill fails the previous contents survive.
	ReplaceBucket(bucket []byte, fill func(put func(key, value []byte) error) error) error
	DropBucket(bucket []byte) error

	Close() error
}
