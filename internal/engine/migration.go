package engine

import "fmt"

// Migrate copies every owner, bucket and key from src into dst.
// It works in both directions between the embedded and Redis backends:
// upgrading a single host to shared storage, or taking an offline backup.
func Migrate(src, dst Store) (int, error) {
	owners, err := src.Owners()
	if err != nil {
		return 0, fmt.Errorf("list owners: %w", err)
	}

	copied := 0
	for _, owner := range owners {
		buckets, err := src.Buckets(owner)
		if err != nil {
			return copied, fmt.Errorf("list buckets for %s: %w", owner, err)
		}
		for _, bucket := range buckets {
			data, err := src.Bucket(owner, bucket)
			if err != nil {
				return copied, fmt.Errorf("dump bucket %s/%s: %w", owner, bucket, err)
			}
			for k, v := range data {
				if err := dst.Set(owner, bucket, k, v); err != nil {
					return copied, fmt.Errorf("set %s/%s/%s in destination: %w", owner, bucket, k, err)
				}
				copied++
			}
		}
	}
	return copied, nil
}
